package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/knowledge"
	"github.com/gatewright/gatewright/internal/resilience"
)

type fakeBridge struct {
	mu        sync.Mutex
	connected bool
	queryErr  error
	writeErr  error
	matches   []knowledge.Match
	written   []knowledge.Record
	queries   int
}

func (b *fakeBridge) Query(ctx context.Context, topic string, k int) ([]knowledge.Match, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries++
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	return b.matches, nil
}

func (b *fakeBridge) Write(ctx context.Context, rec knowledge.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.written = append(b.written, rec)
	return nil
}

func (b *fakeBridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBridge) Close() error { return nil }

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func testKnowledgeCfg() config.Knowledge {
	return config.Knowledge{
		QueryTimeout:   time.Second,
		TopK:           5,
		CacheTTL:       time.Minute,
		WriteBufferCap: 100,
	}
}

func TestQueryDegradesWhenDisconnected(t *testing.T) {
	bridge := &fakeBridge{connected: false}
	svc := NewKnowledgeService(testKnowledgeCfg(), bridge, resilience.NewBreaker(5, time.Minute), nil)

	res := svc.Query(context.Background(), "style guide", 3)
	if !res.Degraded {
		t.Error("query during an outage must return a degraded result, not an error")
	}
	if _, ok := res.Quality(); ok {
		t.Error("degraded result must count as a missing signal")
	}
}

func TestQueryDegradesOnBridgeError(t *testing.T) {
	bridge := &fakeBridge{connected: true, queryErr: errors.New("nats timeout")}
	svc := NewKnowledgeService(testKnowledgeCfg(), bridge, resilience.NewBreaker(5, time.Minute), nil)

	if res := svc.Query(context.Background(), "style guide", 3); !res.Degraded {
		t.Error("bridge failure must degrade, not propagate")
	}
}

func TestQueryOpenBreakerSkipsBridge(t *testing.T) {
	bridge := &fakeBridge{connected: true, queryErr: errors.New("down")}
	breaker := resilience.NewBreaker(2, time.Minute)
	svc := NewKnowledgeService(testKnowledgeCfg(), bridge, breaker, nil)

	for i := 0; i < 3; i++ {
		svc.Query(context.Background(), "t", 1)
	}
	calls := bridge.queries

	if res := svc.Query(context.Background(), "t", 1); !res.Degraded {
		t.Error("open breaker must degrade")
	}
	if bridge.queries != calls {
		t.Error("open breaker must not reach the bridge")
	}
}

func TestQueryCacheHitSkipsBridge(t *testing.T) {
	bridge := &fakeBridge{connected: true, matches: []knowledge.Match{{Topic: "t", Content: "c", Score: 0.9}}}
	svc := NewKnowledgeService(testKnowledgeCfg(), bridge, resilience.NewBreaker(5, time.Minute), newMemCache())

	first := svc.Query(context.Background(), "t", 3)
	if q, ok := first.Quality(); !ok || q != 0.9 {
		t.Fatalf("quality = %v %v", q, ok)
	}

	// Second identical query is served from the cache even after the bridge
	// goes away.
	bridge.mu.Lock()
	bridge.connected = false
	bridge.mu.Unlock()

	second := svc.Query(context.Background(), "t", 3)
	if second.Degraded || len(second.Matches) != 1 {
		t.Errorf("cache miss on repeated query: %+v", second)
	}
	if bridge.queries != 1 {
		t.Errorf("bridge queried %d times, want 1", bridge.queries)
	}
}

func TestWriteBuffersDuringOutage(t *testing.T) {
	bridge := &fakeBridge{connected: false}
	svc := NewKnowledgeService(testKnowledgeCfg(), bridge, resilience.NewBreaker(5, time.Minute), nil)

	rec := knowledge.Record{Topic: "t", Content: "c"}
	if err := svc.Write(context.Background(), rec); err != nil {
		t.Fatalf("write during outage must buffer, got %v", err)
	}
	if svc.Buffered() != 1 {
		t.Errorf("buffered = %d, want 1", svc.Buffered())
	}

	// Reconnect and flush.
	bridge.mu.Lock()
	bridge.connected = true
	bridge.mu.Unlock()
	svc.Flush(context.Background())

	if svc.Buffered() != 0 {
		t.Errorf("buffered after flush = %d, want 0", svc.Buffered())
	}
	if len(bridge.written) != 1 || bridge.written[0].Topic != "t" {
		t.Errorf("flushed records = %+v", bridge.written)
	}
}

func TestWriteBufferEvictsOldestAtCapacity(t *testing.T) {
	cfg := testKnowledgeCfg()
	cfg.WriteBufferCap = 3
	bridge := &fakeBridge{connected: false}
	svc := NewKnowledgeService(cfg, bridge, resilience.NewBreaker(5, time.Minute), nil)

	for i := 1; i <= 5; i++ {
		rec := knowledge.Record{Topic: fmt.Sprintf("t%d", i), Content: "c"}
		if err := svc.Write(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	if svc.Buffered() != 3 {
		t.Fatalf("buffered = %d, want cap 3", svc.Buffered())
	}

	bridge.mu.Lock()
	bridge.connected = true
	bridge.mu.Unlock()
	svc.Flush(context.Background())

	// Oldest writes t1 and t2 were evicted; t3..t5 survive in order.
	want := []string{"t3", "t4", "t5"}
	if len(bridge.written) != len(want) {
		t.Fatalf("flushed %d records, want %d", len(bridge.written), len(want))
	}
	for i, w := range want {
		if bridge.written[i].Topic != w {
			t.Errorf("flushed[%d] = %s, want %s", i, bridge.written[i].Topic, w)
		}
	}
}

func TestWriteRejectsInvalidRecord(t *testing.T) {
	svc := NewKnowledgeService(testKnowledgeCfg(), &fakeBridge{}, resilience.NewBreaker(5, time.Minute), nil)

	if err := svc.Write(context.Background(), knowledge.Record{Content: "c"}); !errors.Is(err, knowledge.ErrTopicRequired) {
		t.Errorf("err = %v, want ErrTopicRequired", err)
	}
	if svc.Buffered() != 0 {
		t.Error("invalid records must never enter the buffer")
	}
}

func TestFlushRequeuesOnFailure(t *testing.T) {
	bridge := &fakeBridge{connected: false}
	svc := NewKnowledgeService(testKnowledgeCfg(), bridge, resilience.NewBreaker(5, time.Minute), nil)

	for i := 1; i <= 2; i++ {
		_ = svc.Write(context.Background(), knowledge.Record{Topic: fmt.Sprintf("t%d", i), Content: "c"})
	}

	// Still down at flush time: everything goes back to the buffer.
	bridge.mu.Lock()
	bridge.writeErr = errors.New("still down")
	bridge.mu.Unlock()
	svc.Flush(context.Background())

	if svc.Buffered() != 2 {
		t.Errorf("buffered = %d, want both records requeued", svc.Buffered())
	}
}
