package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/knowledge"
	"github.com/gatewright/gatewright/internal/port/cache"
	knowledgeport "github.com/gatewright/gatewright/internal/port/knowledge"
	"github.com/gatewright/gatewright/internal/resilience"
)

// KnowledgeService fronts the Knowledge Bridge transport with a circuit
// breaker, an L1 query cache, and a bounded offline write buffer. Degraded
// queries are never errors: callers get an empty result tagged degraded and
// the confidence calculator treats it as a missing signal.
type KnowledgeService struct {
	cfg     config.Knowledge
	bridge  knowledgeport.Bridge
	breaker *resilience.Breaker
	cache   cache.Cache

	mu     sync.Mutex
	buffer []knowledge.Record // FIFO, oldest evicted at capacity
}

// NewKnowledgeService creates the service. cache may be nil to disable
// query caching.
func NewKnowledgeService(cfg config.Knowledge, bridge knowledgeport.Bridge, breaker *resilience.Breaker, c cache.Cache) *KnowledgeService {
	return &KnowledgeService{
		cfg:     cfg,
		bridge:  bridge,
		breaker: breaker,
		cache:   c,
	}
}

// Query returns ranked matches for a topic. Connectivity failures and an
// open breaker degrade to an empty tagged result instead of erroring.
func (s *KnowledgeService) Query(ctx context.Context, topic string, k int) knowledge.QueryResult {
	if k <= 0 {
		k = s.cfg.TopK
	}
	key := fmt.Sprintf("knowledge:%s:%d", topic, k)

	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var matches []knowledge.Match
			if json.Unmarshal(data, &matches) == nil {
				return knowledge.QueryResult{Matches: matches}
			}
		}
	}

	if !s.bridge.Connected() {
		return knowledge.QueryResult{Degraded: true}
	}

	var matches []knowledge.Match
	err := s.breaker.Execute(func() error {
		qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
		var qerr error
		matches, qerr = s.bridge.Query(qctx, topic, k)
		return qerr
	})
	if err != nil {
		slog.Warn("knowledge query degraded", "topic", topic, "error", err)
		return knowledge.QueryResult{Degraded: true}
	}

	if s.cache != nil {
		if data, err := json.Marshal(matches); err == nil {
			_ = s.cache.Set(ctx, key, data, s.cfg.CacheTTL)
		}
	}
	return knowledge.QueryResult{Matches: matches}
}

// Write persists a record, buffering it locally when the memory service is
// unreachable. Buffered writes are flushed on reconnect.
func (s *KnowledgeService) Write(ctx context.Context, rec knowledge.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	if !s.bridge.Connected() {
		s.enqueue(rec)
		return nil
	}

	err := s.breaker.Execute(func() error {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
		return s.bridge.Write(wctx, rec)
	})
	if err != nil {
		slog.Warn("knowledge write buffered", "topic", rec.Topic, "error", err)
		s.enqueue(rec)
	}
	return nil
}

// Flush drains the write buffer to the memory service. Called on
// reconnect; records that fail again go back to the front of the buffer.
func (s *KnowledgeService) Flush(ctx context.Context) {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	slog.Info("flushing knowledge write buffer", "pending", len(pending))

	for i, rec := range pending {
		err := s.breaker.Execute(func() error {
			wctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
			defer cancel()
			return s.bridge.Write(wctx, rec)
		})
		if err != nil {
			slog.Warn("knowledge flush interrupted", "remaining", len(pending)-i, "error", err)
			s.mu.Lock()
			s.buffer = append(pending[i:], s.buffer...)
			s.trimLocked()
			s.mu.Unlock()
			return
		}
	}
}

// Buffered returns the number of records waiting for reconnection.
func (s *KnowledgeService) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// BreakerState exposes the breaker state for health reporting.
func (s *KnowledgeService) BreakerState() string {
	return s.breaker.State()
}

func (s *KnowledgeService) enqueue(rec knowledge.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, rec)
	s.trimLocked()
}

// trimLocked evicts oldest records past capacity. Caller holds s.mu.
func (s *KnowledgeService) trimLocked() {
	if over := len(s.buffer) - s.cfg.WriteBufferCap; over > 0 {
		slog.Warn("knowledge write buffer full, evicting oldest", "evicted", over)
		s.buffer = s.buffer[over:]
	}
}
