// Package nats implements the Knowledge Bridge port over NATS: queries via
// request/reply, writes via a JetStream stream with message deduplication.
package nats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gatewright/gatewright/internal/domain/knowledge"
)

const (
	streamName   = "GATEWRIGHT_KNOWLEDGE"
	subjectQuery = "knowledge.query"
	subjectWrite = "knowledge.write"
)

// Bridge implements the knowledge.Bridge port using NATS.
type Bridge struct {
	nc *nats.Conn
	js jetstream.JetStream

	onReconnect func()
}

// Connect establishes a connection to NATS and ensures the knowledge write
// stream exists. The onReconnect hook fires when connectivity returns, so
// the service layer can flush its offline write buffer.
func Connect(ctx context.Context, url string, onReconnect func()) (*Bridge, error) {
	b := &Bridge{onReconnect: onReconnect}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.ReconnectHandler(func(*nats.Conn) {
			slog.Info("knowledge bridge reconnected", "url", url)
			if b.onReconnect != nil {
				b.onReconnect()
			}
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("knowledge bridge disconnected", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	b.js = js

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"knowledge.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("knowledge bridge connected", "url", url, "stream", streamName)
	return b, nil
}

type queryRequest struct {
	Topic string `json:"topic"`
	K     int    `json:"k"`
}

type queryResponse struct {
	Matches []knowledge.Match `json:"matches"`
}

// Query sends a request/reply topic query to the memory service.
func (b *Bridge) Query(ctx context.Context, topic string, k int) ([]knowledge.Match, error) {
	data, err := json.Marshal(queryRequest{Topic: topic, K: k})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	msg, err := b.nc.RequestWithContext(ctx, subjectQuery, data)
	if err != nil {
		return nil, fmt.Errorf("knowledge query %q: %w", topic, err)
	}

	var resp queryResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal query response: %w", err)
	}
	return resp.Matches, nil
}

// Write publishes a record to the knowledge stream. The message id is
// derived from the record content, so retries deduplicate server-side and
// the write stays idempotent.
func (b *Bridge) Write(ctx context.Context, rec knowledge.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = b.js.Publish(ctx, subjectWrite, data, jetstream.WithMsgID(recordID(data)))
	if err != nil {
		return fmt.Errorf("knowledge write %q: %w", rec.Topic, err)
	}
	return nil
}

// Connected reports whether the NATS connection is currently up.
func (b *Bridge) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close shuts down the NATS connection.
func (b *Bridge) Close() error {
	b.nc.Close()
	return nil
}

func recordID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
