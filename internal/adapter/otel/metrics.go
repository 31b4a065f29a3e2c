package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "gatewright"

// Metrics holds all Gatewright metric instruments.
type Metrics struct {
	Decisions          metric.Int64Counter
	CheckpointsWritten metric.Int64Counter
	StallsDetected     metric.Int64Counter
	ConsensusSessions  metric.Int64Counter
	ReviewRounds       metric.Int64Counter
	KnowledgeDegraded  metric.Int64Counter
	ConfidenceScore    metric.Int64Histogram
	StepDuration       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Decisions, err = meter.Int64Counter("gatewright.decisions",
		metric.WithDescription("Step-boundary decisions by transition"))
	if err != nil {
		return nil, err
	}

	m.CheckpointsWritten, err = meter.Int64Counter("gatewright.checkpoints.written",
		metric.WithDescription("Checkpoints persisted"))
	if err != nil {
		return nil, err
	}

	m.StallsDetected, err = meter.Int64Counter("gatewright.stalls.detected",
		metric.WithDescription("Stall or oscillation detections"))
	if err != nil {
		return nil, err
	}

	m.ConsensusSessions, err = meter.Int64Counter("gatewright.consensus.sessions",
		metric.WithDescription("Consensus sessions by exit reason"))
	if err != nil {
		return nil, err
	}

	m.ReviewRounds, err = meter.Int64Counter("gatewright.review.rounds",
		metric.WithDescription("Review dispatch rounds by tag"))
	if err != nil {
		return nil, err
	}

	m.KnowledgeDegraded, err = meter.Int64Counter("gatewright.knowledge.degraded",
		metric.WithDescription("Knowledge Bridge degraded responses"))
	if err != nil {
		return nil, err
	}

	m.ConfidenceScore, err = meter.Int64Histogram("gatewright.confidence.score",
		metric.WithDescription("Confidence scores at decision points"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("gatewright.step.duration_seconds",
		metric.WithDescription("Step execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
