package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentdock"

// Metrics holds all AgentDock metric instruments.
type Metrics struct {
	RunsLaunched  metric.Int64Counter
	RunsCompleted metric.Int64Counter
	RunsFailed    metric.Int64Counter
	RunsCancelled metric.Int64Counter
	RunDuration   metric.Float64Histogram
	QueueDepth    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsLaunched, err = meter.Int64Counter("agentdock.runs.launched",
		metric.WithDescription("Number of runs admitted"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("agentdock.runs.completed",
		metric.WithDescription("Number of runs completed successfully"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("agentdock.runs.failed",
		metric.WithDescription("Number of runs failed"))
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("agentdock.runs.cancelled",
		metric.WithDescription("Number of runs cancelled"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentdock.run.duration_seconds",
		metric.WithDescription("Wall time from dispatch to terminal state"))
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("agentdock.queue.depth",
		metric.WithDescription("Runs waiting for a dispatch slot"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
