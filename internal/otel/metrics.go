package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the heartbeat instruments.
type Metrics struct {
	TaskRuns        metric.Int64Counter
	TaskFailures    metric.Int64Counter
	WakeSignals     metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	Balance         metric.Float64Gauge
	InboxBacklog    metric.Int64Gauge
	WakeBacklog     metric.Int64Gauge
	RequestDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskRuns, err = meter.Int64Counter("lifeline.task.runs",
		metric.WithDescription("Heartbeat task executions"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("lifeline.task.failures",
		metric.WithDescription("Heartbeat task executions that errored, panicked or timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.WakeSignals, err = meter.Int64Counter("lifeline.wake.signals",
		metric.WithDescription("Wake signals raised by tasks or operators"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("lifeline.task.duration",
		metric.WithDescription("Heartbeat task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Balance, err = meter.Float64Gauge("lifeline.balance",
		metric.WithDescription("Balance observed at the start of the last tick"),
	)
	if err != nil {
		return nil, err
	}

	m.InboxBacklog, err = meter.Int64Gauge("lifeline.inbox.backlog",
		metric.WithDescription("Inbox messages received or in progress"),
	)
	if err != nil {
		return nil, err
	}

	m.WakeBacklog, err = meter.Int64Gauge("lifeline.wake.backlog",
		metric.WithDescription("Wake events not yet consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("lifeline.request.duration",
		metric.WithDescription("Operator HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRun records one task execution. Safe on a nil receiver.
func (m *Metrics) RecordRun(ctx context.Context, task string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTaskName.String(task))
	m.TaskRuns.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, seconds, attrs)
	if failed {
		m.TaskFailures.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordWake(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.WakeSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) RecordBalance(ctx context.Context, balance float64, tier string) {
	if m == nil {
		return
	}
	m.Balance.Record(ctx, balance, metric.WithAttributes(AttrTier.String(tier)))
}

// RecordBacklog records the inbox and wake queue depths.
func (m *Metrics) RecordBacklog(ctx context.Context, inbox, wake int) {
	if m == nil {
		return
	}
	m.InboxBacklog.Record(ctx, int64(inbox))
	m.WakeBacklog.Record(ctx, int64(wake))
}
