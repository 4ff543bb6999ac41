package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TaskRuns == nil || m.TaskFailures == nil || m.WakeSignals == nil {
		t.Fatal("counter instrument is nil")
	}
	if m.TaskDuration == nil || m.RequestDuration == nil {
		t.Fatal("histogram instrument is nil")
	}
	if m.Balance == nil || m.InboxBacklog == nil || m.WakeBacklog == nil {
		t.Fatal("gauge instrument is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.RecordRun(context.Background(), "heartbeat_ping", 0.01, false)
	m.RecordWake(context.Background(), "heartbeat")
	m.RecordBalance(context.Background(), 42, "normal")
	m.RecordBacklog(context.Background(), 3, 1)
}

func TestMetrics_RecordRunCountsFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordRun(ctx, "check_balance", 0.2, false)
	m.RecordRun(ctx, "check_balance", 0.3, true)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[metric.Name] += dp.Value
				}
			}
		}
	}
	if totals["lifeline.task.runs"] != 2 || totals["lifeline.task.failures"] != 1 {
		t.Fatalf("totals = %v", totals)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRun(context.Background(), "x", 1, true)
	m.RecordWake(context.Background(), "x")
	m.RecordBalance(context.Background(), 1, "high")
}
