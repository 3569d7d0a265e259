package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/engine"
	docotel "github.com/privacypoint/docflow/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt64(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is not an int64 sum", m.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsHandlerStageCounters(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := docotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(engine.Event{
		Kind:    engine.EventStageFinished,
		RunID:   "run-1",
		Stage:   core.StageClassification,
		Elapsed: 150 * time.Millisecond,
	})
	h.Handle(engine.Event{
		Kind:  engine.EventStageRetried,
		RunID: "run-1",
		Stage: core.StageResearch,
	})
	h.Handle(engine.Event{
		Kind:  engine.EventStageFailed,
		RunID: "run-1",
		Stage: core.StageResearch,
	})

	rm := collectMetrics(t, reader)

	exec := findMetric(rm, "docflow.stage.executions")
	if exec == nil || sumInt64(t, exec) != 1 {
		t.Errorf("executions metric = %+v", exec)
	}
	retries := findMetric(rm, "docflow.stage.retries")
	if retries == nil || sumInt64(t, retries) != 1 {
		t.Errorf("retries metric = %+v", retries)
	}
	failures := findMetric(rm, "docflow.stage.failures")
	if failures == nil || sumInt64(t, failures) != 1 {
		t.Errorf("failures metric = %+v", failures)
	}

	dur := findMetric(rm, "docflow.stage.duration")
	if dur == nil {
		t.Fatal("duration metric missing")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Errorf("duration metric = %+v", dur.Data)
	}
}

func TestMetricsHandlerRunCounters(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := docotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}

	h.Handle(engine.Event{Kind: engine.EventRunRevising, RunID: "run-1"})
	h.Handle(engine.Event{Kind: engine.EventRunRevising, RunID: "run-1"})
	h.Handle(engine.Event{Kind: engine.EventRunFinished, RunID: "run-1", Status: core.StatusDelivered})

	rm := collectMetrics(t, reader)

	revisions := findMetric(rm, "docflow.run.revisions")
	if revisions == nil || sumInt64(t, revisions) != 2 {
		t.Errorf("revisions metric = %+v", revisions)
	}
	finished := findMetric(rm, "docflow.run.finished")
	if finished == nil || sumInt64(t, finished) != 1 {
		t.Errorf("finished metric = %+v", finished)
	}
}
