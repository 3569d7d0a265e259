package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/engine"
	docotel "github.com/privacypoint/docflow/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestTracingHandlerRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := docotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{
		Kind:   engine.EventRunStarted,
		RunID:  "run-1",
		Status: core.StatusCreated,
		Time:   now,
	})

	if !h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("expected valid run span context after run.started")
	}

	h.Handle(engine.Event{
		Kind:   engine.EventRunFinished,
		RunID:  "run-1",
		Status: core.StatusDelivered,
		Time:   now.Add(time.Second),
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	if spans[0].Name != "run:run-1" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if spans[0].Status.Code != otelcodes.Ok {
		t.Errorf("status = %v", spans[0].Status)
	}
	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run span still active after run.finished")
	}
}

func TestTracingHandlerStageSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := docotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{Kind: engine.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(engine.Event{
		Kind:    engine.EventStageStarted,
		RunID:   "run-1",
		Stage:   core.StageGeneration,
		Attempt: 1,
		Time:    now,
	})
	h.Handle(engine.Event{
		Kind:    engine.EventStageFinished,
		RunID:   "run-1",
		Stage:   core.StageGeneration,
		Attempt: 1,
		Time:    now.Add(200 * time.Millisecond),
		Elapsed: 200 * time.Millisecond,
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	stageSpan := spans[0]
	if stageSpan.Name != "stage:generation" {
		t.Errorf("span name = %q", stageSpan.Name)
	}
	if !stageSpan.Parent.IsValid() {
		t.Error("stage span has no parent run span")
	}
}

func TestTracingHandlerStageFailureSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := docotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{Kind: engine.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(engine.Event{
		Kind:  engine.EventStageStarted,
		RunID: "run-1",
		Stage: core.StageStructuring,
		Time:  now,
	})
	h.Handle(engine.Event{
		Kind:    engine.EventStageFailed,
		RunID:   "run-1",
		Stage:   core.StageStructuring,
		Time:    now.Add(time.Millisecond),
		Payload: map[string]any{"error": "entrada inválida"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("status = %v", spans[0].Status)
	}
	if spans[0].Status.Description != "entrada inválida" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestTracingHandlerFailedRun(t *testing.T) {
	exporter, tp := newTestTracer()
	h := docotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(engine.Event{Kind: engine.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(engine.Event{
		Kind:    engine.EventRunFinished,
		RunID:   "run-1",
		Status:  core.StatusFailed,
		Time:    now.Add(time.Second),
		Payload: map[string]any{"error": "stage structuring: permanent"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("status = %v", spans[0].Status)
	}
}
