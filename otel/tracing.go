// Package otel provides OpenTelemetry integration for docflow engine events.
package otel

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/engine"
)

// TracingHandler translates engine events into OpenTelemetry spans. It
// maintains maps of active run and stage spans, creating and ending them
// based on event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	runSpans   map[string]trace.Span      // runID -> span
	runCtxs    map[string]context.Context // runID -> context (for child spans)
	stageSpans map[string]trace.Span      // runID:stage -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from engine events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		stageSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans accordingly.
// It implements engine.EventHandler semantics.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventRunStarted:
		h.handleRunStarted(e)
	case engine.EventStageStarted:
		h.handleStageStarted(e)
	case engine.EventStageFinished:
		h.handleStageFinished(e)
	case engine.EventStageFailed:
		h.handleStageFailed(e)
	case engine.EventStageRetried:
		h.handleStageRetried(e)
	case engine.EventReviewRequested, engine.EventReviewSubmitted, engine.EventRunRevising, engine.EventRunStalled:
		h.handleRunEvent(e)
	case engine.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleRunStarted creates a root span for the run.
func (h *TracingHandler) handleRunStarted(e engine.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("docflow.run_id", e.RunID),
			attribute.String("docflow.status", string(e.Status)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleStageStarted creates a child span under the run span.
func (h *TracingHandler) handleStageStarted(e engine.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "stage:"+string(e.Stage),
		trace.WithAttributes(
			attribute.String("docflow.run_id", e.RunID),
			attribute.String("docflow.stage", string(e.Stage)),
			attribute.Int("docflow.attempt", e.Attempt),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.stageSpans[stageKey(e.RunID, e.Stage)] = span
	h.mu.Unlock()
}

// handleStageFinished ends the stage span with success status.
func (h *TracingHandler) handleStageFinished(e engine.Event) {
	span, ok := h.takeStageSpan(e.RunID, e.Stage)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("docflow.duration", e.Elapsed.String()),
	)
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleStageFailed ends the stage span with error status.
func (h *TracingHandler) handleStageFailed(e engine.Event) {
	span, ok := h.takeStageSpan(e.RunID, e.Stage)
	if !ok {
		return
	}
	errMsg := "unknown error"
	if msg, found := e.Payload["error"]; found {
		if s, ok := msg.(string); ok {
			errMsg = s
		}
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(errors.New(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// handleStageRetried records the retry on the active stage span.
func (h *TracingHandler) handleStageRetried(e engine.Event) {
	h.mu.RLock()
	span, ok := h.stageSpans[stageKey(e.RunID, e.Stage)]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("docflow.attempt", e.Attempt),
	}
	if backoff, found := e.Payload["backoff"]; found {
		if s, ok := backoff.(string); ok {
			attrs = append(attrs, attribute.String("docflow.backoff", s))
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleRunEvent adds a span event on the run span for control transitions.
func (h *TracingHandler) handleRunEvent(e engine.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("docflow.status", string(e.Status)),
	))
}

// handleRunFinished ends the root run span.
func (h *TracingHandler) handleRunFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("docflow.status", string(e.Status)),
		attribute.Int("docflow.version", e.Version),
	)
	if e.Status == core.StatusFailed {
		errMsg := "run failed"
		if msg, found := e.Payload["error"]; found {
			if s, ok := msg.(string); ok {
				errMsg = s
			}
		}
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveRunSpanContext returns the span context of the run's root span, or
// an invalid context when the run has no active span.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if span, ok := h.runSpans[runID]; ok {
		return span.SpanContext()
	}
	return trace.SpanContext{}
}

func (h *TracingHandler) takeStageSpan(runID string, stage core.StageName) (trace.Span, bool) {
	key := stageKey(runID, stage)
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.stageSpans[key]
	if ok {
		delete(h.stageSpans, key)
	}
	return span, ok
}

func stageKey(runID string, stage core.StageName) string {
	return runID + ":" + string(stage)
}
