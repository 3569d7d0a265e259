package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/privacypoint/docflow/engine"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
// It records counters and histograms for stage executions, failures,
// retries, revisions, and run outcomes.
type MetricsHandler struct {
	stageExecutions metric.Int64Counter
	stageFailures   metric.Int64Counter
	stageRetries    metric.Int64Counter
	revisions       metric.Int64Counter
	runsFinished    metric.Int64Counter
	stageDuration   metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording docflow engine metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stageExec, err := meter.Int64Counter("docflow.stage.executions",
		metric.WithDescription("Number of stage executions"),
	)
	if err != nil {
		return nil, err
	}

	stageFail, err := meter.Int64Counter("docflow.stage.failures",
		metric.WithDescription("Number of permanent stage failures"),
	)
	if err != nil {
		return nil, err
	}

	stageRetry, err := meter.Int64Counter("docflow.stage.retries",
		metric.WithDescription("Number of transient stage retries"),
	)
	if err != nil {
		return nil, err
	}

	revisions, err := meter.Int64Counter("docflow.run.revisions",
		metric.WithDescription("Number of revision cycles (automatic and human)"),
	)
	if err != nil {
		return nil, err
	}

	runsFinished, err := meter.Int64Counter("docflow.run.finished",
		metric.WithDescription("Number of runs reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	stageDur, err := meter.Float64Histogram("docflow.stage.duration",
		metric.WithDescription("Duration of stage execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stageExecutions: stageExec,
		stageFailures:   stageFail,
		stageRetries:    stageRetry,
		revisions:       revisions,
		runsFinished:    runsFinished,
		stageDuration:   stageDur,
	}, nil
}

// Handle processes an engine event and records the appropriate metrics.
// It implements engine.EventHandler semantics.
func (h *MetricsHandler) Handle(e engine.Event) {
	ctx := context.Background()
	switch e.Kind {
	case engine.EventStageFinished:
		attrs := metric.WithAttributes(
			attribute.String("stage", string(e.Stage)),
		)
		h.stageExecutions.Add(ctx, 1, attrs)
		h.stageDuration.Record(ctx, e.Elapsed.Seconds(), attrs)

	case engine.EventStageFailed:
		h.stageFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(e.Stage)),
		))

	case engine.EventStageRetried:
		h.stageRetries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(e.Stage)),
		))

	case engine.EventRunRevising:
		h.revisions.Add(ctx, 1)

	case engine.EventRunFinished:
		h.runsFinished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(e.Status)),
		))
	}
}
