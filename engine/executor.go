package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/registry"
)

// StageResult is the outcome of driving one stage to success, permanent
// failure, or attempt exhaustion. It is pure data: the executor never
// touches the store, so results can be computed concurrently and applied
// by a single writer.
type StageResult struct {
	Stage core.StageName

	// Payload is the stage output on success, nil otherwise.
	Payload core.Payload

	// Attempts records every attempt made, in order, for the audit trail.
	Attempts []core.StageEvent

	// Err is the permanent failure, nil on success.
	Err error
}

// Executor runs capabilities under the policy's timeout and retry limits.
type Executor struct {
	policy Policy
	emit   EventHandler

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. emit may be nil.
func NewExecutor(policy Policy, emit EventHandler) *Executor {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Executor{
		policy: policy,
		emit:   emit,
		sleep:  sleepCtx,
	}
}

// ExecuteStage drives one stage against a snapshot: it attempts the
// capability, retries transient failures with exponential backoff, and
// reclassifies exhaustion as permanent. The snapshot is read-only input.
func (x *Executor) ExecuteStage(ctx context.Context, def registry.StageDefinition, snap *core.Snapshot) StageResult {
	result := StageResult{Stage: def.Name}

	retry := def.Retry
	if retry.MaxAttempts == 0 {
		retry = core.RetryPolicy{MaxAttempts: x.policy.MaxAttempts, Backoff: x.policy.RetryBackoff}
	}
	timeout := def.Timeout
	if timeout == 0 {
		timeout = x.policy.StageTimeout
	}

	base := snap.Attempts(def.Name)
	var lastErr error
	for i := 0; i < retry.MaxAttempts; i++ {
		attempt := base + i + 1
		started := time.Now()
		x.emit(NewEvent(EventStageStarted, snap.RunID).WithStage(def.Name, attempt))

		payload, err := x.runOnce(ctx, def.Capability, snap, timeout)
		finished := time.Now()
		event := core.StageEvent{
			Stage:      def.Name,
			Attempt:    attempt,
			StartedAt:  started,
			FinishedAt: finished,
		}

		if err == nil {
			event.Outcome = core.OutcomeSuccess
			result.Attempts = append(result.Attempts, event)
			result.Payload = payload
			x.emit(NewEvent(EventStageFinished, snap.RunID).
				WithStage(def.Name, attempt).
				WithElapsed(finished.Sub(started)))
			return result
		}

		event.ErrorDetail = err.Error()
		lastErr = err

		if !core.IsTransient(err) || ctx.Err() != nil {
			event.Outcome = core.OutcomePermanentFailure
			result.Attempts = append(result.Attempts, event)
			result.Err = &core.PermanentStageError{Stage: def.Name, Attempts: attempt, Cause: err}
			x.emit(NewEvent(EventStageFailed, snap.RunID).
				WithStage(def.Name, attempt).
				WithElapsed(finished.Sub(started)).
				WithPayload("error", err.Error()))
			return result
		}

		event.Outcome = core.OutcomeTransientFailure
		result.Attempts = append(result.Attempts, event)

		if i+1 < retry.MaxAttempts {
			backoff := retry.Backoff << uint(i)
			x.emit(NewEvent(EventStageRetried, snap.RunID).
				WithStage(def.Name, attempt).
				WithPayload("backoff", backoff.String()).
				WithPayload("error", err.Error()))
			if err := x.sleep(ctx, backoff); err != nil {
				result.Err = &core.PermanentStageError{Stage: def.Name, Attempts: attempt, Cause: err}
				return result
			}
		}
	}

	// Attempt budget spent: the transient failure becomes permanent.
	result.Err = &core.PermanentStageError{
		Stage:    def.Name,
		Attempts: base + retry.MaxAttempts,
		Cause:    fmt.Errorf("retries exhausted: %w", lastErr),
	}
	x.emit(NewEvent(EventStageFailed, snap.RunID).
		WithStage(def.Name, base+retry.MaxAttempts).
		WithPayload("error", result.Err.Error()))
	return result
}

// ExecuteSet drives several mutually independent stages concurrently
// against the same snapshot and returns their results in input order. All
// stages run to completion; failures are reported per result, not joined
// into one error.
func (x *Executor) ExecuteSet(ctx context.Context, defs []registry.StageDefinition, snap *core.Snapshot) []StageResult {
	results := make([]StageResult, len(defs))
	if len(defs) == 1 {
		results[0] = x.ExecuteStage(ctx, defs[0], snap)
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, def := range defs {
		g.Go(func() error {
			results[i] = x.ExecuteStage(gctx, def, snap)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (x *Executor) runOnce(ctx context.Context, capability core.Capability, snap *core.Snapshot, timeout time.Duration) (core.Payload, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	payload, err := capability.Execute(ctx, snap)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return payload, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
