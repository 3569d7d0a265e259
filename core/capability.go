package core

import (
	"context"
	"errors"
	"fmt"
)

// Capability is the contract every stage processor implements. Given the
// current working state it produces the payload for its stage slot, or a
// classified failure. The engine never inspects how a capability computes
// its result.
type Capability interface {
	Execute(ctx context.Context, snap *Snapshot) (Payload, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, snap *Snapshot) (Payload, error)

// Execute invokes the wrapped function.
func (f CapabilityFunc) Execute(ctx context.Context, snap *Snapshot) (Payload, error) {
	return f(ctx, snap)
}

// TransientStageError marks a stage failure as retryable (timeouts,
// rate-limited dependencies). The executor retries it per policy.
type TransientStageError struct {
	Stage StageName
	Cause error
}

// Error implements the error interface.
func (e *TransientStageError) Error() string {
	return fmt.Sprintf("stage %s: transient: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *TransientStageError) Unwrap() error {
	return e.Cause
}

// PermanentStageError marks a stage failure as terminal for the run.
type PermanentStageError struct {
	Stage    StageName
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *PermanentStageError) Error() string {
	return fmt.Sprintf("stage %s: permanent after %d attempt(s): %v", e.Stage, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *PermanentStageError) Unwrap() error {
	return e.Cause
}

// Transientf builds a retryable stage failure.
func Transientf(stage StageName, format string, args ...any) error {
	return &TransientStageError{Stage: stage, Cause: fmt.Errorf(format, args...)}
}

// Permanentf builds a terminal stage failure.
func Permanentf(stage StageName, format string, args ...any) error {
	return &PermanentStageError{Stage: stage, Cause: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err classifies as retryable. Context deadline
// expiry counts as transient: a stage timeout is retried like any other
// transient dependency failure.
func IsTransient(err error) bool {
	var transient *TransientStageError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
