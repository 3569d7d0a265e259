package core

import "fmt"

// ValidationError reports bad request input. It is surfaced synchronously to
// the caller; no run is created.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown run id.
type NotFoundError struct {
	RunID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunID)
}

// NotReadyError reports a content request against a run that has not been
// delivered.
type NotReadyError struct {
	RunID  string
	Status RunStatus
}

// Error implements the error interface.
func (e *NotReadyError) Error() string {
	return fmt.Sprintf("run %s not delivered (status %s)", e.RunID, e.Status)
}

// InvalidTransitionError reports an operation that is not valid for the
// run's current status, such as reviewing a run that is not awaiting review.
type InvalidTransitionError struct {
	RunID  string
	Status RunStatus
	Op     string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: %s not valid in status %s", e.RunID, e.Op, e.Status)
}

// StaleStateConflict reports an append whose prior version does not match
// the store's head. The engine serializes writers per run, so this signals
// a defect rather than a normal runtime condition.
type StaleStateConflict struct {
	RunID    string
	Expected int
	Actual   int
}

// Error implements the error interface.
func (e *StaleStateConflict) Error() string {
	return fmt.Sprintf("run %s: stale state: expected head %d, found %d", e.RunID, e.Expected, e.Actual)
}
