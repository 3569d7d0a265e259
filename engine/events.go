// Package engine provides the workflow engine that drives document runs:
// the router that decides which stages are eligible, the executor that
// runs capabilities with retries and timeouts, and the controller that
// owns each run's single-writer append loop.
package engine

import (
	"time"

	"github.com/privacypoint/docflow/core"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventRunCreated is emitted when a run is accepted and stored.
	EventRunCreated EventKind = "run.created"

	// EventRunStarted is emitted when the drive loop picks up a run.
	EventRunStarted EventKind = "run.started"

	// EventStageStarted is emitted when a stage attempt begins.
	EventStageStarted EventKind = "stage.started"

	// EventStageFinished is emitted when a stage attempt succeeds.
	EventStageFinished EventKind = "stage.finished"

	// EventStageFailed is emitted when a stage fails permanently.
	EventStageFailed EventKind = "stage.failed"

	// EventStageSkipped is emitted when a stage's entry predicate does
	// not hold and the stage is recorded as skipped.
	EventStageSkipped EventKind = "stage.skipped"

	// EventStageRetried is emitted when a transient failure schedules
	// another attempt.
	EventStageRetried EventKind = "stage.retried"

	// EventRouteDecision is emitted when the router selects the next
	// eligible stages.
	EventRouteDecision EventKind = "route.decision"

	// EventReviewRequested is emitted when the run suspends at the human
	// review gate.
	EventReviewRequested EventKind = "review.requested"

	// EventReviewSubmitted is emitted when a reviewer's decision is
	// recorded.
	EventReviewSubmitted EventKind = "review.submitted"

	// EventRunRevising is emitted when the run re-enters generation after
	// a revision request or a sub-threshold score.
	EventRunRevising EventKind = "run.revising"

	// EventRunDelivered is emitted when an approved document is delivered.
	EventRunDelivered EventKind = "run.delivered"

	// EventRunRejected is emitted when a reviewer rejects the document.
	EventRunRejected EventKind = "run.rejected"

	// EventRunFailed is emitted when the run fails terminally.
	EventRunFailed EventKind = "run.failed"

	// EventRunCancelled is emitted when the run is cancelled by request.
	EventRunCancelled EventKind = "run.cancelled"

	// EventRunStalled is emitted when a run has waited at the review gate
	// past the configured deadline.
	EventRunStalled EventKind = "run.stalled"

	// EventRunFinished is emitted once per run when it reaches any
	// terminal status.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
// Events carry small payloads; full state lives in the snapshot chain.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the run this event belongs to.
	RunID string

	// Stage is the stage that produced the event (empty for run-level
	// events).
	Stage core.StageName

	// Status is the run status at the time of the event.
	Status core.RunStatus

	// Time is when the event occurred.
	Time time.Time

	// Attempt is the attempt number (1-indexed) for stage events.
	Attempt int

	// Elapsed is the duration of the stage attempt, for finished and
	// failed events.
	Elapsed time.Duration

	// Version is the snapshot version the event was appended at.
	Version int

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithStage sets the stage and attempt on the event.
func (e Event) WithStage(stage core.StageName, attempt int) Event {
	e.Stage = stage
	e.Attempt = attempt
	return e
}

// WithStatus sets the run status on the event.
func (e Event) WithStatus(status core.RunStatus) Event {
	e.Status = status
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithVersion sets the snapshot version on the event.
func (e Event) WithVersion(version int) Event {
	e.Version = version
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full or closed.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}

// EventPublisher can publish events to external subscribers. Satisfied by
// bus.EventBus, so the engine distributes events without importing the bus
// package directly.
type EventPublisher interface {
	Publish(event Event)
}
