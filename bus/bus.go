// Package bus provides event distribution for document runs. Components
// publish and subscribe to engine events, decoupling the workflow engine
// from observers such as the HTTP event feed, loggers and telemetry.
package bus

import "github.com/privacypoint/docflow/engine"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event engine.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// SubscribeKinds registers a subscriber that only receives events of the
	// given kinds. An empty runID matches every run.
	// Returns a Subscription that must be closed when done.
	SubscribeKinds(runID string, kinds ...engine.EventKind) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan engine.Event

	// Close unsubscribes and releases resources.
	Close() error
}
