// Package state provides the versioned, append-only state store for
// workflow runs. Each run owns a chain of immutable snapshots; appends are
// guarded by an optimistic head check so that a violated single-writer
// discipline surfaces as a conflict instead of silent corruption.
package state

import (
	"context"

	"github.com/privacypoint/docflow/core"
)

// Store persists snapshot chains and the per-run audit trail.
type Store interface {
	// CreateRun stores the version-0 snapshot for a new run. It fails if
	// the run already exists or if another active run holds the same
	// document id.
	CreateRun(ctx context.Context, snap *core.Snapshot) error

	// Append commits the next snapshot version. It succeeds only when
	// priorVersion matches the store's current head for the run; otherwise
	// it fails with *core.StaleStateConflict. next.Version must equal
	// priorVersion+1.
	Append(ctx context.Context, runID string, priorVersion int, next *core.Snapshot) error

	// ReadCurrent returns the latest committed snapshot. Reads never block
	// on writers.
	ReadCurrent(ctx context.Context, runID string) (*core.Snapshot, error)

	// ReadVersion returns a specific committed snapshot version, enabling
	// full replay of a run.
	ReadVersion(ctx context.Context, runID string, version int) (*core.Snapshot, error)

	// Events returns the run's ordered stage-event audit trail.
	Events(ctx context.Context, runID string) ([]core.StageEvent, error)

	// Runs lists known run ids, optionally filtered by status
	// (empty status means all).
	Runs(ctx context.Context, status core.RunStatus) ([]string, error)
}
