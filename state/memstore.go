package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/privacypoint/docflow/core"
)

// MemStore is a thread-safe in-memory state store. It is the default for
// tests and one-shot CLI runs.
type MemStore struct {
	mu    sync.RWMutex
	runs  map[string][]*core.Snapshot // runID -> snapshot chain, index == version
	order []string
}

// NewMemStore creates an empty in-memory state store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs: make(map[string][]*core.Snapshot),
	}
}

func (s *MemStore) CreateRun(_ context.Context, snap *core.Snapshot) error {
	if snap.Version != 0 {
		return fmt.Errorf("memstore: initial snapshot must be version 0, got %d", snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[snap.RunID]; exists {
		return fmt.Errorf("memstore: run %s already exists", snap.RunID)
	}
	for _, chain := range s.runs {
		head := chain[len(chain)-1]
		if head.DocumentID == snap.DocumentID && !head.Status.Terminal() {
			return fmt.Errorf("memstore: document %s already has an active run %s", snap.DocumentID, head.RunID)
		}
	}

	s.runs[snap.RunID] = []*core.Snapshot{snap.Clone()}
	s.order = append(s.order, snap.RunID)
	return nil
}

func (s *MemStore) Append(_ context.Context, runID string, priorVersion int, next *core.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, ok := s.runs[runID]
	if !ok {
		return &core.NotFoundError{RunID: runID}
	}

	head := len(chain) - 1
	if head != priorVersion {
		return &core.StaleStateConflict{RunID: runID, Expected: priorVersion, Actual: head}
	}
	if next.Version != priorVersion+1 {
		return fmt.Errorf("memstore: run %s: next version %d does not follow head %d", runID, next.Version, priorVersion)
	}

	s.runs[runID] = append(chain, next.Clone())
	return nil
}

func (s *MemStore) ReadCurrent(_ context.Context, runID string) (*core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.runs[runID]
	if !ok {
		return nil, &core.NotFoundError{RunID: runID}
	}
	return chain[len(chain)-1].Clone(), nil
}

func (s *MemStore) ReadVersion(_ context.Context, runID string, version int) (*core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.runs[runID]
	if !ok {
		return nil, &core.NotFoundError{RunID: runID}
	}
	if version < 0 || version >= len(chain) {
		return nil, fmt.Errorf("memstore: run %s has no version %d", runID, version)
	}
	return chain[version].Clone(), nil
}

func (s *MemStore) Events(_ context.Context, runID string) ([]core.StageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.runs[runID]
	if !ok {
		return nil, &core.NotFoundError{RunID: runID}
	}
	head := chain[len(chain)-1]
	events := make([]core.StageEvent, len(head.History))
	copy(events, head.History)
	return events, nil
}

func (s *MemStore) Runs(_ context.Context, status core.RunStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, runID := range s.order {
		chain := s.runs[runID]
		head := chain[len(chain)-1]
		if status == "" || head.Status == status {
			ids = append(ids, runID)
		}
	}
	return ids, nil
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
