// Package registry defines the stage dependency graph of the document
// pipeline. A Registry binds each stage role to its capability,
// predecessors, entry predicate, and execution limits; the engine's router
// consults it to decide which stages are eligible against a snapshot.
package registry

import (
	"fmt"
	"time"

	"github.com/privacypoint/docflow/core"
)

// StageDefinition binds one stage role to its implementation and placement
// in the dependency graph.
type StageDefinition struct {
	// Name is the stage's role, unique within a registry.
	Name core.StageName

	// Predecessors lists the stages that must be settled (success or
	// skipped) before this stage becomes eligible.
	Predecessors []core.StageName

	// Applies is the stage's entry predicate. A nil predicate always holds.
	// Stages whose predicate does not hold are skipped, which satisfies
	// their successors.
	Applies func(*core.Snapshot) bool

	// Capability performs the stage's work.
	Capability core.Capability

	// Timeout bounds one attempt of the capability (0 = no deadline).
	Timeout time.Duration

	// Retry overrides the engine's retry policy for this stage when
	// MaxAttempts is non-zero.
	Retry core.RetryPolicy
}

// Registry holds the stage definitions of one pipeline.
type Registry struct {
	stages map[core.StageName]StageDefinition
	order  []core.StageName
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		stages: make(map[core.StageName]StageDefinition),
	}
}

// Register adds a stage definition. It fails on a duplicate name or a
// definition without a capability.
func (r *Registry) Register(def StageDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("registry: stage name must not be empty")
	}
	if def.Capability == nil {
		return fmt.Errorf("registry: stage %s has no capability", def.Name)
	}
	if _, exists := r.stages[def.Name]; exists {
		return fmt.Errorf("registry: stage %s already registered", def.Name)
	}
	r.stages[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Get returns the definition for a stage.
func (r *Registry) Get(name core.StageName) (StageDefinition, bool) {
	def, ok := r.stages[name]
	return def, ok
}

// Stages lists registered stages in registration order.
func (r *Registry) Stages() []core.StageName {
	out := make([]core.StageName, len(r.order))
	copy(out, r.order)
	return out
}

// Validate checks structural integrity of the stage graph:
//   - every predecessor references a registered stage
//   - the graph is acyclic
//
// The engine refuses to run against a registry that fails validation.
func (r *Registry) Validate() error {
	for _, name := range r.order {
		for _, pred := range r.stages[name].Predecessors {
			if _, ok := r.stages[pred]; !ok {
				return fmt.Errorf("registry: stage %s references unknown predecessor %s", name, pred)
			}
		}
	}

	// Cycle detection via Kahn's algorithm.
	inDegree := make(map[core.StageName]int, len(r.order))
	successors := make(map[core.StageName][]core.StageName)
	for _, name := range r.order {
		inDegree[name] = len(r.stages[name].Predecessors)
		for _, pred := range r.stages[name].Predecessors {
			successors[pred] = append(successors[pred], name)
		}
	}

	var queue []core.StageName
	for _, name := range r.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited < len(r.order) {
		var cycle []core.StageName
		for _, name := range r.order {
			if inDegree[name] > 0 {
				cycle = append(cycle, name)
			}
		}
		return fmt.Errorf("registry: stage graph contains a cycle: %v", cycle)
	}
	return nil
}
