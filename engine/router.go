package engine

import (
	"errors"
	"fmt"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/registry"
)

// ErrRunStuck is returned when a non-terminal run has no eligible stages,
// is not waiting at the review gate, and cannot be delivered. It indicates
// a broken stage graph or corrupted state.
var ErrRunStuck = errors.New("engine: run has no eligible stages and no exit")

// RouteDecision is the router's answer for one snapshot: which stages to
// run next, which to record as skipped, or which control transition to
// take instead.
type RouteDecision struct {
	// Run lists stages eligible for execution now. All listed stages are
	// mutually independent and may run concurrently.
	Run []core.StageName

	// Skip lists stages whose predecessors are settled but whose entry
	// predicate does not hold. Skips are recorded, which satisfies
	// successors.
	Skip []core.StageName

	// AwaitReview suspends the run at the human review gate.
	AwaitReview bool

	// AutoRevise routes the run back to generation because a checker
	// score fell below its threshold.
	AutoRevise bool

	// Deliver completes an approved run.
	Deliver bool

	// Reason describes the decision for events and logs.
	Reason string
}

// Router decides stage eligibility against immutable snapshots. It holds
// no mutable state; the same snapshot always yields the same decision.
type Router struct {
	reg    *registry.Registry
	policy Policy
}

// NewRouter creates a router over a validated stage registry.
func NewRouter(reg *registry.Registry, policy Policy) *Router {
	return &Router{reg: reg, policy: policy}
}

// Route computes the next decision for a snapshot. Terminal snapshots
// yield an empty decision.
func (r *Router) Route(snap *core.Snapshot) (RouteDecision, error) {
	if snap.Status.Terminal() {
		return RouteDecision{Reason: "run is terminal"}, nil
	}

	// An approved review completes the run.
	if snap.Succeeded(core.StageHumanSupervision) &&
		snap.Review != nil && snap.Review.Decision == core.DecisionApproved {
		return RouteDecision{Deliver: true, Reason: "review approved"}, nil
	}

	// Checker verdicts outrank stage eligibility: a sub-threshold score
	// routes the run back to generation until the auto-revision budget is
	// spent, after which the run proceeds under a quality warning.
	if decision, ok := r.scoreDecision(snap); ok {
		return decision, nil
	}

	var decision RouteDecision
	for _, name := range r.reg.Stages() {
		def, _ := r.reg.Get(name)
		if snap.Settled(name) {
			continue
		}
		if !r.predecessorsSettled(snap, def) {
			continue
		}
		if def.Applies != nil && !def.Applies(snap) {
			decision.Skip = append(decision.Skip, name)
			continue
		}
		if name == core.StageHumanSupervision {
			// The gate is eligible but never executed here; the run
			// suspends until a reviewer submits a decision.
			decision.AwaitReview = true
			continue
		}
		decision.Run = append(decision.Run, name)
	}

	switch {
	case len(decision.Run) > 0 || len(decision.Skip) > 0:
		decision.AwaitReview = false
		decision.Reason = fmt.Sprintf("%d eligible, %d skipped", len(decision.Run), len(decision.Skip))
	case decision.AwaitReview:
		decision.Reason = "awaiting human review"
	default:
		return RouteDecision{}, fmt.Errorf("%w: run %s at version %d", ErrRunStuck, snap.RunID, snap.Version)
	}
	return decision, nil
}

// scoreDecision checks the quality and compliance verdicts. It reports
// ok=false when no verdict requires a control transition.
func (r *Router) scoreDecision(snap *core.Snapshot) (RouteDecision, bool) {
	type check struct {
		stage     core.StageName
		threshold float64
	}
	for _, c := range []check{
		{core.StageQualityCheck, r.policy.QualityThreshold},
		{core.StageComplianceCheck, r.policy.ComplianceThreshold},
	} {
		if !snap.Succeeded(c.stage) {
			continue
		}
		score := snap.OutputFloat(c.stage, "score")
		if score >= c.threshold {
			continue
		}
		if snap.AutoRevisions >= r.policy.MaxAutoRevisions {
			// Budget spent: the reviewer sees the document anyway,
			// flagged. QualityWarning is set by the controller.
			return RouteDecision{}, false
		}
		return RouteDecision{
			AutoRevise: true,
			Reason:     fmt.Sprintf("%s score %.2f below threshold %.2f", c.stage, score, c.threshold),
		}, true
	}
	return RouteDecision{}, false
}

// BelowThreshold reports whether any committed checker verdict is below
// its threshold. Used to flag a run that reached review with its
// auto-revision budget spent.
func (r *Router) BelowThreshold(snap *core.Snapshot) bool {
	if snap.Succeeded(core.StageQualityCheck) &&
		snap.OutputFloat(core.StageQualityCheck, "score") < r.policy.QualityThreshold {
		return true
	}
	if snap.Succeeded(core.StageComplianceCheck) &&
		snap.OutputFloat(core.StageComplianceCheck, "score") < r.policy.ComplianceThreshold {
		return true
	}
	return false
}

func (r *Router) predecessorsSettled(snap *core.Snapshot, def registry.StageDefinition) bool {
	for _, pred := range def.Predecessors {
		if !snap.Settled(pred) {
			return false
		}
	}
	return true
}
