package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/registry"
)

func testPipeline(t *testing.T) *registry.Registry {
	t.Helper()
	caps := make(registry.CapabilitySet)
	for _, stage := range core.AllStages() {
		caps[stage] = core.CapabilityFunc(func(context.Context, *core.Snapshot) (core.Payload, error) {
			return core.Payload{}, nil
		})
	}
	reg, err := registry.DefaultPipeline(caps)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testRouter(t *testing.T) *Router {
	return NewRouter(testPipeline(t), DefaultPolicy())
}

func stageNames(stages []core.StageName) map[core.StageName]bool {
	set := make(map[core.StageName]bool)
	for _, s := range stages {
		set[s] = true
	}
	return set
}

func TestRouteDigitalSourceSkipsOCR(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot() // digital source text

	decision, err := r.Route(snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(decision.Skip) != 1 || decision.Skip[0] != core.StageOCR {
		t.Errorf("Skip = %v, want [ocr]", decision.Skip)
	}
	if len(decision.Run) != 0 {
		t.Errorf("Run = %v, want none until OCR settles", decision.Run)
	}
}

func TestRouteFileSourceRunsOCR(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot()
	snap.Request.SourceText = ""
	snap.Request.SourceFileName = "contrato.pdf"

	decision, err := r.Route(snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(decision.Run) != 1 || decision.Run[0] != core.StageOCR {
		t.Errorf("Run = %v, want [ocr]", decision.Run)
	}
}

func TestRouteParallelAnalysisSet(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot()
	snap.History = append(snap.History, core.StageEvent{Stage: core.StageOCR, Outcome: core.OutcomeSkipped})
	snap.Outputs[core.StageClassification] = core.Payload{}

	decision, err := r.Route(snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	got := stageNames(decision.Run)
	for _, want := range []core.StageName{
		core.StageDataMapping, core.StageResearch,
		core.StageLegalReview, core.StageSecurityAssessment,
	} {
		if !got[want] {
			t.Errorf("Run = %v, missing %s", decision.Run, want)
		}
	}
	if got[core.StageStructuring] {
		t.Error("structuring must wait for the analysis set")
	}
}

// settleThrough marks every stage up to and including the given one as
// succeeded, with OCR skipped.
func settleThrough(snap *core.Snapshot, last core.StageName) {
	snap.History = append(snap.History, core.StageEvent{Stage: core.StageOCR, Outcome: core.OutcomeSkipped})
	for _, stage := range core.AllStages() {
		if stage == core.StageOCR {
			continue
		}
		snap.Outputs[stage] = core.Payload{"score": 0.9}
		if stage == last {
			break
		}
	}
}

func TestRouteGateSuspends(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot()
	settleThrough(snap, core.StageComplianceCheck)

	decision, err := r.Route(snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !decision.AwaitReview {
		t.Errorf("decision = %+v, want AwaitReview", decision)
	}
	if len(decision.Run) != 0 {
		t.Errorf("Run = %v, gate must not be executed by the engine", decision.Run)
	}
}

func TestRouteLowQualityTriggersAutoRevision(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot()
	settleThrough(snap, core.StageQualityCheck)
	snap.Outputs[core.StageQualityCheck] = core.Payload{"score": 0.6}

	decision, err := r.Route(snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !decision.AutoRevise {
		t.Errorf("decision = %+v, want AutoRevise", decision)
	}
}

func TestRouteAutoRevisionBudgetSpent(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot()
	settleThrough(snap, core.StageComplianceCheck)
	snap.Outputs[core.StageQualityCheck] = core.Payload{"score": 0.6}
	snap.AutoRevisions = DefaultPolicy().MaxAutoRevisions

	decision, err := r.Route(snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.AutoRevise {
		t.Error("budget spent, run must proceed to review instead of revising")
	}
	if !decision.AwaitReview {
		t.Errorf("decision = %+v, want AwaitReview", decision)
	}
	if !r.BelowThreshold(snap) {
		t.Error("BelowThreshold must report the sub-threshold score")
	}
}

func TestRouteApprovedReviewDelivers(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot()
	settleThrough(snap, core.StageHumanSupervision)
	snap.Review = &core.ReviewDecision{Decision: core.DecisionApproved}

	decision, err := r.Route(snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !decision.Deliver {
		t.Errorf("decision = %+v, want Deliver", decision)
	}
}

func TestRouteTerminalIsEmpty(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot()
	snap.Status = core.StatusCancelled

	decision, err := r.Route(snap)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(decision.Run) != 0 || decision.AwaitReview || decision.Deliver || decision.AutoRevise {
		t.Errorf("decision = %+v, want empty", decision)
	}
}

func TestRouteStuckRun(t *testing.T) {
	// A registry whose only stage waits on a predecessor that never
	// settles has no exit; routing must fail loudly instead of spinning.
	reg := registry.New()
	if err := reg.Register(registry.StageDefinition{
		Name:         core.StageGeneration,
		Predecessors: []core.StageName{core.StageStructuring},
		Capability: core.CapabilityFunc(func(context.Context, *core.Snapshot) (core.Payload, error) {
			return core.Payload{}, nil
		}),
	}); err != nil {
		t.Fatal(err)
	}

	r := NewRouter(reg, DefaultPolicy())
	_, err := r.Route(testSnapshot())
	if !errors.Is(err, ErrRunStuck) {
		t.Errorf("err = %v, want ErrRunStuck", err)
	}
}

func TestRouteSameSnapshotSameDecision(t *testing.T) {
	r := testRouter(t)
	snap := testSnapshot()
	snap.History = append(snap.History, core.StageEvent{Stage: core.StageOCR, Outcome: core.OutcomeSkipped})
	snap.Outputs[core.StageClassification] = core.Payload{}

	first, err := r.Route(snap)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Route(snap)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Run) != len(second.Run) || first.Reason != second.Reason {
		t.Errorf("routing not deterministic: %+v vs %+v", first, second)
	}
}
