package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/registry"
)

func testSnapshot() *core.Snapshot {
	return core.NewSnapshot("run-1", "doc-1", core.Request{
		DocumentType:        core.DocPrivacyPolicy,
		CompanyName:         "Acme Ltda",
		ActivityDescription: "loja virtual",
		IndustrySector:      "varejo",
		Language:            "pt-BR",
		Jurisdiction:        "BR",
		SourceText:          "texto digital",
	}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func fastExecutor(emit EventHandler) *Executor {
	x := NewExecutor(Policy{
		StageTimeout: time.Second,
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	}, emit)
	x.sleep = func(context.Context, time.Duration) error { return nil }
	return x
}

func TestExecuteStageSuccess(t *testing.T) {
	x := fastExecutor(nil)
	def := registry.StageDefinition{
		Name: core.StageClassification,
		Capability: core.CapabilityFunc(func(context.Context, *core.Snapshot) (core.Payload, error) {
			return core.Payload{"document_type": "politica_privacidade"}, nil
		}),
	}

	result := x.ExecuteStage(context.Background(), def, testSnapshot())
	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}
	if len(result.Attempts) != 1 || result.Attempts[0].Outcome != core.OutcomeSuccess {
		t.Errorf("attempts = %+v", result.Attempts)
	}
	if result.Attempts[0].Attempt != 1 {
		t.Errorf("attempt number = %d, want 1", result.Attempts[0].Attempt)
	}
}

func TestExecuteStageRetriesTransient(t *testing.T) {
	calls := 0
	def := registry.StageDefinition{
		Name: core.StageResearch,
		Capability: core.CapabilityFunc(func(context.Context, *core.Snapshot) (core.Payload, error) {
			calls++
			if calls < 3 {
				return nil, core.Transientf(core.StageResearch, "upstream rate limited")
			}
			return core.Payload{"laws": []any{"LGPD"}}, nil
		}),
	}

	var retried int
	x := fastExecutor(func(e Event) {
		if e.Kind == EventStageRetried {
			retried++
		}
	})

	result := x.ExecuteStage(context.Background(), def, testSnapshot())
	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if retried != 2 {
		t.Errorf("retried events = %d, want 2", retried)
	}
	outcomes := []core.StageOutcome{}
	for _, a := range result.Attempts {
		outcomes = append(outcomes, a.Outcome)
	}
	want := []core.StageOutcome{core.OutcomeTransientFailure, core.OutcomeTransientFailure, core.OutcomeSuccess}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcomes = %v, want %v", outcomes, want)
			break
		}
	}
}

func TestExecuteStageExhaustsRetries(t *testing.T) {
	def := registry.StageDefinition{
		Name: core.StageResearch,
		Capability: core.CapabilityFunc(func(context.Context, *core.Snapshot) (core.Payload, error) {
			return nil, core.Transientf(core.StageResearch, "still down")
		}),
	}

	x := fastExecutor(nil)
	result := x.ExecuteStage(context.Background(), def, testSnapshot())

	var perm *core.PermanentStageError
	if !errors.As(result.Err, &perm) {
		t.Fatalf("Err = %v, want permanent", result.Err)
	}
	if perm.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", perm.Attempts)
	}
	if len(result.Attempts) != 3 {
		t.Errorf("recorded %d attempts, want 3", len(result.Attempts))
	}
}

func TestExecuteStagePermanentFailsFast(t *testing.T) {
	calls := 0
	def := registry.StageDefinition{
		Name: core.StageStructuring,
		Capability: core.CapabilityFunc(func(context.Context, *core.Snapshot) (core.Payload, error) {
			calls++
			return nil, core.Permanentf(core.StageStructuring, "bad input")
		}),
	}

	x := fastExecutor(nil)
	result := x.ExecuteStage(context.Background(), def, testSnapshot())
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", calls)
	}
	var perm *core.PermanentStageError
	if !errors.As(result.Err, &perm) {
		t.Errorf("Err = %v, want permanent", result.Err)
	}
}

func TestExecuteStageTimeoutIsTransient(t *testing.T) {
	def := registry.StageDefinition{
		Name:    core.StageOCR,
		Timeout: 10 * time.Millisecond,
		Capability: core.CapabilityFunc(func(ctx context.Context, _ *core.Snapshot) (core.Payload, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}

	x := fastExecutor(nil)
	result := x.ExecuteStage(context.Background(), def, testSnapshot())

	// Every attempt times out, so after exhaustion the error is permanent
	// but the individual attempts are transient.
	if result.Err == nil {
		t.Fatal("expected error")
	}
	for _, a := range result.Attempts {
		if a.Outcome != core.OutcomeTransientFailure {
			t.Errorf("attempt %d outcome = %s, want transient", a.Attempt, a.Outcome)
		}
	}
}

func TestExecuteStageAttemptNumbersContinue(t *testing.T) {
	snap := testSnapshot()
	snap.History = append(snap.History, core.StageEvent{
		Stage:   core.StageResearch,
		Attempt: 1,
		Outcome: core.OutcomeTransientFailure,
	})

	def := registry.StageDefinition{
		Name: core.StageResearch,
		Capability: core.CapabilityFunc(func(context.Context, *core.Snapshot) (core.Payload, error) {
			return core.Payload{}, nil
		}),
	}

	x := fastExecutor(nil)
	result := x.ExecuteStage(context.Background(), def, snap)
	if result.Attempts[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2 (continues after prior attempt)", result.Attempts[0].Attempt)
	}
}

func TestExecuteSetRunsAllStages(t *testing.T) {
	mk := func(stage core.StageName, fail bool) registry.StageDefinition {
		return registry.StageDefinition{
			Name: stage,
			Capability: core.CapabilityFunc(func(context.Context, *core.Snapshot) (core.Payload, error) {
				if fail {
					return nil, core.Permanentf(stage, "broken")
				}
				return core.Payload{"stage": string(stage)}, nil
			}),
		}
	}

	x := fastExecutor(nil)
	results := x.ExecuteSet(context.Background(), []registry.StageDefinition{
		mk(core.StageDataMapping, false),
		mk(core.StageResearch, true),
		mk(core.StageLegalReview, false),
		mk(core.StageSecurityAssessment, false),
	}, testSnapshot())

	if len(results) != 4 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Stage != core.StageDataMapping || results[0].Err != nil {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("research failure not reported")
	}
	// A sibling failure does not stop the other stages.
	if results[2].Err != nil || results[3].Err != nil {
		t.Error("independent stages affected by sibling failure")
	}
}
