package core

import (
	"time"
)

// Payload is the output a stage writes into its slot of the working state.
type Payload map[string]any

// Snapshot is one immutable version of a run's working state. New versions
// are produced by applying a stage result to the prior version; the prior
// version is never mutated. Version numbers start at 0 and increase by one
// per append.
type Snapshot struct {
	RunID      string       `json:"run_id"`
	DocumentID string       `json:"document_id"`
	Request    Request      `json:"request"`
	Version    int          `json:"version"`
	Status     RunStatus    `json:"status"`

	// CurrentStage is the stage most recently dispatched (empty before the
	// first dispatch and after terminal states).
	CurrentStage StageName `json:"current_stage,omitempty"`

	// Outputs maps each stage to its latest payload.
	Outputs map[StageName]Payload `json:"outputs"`

	// History is the ordered audit trail of stage attempts.
	History []StageEvent `json:"history"`

	// Review is the latest human decision, cleared when a revision cycle
	// re-enters generation. Full decision history lives in the event log.
	Review *ReviewDecision `json:"review,omitempty"`

	// RevisionCount counts human-requested revision cycles.
	RevisionCount int `json:"revision_count"`

	// AutoRevisions counts sub-threshold score cycles back to generation.
	AutoRevisions int `json:"auto_revisions"`

	// QualityWarning is set when the run was forced to review despite a
	// sub-threshold score, so the reviewer always sees the document.
	QualityWarning bool `json:"quality_warning,omitempty"`

	// Feedback accumulates reviewer feedback across revision cycles.
	Feedback []string `json:"feedback,omitempty"`

	// Stalled is an escalation flag set when the run has waited at the
	// review gate past the configured deadline. It does not change Status.
	Stalled bool `json:"stalled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSnapshot creates the version-0 snapshot for a run.
func NewSnapshot(runID, documentID string, req Request, now time.Time) *Snapshot {
	return &Snapshot{
		RunID:      runID,
		DocumentID: documentID,
		Request:    req,
		Version:    0,
		Status:     StatusCreated,
		Outputs:    make(map[StageName]Payload),
		History:    make([]StageEvent, 0),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep-enough copy for producing the next version. Payload
// maps are copied one level deep; stages must not mutate payloads they have
// already published.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s

	out.Outputs = make(map[StageName]Payload, len(s.Outputs))
	for stage, payload := range s.Outputs {
		copied := make(Payload, len(payload))
		for k, v := range payload {
			copied[k] = v
		}
		out.Outputs[stage] = copied
	}

	out.History = make([]StageEvent, len(s.History))
	copy(out.History, s.History)

	if s.Feedback != nil {
		out.Feedback = make([]string, len(s.Feedback))
		copy(out.Feedback, s.Feedback)
	}

	if s.Review != nil {
		review := *s.Review
		out.Review = &review
	}

	return &out
}

// Next clones the snapshot and bumps its version and timestamp.
func (s *Snapshot) Next(now time.Time) *Snapshot {
	out := s.Clone()
	out.Version++
	out.UpdatedAt = now
	return out
}

// Output returns the payload for a stage, if present.
func (s *Snapshot) Output(stage StageName) (Payload, bool) {
	p, ok := s.Outputs[stage]
	return p, ok
}

// OutputString returns a string field from a stage's payload, or "".
func (s *Snapshot) OutputString(stage StageName, key string) string {
	p, ok := s.Outputs[stage]
	if !ok {
		return ""
	}
	v, ok := p[key].(string)
	if !ok {
		return ""
	}
	return v
}

// OutputFloat returns a numeric field from a stage's payload, or 0.
func (s *Snapshot) OutputFloat(stage StageName, key string) float64 {
	p, ok := s.Outputs[stage]
	if !ok {
		return 0
	}
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Succeeded reports whether the stage holds a committed output in this state
// lineage. Revision cycles clear downstream outputs, making those stages
// eligible again while their earlier attempts stay in History for audit.
func (s *Snapshot) Succeeded(stage StageName) bool {
	_, ok := s.Outputs[stage]
	return ok
}

// Skipped reports whether the stage's most recent event was a skip.
func (s *Snapshot) Skipped(stage StageName) bool {
	return s.lastOutcome(stage) == OutcomeSkipped
}

// Settled reports whether the stage is satisfied as a predecessor
// (SUCCESS or SKIPPED).
func (s *Snapshot) Settled(stage StageName) bool {
	return s.Succeeded(stage) || s.Skipped(stage)
}

// Attempts returns the number of recorded attempts for a stage.
func (s *Snapshot) Attempts(stage StageName) int {
	n := 0
	for _, e := range s.History {
		if e.Stage == stage && e.Outcome != OutcomeSkipped {
			n++
		}
	}
	return n
}

// SourceIsDigital reports whether the request input is already
// machine-readable text, making OCR inapplicable.
func (s *Snapshot) SourceIsDigital() bool {
	return s.Request.SourceText != ""
}

// InputText returns the working document text: OCR output when OCR ran,
// otherwise the request's source text.
func (s *Snapshot) InputText() string {
	if text := s.OutputString(StageOCR, "text"); text != "" {
		return text
	}
	return s.Request.SourceText
}

func (s *Snapshot) lastOutcome(stage StageName) StageOutcome {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Stage == stage {
			return s.History[i].Outcome
		}
	}
	return ""
}
