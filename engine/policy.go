package engine

import (
	"fmt"
	"time"
)

// Policy holds the tunable limits of the engine. The zero value is not
// usable; start from DefaultPolicy and override fields as needed.
type Policy struct {
	// StageTimeout bounds one capability attempt unless the stage
	// definition overrides it.
	StageTimeout time.Duration

	// MaxAttempts is the default attempt limit for transient failures.
	MaxAttempts int

	// RetryBackoff is the base backoff, doubled per attempt.
	RetryBackoff time.Duration

	// QualityThreshold is the minimum quality score that avoids an
	// automatic revision cycle.
	QualityThreshold float64

	// ComplianceThreshold is the minimum compliance score that avoids an
	// automatic revision cycle.
	ComplianceThreshold float64

	// MaxAutoRevisions caps score-driven revision cycles. Once exceeded
	// the run proceeds to review carrying a quality warning.
	MaxAutoRevisions int

	// MaxHumanRevisions caps reviewer-requested revision cycles. Once
	// exceeded the run fails.
	MaxHumanRevisions int

	// Workers bounds the number of runs driven concurrently.
	Workers int

	// QueueDepth bounds pending run submissions before CreateRun blocks.
	QueueDepth int

	// GateStallAfter marks a run stalled when it has waited at the review
	// gate this long (0 = never).
	GateStallAfter time.Duration
}

// DefaultPolicy returns the standard production policy.
func DefaultPolicy() Policy {
	return Policy{
		StageTimeout:        2 * time.Minute,
		MaxAttempts:         3,
		RetryBackoff:        time.Second,
		QualityThreshold:    0.8,
		ComplianceThreshold: 0.8,
		MaxAutoRevisions:    3,
		MaxHumanRevisions:   3,
		Workers:             4,
		QueueDepth:          64,
	}
}

// Validate checks the policy for values the engine cannot run with.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.QualityThreshold < 0 || p.QualityThreshold > 1 {
		return fmt.Errorf("policy: quality threshold must be in [0, 1], got %g", p.QualityThreshold)
	}
	if p.ComplianceThreshold < 0 || p.ComplianceThreshold > 1 {
		return fmt.Errorf("policy: compliance threshold must be in [0, 1], got %g", p.ComplianceThreshold)
	}
	if p.MaxAutoRevisions < 0 {
		return fmt.Errorf("policy: max auto revisions must not be negative, got %d", p.MaxAutoRevisions)
	}
	if p.MaxHumanRevisions < 0 {
		return fmt.Errorf("policy: max human revisions must not be negative, got %d", p.MaxHumanRevisions)
	}
	if p.Workers < 1 {
		return fmt.Errorf("policy: workers must be at least 1, got %d", p.Workers)
	}
	return nil
}
