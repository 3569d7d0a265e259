// Package core provides the foundational types for docflow workflows.
//
// This package contains:
//   - Stage identity: StageName, StageOutcome, StageEvent
//   - Run identity: RunStatus, Request, ReviewDecision
//   - Snapshot, the immutable versioned working state of a run
//   - The Capability contract implemented by stage processors
//   - The error taxonomy shared by the engine and its callers
package core

import (
	"strings"
	"time"
)

// StageName identifies one of the fixed stage roles in the document pipeline.
// The set of stages is intentionally closed; callers supply capabilities for
// these roles rather than inventing new ones.
type StageName string

const (
	StageOCR                 StageName = "ocr"
	StageClassification      StageName = "classification"
	StageDataMapping         StageName = "data_mapping"
	StageResearch            StageName = "research"
	StageLegalReview         StageName = "legal_review"
	StageSecurityAssessment  StageName = "security_assessment"
	StageStructuring         StageName = "structuring"
	StageGeneration          StageName = "generation"
	StageQualityCheck        StageName = "quality_check"
	StageComplianceCheck     StageName = "compliance_check"
	StageHumanSupervision    StageName = "human_supervision"
)

// String returns the string representation of the StageName.
func (s StageName) String() string {
	return string(s)
}

// AllStages lists every stage role in default pipeline order.
func AllStages() []StageName {
	return []StageName{
		StageOCR,
		StageClassification,
		StageDataMapping,
		StageResearch,
		StageLegalReview,
		StageSecurityAssessment,
		StageStructuring,
		StageGeneration,
		StageQualityCheck,
		StageComplianceCheck,
		StageHumanSupervision,
	}
}

// DocumentType identifies the regulatory document being produced.
type DocumentType string

const (
	DocPrivacyPolicy           DocumentType = "politica_privacidade"
	DocConsentForm             DocumentType = "termo_consentimento"
	DocContractClause          DocumentType = "clausula_contratual"
	DocCommitteeMinutes        DocumentType = "ata_comite"
	DocCodeOfConduct           DocumentType = "codigo_conduta"
	DocDataProcessingAgreement DocumentType = "acordo_tratamento_dados"
	DocBreachNotification      DocumentType = "notificacao_violacao"
	DocImpactAssessment        DocumentType = "avaliacao_impacto"
)

// KnownDocumentTypes lists the accepted document types.
func KnownDocumentTypes() []DocumentType {
	return []DocumentType{
		DocPrivacyPolicy,
		DocConsentForm,
		DocContractClause,
		DocCommitteeMinutes,
		DocCodeOfConduct,
		DocDataProcessingAgreement,
		DocBreachNotification,
		DocImpactAssessment,
	}
}

// Valid reports whether the document type is one of the known types.
func (d DocumentType) Valid() bool {
	for _, t := range KnownDocumentTypes() {
		if d == t {
			return true
		}
	}
	return false
}

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	StatusCreated        RunStatus = "created"
	StatusRunning        RunStatus = "running"
	StatusAwaitingReview RunStatus = "awaiting_review"
	StatusRevising       RunStatus = "revising"
	StatusFailed         RunStatus = "failed"
	StatusRejected       RunStatus = "rejected"
	StatusDelivered      RunStatus = "delivered"
	StatusCancelled      RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state. Terminal runs are
// retained read-only for audit; no further stages are scheduled for them.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusFailed, StatusRejected, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// StageOutcome classifies the result of one stage attempt.
type StageOutcome string

const (
	OutcomeSuccess          StageOutcome = "success"
	OutcomeTransientFailure StageOutcome = "transient_failure"
	OutcomePermanentFailure StageOutcome = "permanent_failure"
	OutcomeSkipped          StageOutcome = "skipped"
)

// StageEvent is one entry in a run's append-only audit trail.
type StageEvent struct {
	Stage       StageName    `json:"stage"`
	Attempt     int          `json:"attempt"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Outcome     StageOutcome `json:"outcome"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}

// Decision is a human reviewer's verdict on a document.
type Decision string

const (
	DecisionApproved          Decision = "approved"
	DecisionRejected          Decision = "rejected"
	DecisionRevisionRequested Decision = "revision_requested"
)

// Valid reports whether the decision is one of the accepted verdicts.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionRevisionRequested:
		return true
	default:
		return false
	}
}

// ReviewDecision records a human review outcome for a run.
type ReviewDecision struct {
	RunID       string    `json:"run_id"`
	Decision    Decision  `json:"decision"`
	ReviewerID  string    `json:"reviewer_id"`
	Feedback    string    `json:"feedback,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Request describes one document production request.
type Request struct {
	DocumentType        DocumentType `json:"document_type"`
	CompanyName         string       `json:"company_name"`
	ActivityDescription string       `json:"activity_description"`
	IndustrySector      string       `json:"industry_sector"`
	Language            string       `json:"language"`
	Jurisdiction        string       `json:"jurisdiction"`

	// SourceText carries already machine-readable input. When set, the OCR
	// stage does not apply.
	SourceText string `json:"source_text,omitempty"`

	// SourceFileName references an uploaded document that requires text
	// extraction before classification.
	SourceFileName string `json:"source_file_name,omitempty"`

	// WebhookURL, when set, receives a notification on terminal status.
	WebhookURL string `json:"webhook_url,omitempty"`

	// ExternalSystemID correlates the run with an upstream system.
	ExternalSystemID string `json:"external_system_id,omitempty"`
}

// Validate checks the request's required fields. It returns a
// *ValidationError naming the first violated constraint.
func (r Request) Validate() error {
	if !r.DocumentType.Valid() {
		return &ValidationError{Field: "document_type", Reason: "unknown document type"}
	}
	required := []struct {
		field string
		value string
	}{
		{"company_name", r.CompanyName},
		{"activity_description", r.ActivityDescription},
		{"industry_sector", r.IndustrySector},
		{"language", r.Language},
		{"jurisdiction", r.Jurisdiction},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.field, Reason: "must not be empty"}
		}
	}
	return nil
}

// RetryPolicy configures retry behavior for stages that call external systems.
type RetryPolicy struct {
	MaxAttempts int           // maximum number of attempts (1 = no retries)
	Backoff     time.Duration // base backoff duration, doubled per attempt
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     time.Second,
	}
}
