// Package stages provides the built-in capabilities for the document
// production pipeline: text extraction, classification, the four analysis
// stages, structuring, generation, the two checkers and the review gate.
//
// All capabilities are deterministic given their snapshot except
// generation, which optionally delegates drafting to an LLM via a
// TextGenerator.
package stages

import (
	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/registry"
)

// Option configures the default capability set.
type Option func(*config)

type config struct {
	generator TextGenerator
	extractor TextExtractor
}

// WithGenerator delegates document drafting to an LLM. Without it,
// generation renders the deterministic template.
func WithGenerator(g TextGenerator) Option {
	return func(c *config) { c.generator = g }
}

// WithExtractor overrides how uploaded files are turned into text.
func WithExtractor(e TextExtractor) Option {
	return func(c *config) { c.extractor = e }
}

// Default builds the full capability set for registry.DefaultPipeline.
func Default(opts ...Option) registry.CapabilitySet {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.extractor == nil {
		cfg.extractor = FileExtractor
	}

	return registry.CapabilitySet{
		core.StageOCR:                NewOCR(cfg.extractor),
		core.StageClassification:    NewClassification(),
		core.StageDataMapping:       NewDataMapping(),
		core.StageResearch:          NewResearch(),
		core.StageLegalReview:       NewLegalReview(),
		core.StageSecurityAssessment: NewSecurityAssessment(),
		core.StageStructuring:       NewStructuring(),
		core.StageGeneration:        NewGeneration(cfg.generator),
		core.StageQualityCheck:      NewQualityCheck(),
		core.StageComplianceCheck:   NewComplianceCheck(),
		core.StageHumanSupervision:  NewReviewGate(),
	}
}
