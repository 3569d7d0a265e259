package registry

import (
	"fmt"

	"github.com/privacypoint/docflow/core"
)

// CapabilitySet maps each stage role to its capability.
type CapabilitySet map[core.StageName]core.Capability

// DefaultPipeline builds the standard document production graph:
//
//	ocr -> classification -> {data_mapping, research, legal_review,
//	security_assessment} -> structuring -> generation -> quality_check ->
//	compliance_check -> human_supervision
//
// OCR only applies when the request carries a file rather than digital
// text. The four analysis stages are mutually independent and may run
// concurrently once classification settles.
func DefaultPipeline(caps CapabilitySet) (*Registry, error) {
	for _, stage := range core.AllStages() {
		if caps[stage] == nil {
			return nil, fmt.Errorf("registry: pipeline requires a capability for stage %s", stage)
		}
	}

	r := New()
	defs := []StageDefinition{
		{
			Name:       core.StageOCR,
			Capability: caps[core.StageOCR],
			Applies: func(snap *core.Snapshot) bool {
				return !snap.SourceIsDigital()
			},
		},
		{
			Name:         core.StageClassification,
			Predecessors: []core.StageName{core.StageOCR},
			Capability:   caps[core.StageClassification],
		},
		{
			Name:         core.StageDataMapping,
			Predecessors: []core.StageName{core.StageClassification},
			Capability:   caps[core.StageDataMapping],
		},
		{
			Name:         core.StageResearch,
			Predecessors: []core.StageName{core.StageClassification},
			Capability:   caps[core.StageResearch],
		},
		{
			Name:         core.StageLegalReview,
			Predecessors: []core.StageName{core.StageClassification},
			Capability:   caps[core.StageLegalReview],
		},
		{
			Name:         core.StageSecurityAssessment,
			Predecessors: []core.StageName{core.StageClassification},
			Capability:   caps[core.StageSecurityAssessment],
		},
		{
			Name: core.StageStructuring,
			Predecessors: []core.StageName{
				core.StageDataMapping,
				core.StageResearch,
				core.StageLegalReview,
				core.StageSecurityAssessment,
			},
			Capability: caps[core.StageStructuring],
		},
		{
			Name:         core.StageGeneration,
			Predecessors: []core.StageName{core.StageStructuring},
			Capability:   caps[core.StageGeneration],
		},
		{
			Name:         core.StageQualityCheck,
			Predecessors: []core.StageName{core.StageGeneration},
			Capability:   caps[core.StageQualityCheck],
		},
		{
			Name:         core.StageComplianceCheck,
			Predecessors: []core.StageName{core.StageQualityCheck},
			Capability:   caps[core.StageComplianceCheck],
		},
		{
			Name:         core.StageHumanSupervision,
			Predecessors: []core.StageName{core.StageComplianceCheck},
			Capability:   caps[core.StageHumanSupervision],
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
