package stages

import (
	"context"
	"strings"

	"github.com/privacypoint/docflow/core"
)

// documentKeywords maps each document type to the terms that indicate it
// in the source material.
var documentKeywords = map[core.DocumentType][]string{
	core.DocPrivacyPolicy:           {"política de privacidade", "privacidade", "coleta de dados", "cookies"},
	core.DocConsentForm:             {"consentimento", "autorizo", "titular dos dados", "revogação"},
	core.DocContractClause:          {"cláusula", "contrato", "partes", "rescisão"},
	core.DocCommitteeMinutes:        {"ata", "reunião", "comitê", "deliberação"},
	core.DocCodeOfConduct:           {"código de conduta", "conduta", "ética", "colaboradores"},
	core.DocDataProcessingAgreement: {"operador", "controlador", "tratamento de dados", "suboperador"},
	core.DocBreachNotification:      {"incidente", "violação", "vazamento", "notificação"},
	core.DocImpactAssessment:        {"relatório de impacto", "ripd", "alto risco", "avaliação de impacto"},
}

// NewClassification builds the capability that confirms the requested
// document type against the source material. The request's declared type
// wins; the keyword scan only feeds the confidence signal.
func NewClassification() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		requested := snap.Request.DocumentType
		text := strings.ToLower(snap.InputText())

		var matched []string
		for _, kw := range documentKeywords[requested] {
			if strings.Contains(text, kw) {
				matched = append(matched, kw)
			}
		}

		confidence := 0.5
		if total := len(documentKeywords[requested]); total > 0 && text != "" {
			confidence = 0.5 + 0.5*float64(len(matched))/float64(total)
		}
		if text == "" {
			// Nothing to scan: trust the request outright.
			confidence = 1.0
		}

		return core.Payload{
			"document_type": string(requested),
			"confidence":    confidence,
			"matched_terms": matched,
			"language":      snap.Request.Language,
		}, nil
	})
}
