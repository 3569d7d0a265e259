package stages

import (
	"context"

	"github.com/privacypoint/docflow/core"
)

// mandatoryElements lists what each document type must contain to hold up
// legally.
var mandatoryElements = map[core.DocumentType][]string{
	core.DocPrivacyPolicy: {
		"finalidades do tratamento",
		"identificação do controlador",
		"direitos do titular",
		"canal de contato do encarregado (DPO)",
	},
	core.DocConsentForm: {
		"finalidade específica",
		"forma de revogação",
		"identificação do controlador",
	},
	core.DocContractClause: {
		"definição das partes como controlador e operador",
		"limites do tratamento",
		"responsabilidade solidária",
	},
	core.DocCommitteeMinutes: {
		"data e participantes",
		"pauta e deliberações",
	},
	core.DocCodeOfConduct: {
		"princípios de proteção de dados",
		"sanções internas",
	},
	core.DocDataProcessingAgreement: {
		"instruções documentadas do controlador",
		"regime de suboperadores",
		"devolução ou eliminação dos dados",
	},
	core.DocBreachNotification: {
		"descrição do incidente",
		"dados e titulares afetados",
		"medidas adotadas",
		"prazo de comunicação à ANPD",
	},
	core.DocImpactAssessment: {
		"descrição do tratamento",
		"análise de necessidade e proporcionalidade",
		"medidas de mitigação",
	},
}

// NewLegalReview builds the capability that lists the mandatory legal
// elements and known drafting risks for the requested document.
func NewLegalReview() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		docType := snap.Request.DocumentType

		requirements := mandatoryElements[docType]
		var risks []string
		// Sensitivity is detected from the request directly: this stage
		// runs concurrently with data mapping and cannot read its output.
		if sensitiveDataInvolved(snap) {
			risks = append(risks, "tratamento de dados sensíveis exige base legal específica (Art. 11)")
		}
		if snap.Request.Jurisdiction != "BR" {
			risks = append(risks, "transferência internacional sujeita ao Art. 33")
		}

		return core.Payload{
			"requirements": requirements,
			"risks":        risks,
		}, nil
	})
}
