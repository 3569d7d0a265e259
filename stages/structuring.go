package stages

import (
	"context"
	"fmt"

	"github.com/privacypoint/docflow/core"
)

// sectionCatalog maps each document type to its ordered section outline.
var sectionCatalog = map[core.DocumentType][]string{
	core.DocPrivacyPolicy: {
		"Introdução",
		"Dados Coletados",
		"Finalidades do Tratamento",
		"Bases Legais",
		"Compartilhamento de Dados",
		"Direitos do Titular",
		"Segurança da Informação",
		"Contato do Encarregado (DPO)",
	},
	core.DocConsentForm: {
		"Identificação do Controlador",
		"Finalidade do Tratamento",
		"Dados Tratados",
		"Declaração de Consentimento",
		"Revogação do Consentimento",
	},
	core.DocContractClause: {
		"Definições",
		"Objeto do Tratamento",
		"Obrigações do Operador",
		"Obrigações do Controlador",
		"Responsabilidade",
	},
	core.DocCommitteeMinutes: {
		"Abertura e Participantes",
		"Pauta",
		"Deliberações",
		"Encerramento",
	},
	core.DocCodeOfConduct: {
		"Propósito",
		"Princípios de Proteção de Dados",
		"Condutas Esperadas",
		"Violações e Sanções",
	},
	core.DocDataProcessingAgreement: {
		"Partes e Definições",
		"Escopo do Tratamento",
		"Instruções do Controlador",
		"Suboperadores",
		"Segurança e Confidencialidade",
		"Término e Devolução dos Dados",
	},
	core.DocBreachNotification: {
		"Descrição do Incidente",
		"Dados e Titulares Afetados",
		"Medidas Adotadas",
		"Riscos aos Titulares",
		"Cronograma de Comunicação",
	},
	core.DocImpactAssessment: {
		"Descrição do Tratamento",
		"Necessidade e Proporcionalidade",
		"Riscos aos Titulares",
		"Medidas de Mitigação",
		"Conclusão",
	},
}

// titleTemplates names each produced document.
var titleTemplates = map[core.DocumentType]string{
	core.DocPrivacyPolicy:           "Política de Privacidade — %s",
	core.DocConsentForm:             "Termo de Consentimento — %s",
	core.DocContractClause:          "Cláusula de Proteção de Dados — %s",
	core.DocCommitteeMinutes:        "Ata do Comitê de Privacidade — %s",
	core.DocCodeOfConduct:           "Código de Conduta em Proteção de Dados — %s",
	core.DocDataProcessingAgreement: "Acordo de Tratamento de Dados — %s",
	core.DocBreachNotification:      "Notificação de Incidente de Segurança — %s",
	core.DocImpactAssessment:        "Relatório de Impacto à Proteção de Dados — %s",
}

// NewStructuring builds the capability that lays out the document
// skeleton from the analysis outputs.
func NewStructuring() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		docType := snap.Request.DocumentType

		sections := sectionCatalog[docType]
		if len(sections) == 0 {
			return nil, core.Permanentf(core.StageStructuring, "no section catalog for document type %s", docType)
		}

		out := make([]any, len(sections))
		for i, s := range sections {
			out[i] = s
		}

		return core.Payload{
			"title":    fmt.Sprintf(titleTemplates[docType], snap.Request.CompanyName),
			"sections": out,
		}, nil
	})
}
