package stages

import (
	"context"

	"github.com/privacypoint/docflow/core"
)

// lgpdArticles maps each document type to the LGPD articles that govern it.
var lgpdArticles = map[core.DocumentType][]string{
	core.DocPrivacyPolicy:           {"Art. 6º", "Art. 7º", "Art. 9º", "Art. 18"},
	core.DocConsentForm:             {"Art. 7º, I", "Art. 8º", "Art. 9º", "Art. 18, IX"},
	core.DocContractClause:          {"Art. 7º, V", "Art. 26", "Art. 39"},
	core.DocCommitteeMinutes:        {"Art. 41", "Art. 50"},
	core.DocCodeOfConduct:           {"Art. 50", "Art. 6º, X"},
	core.DocDataProcessingAgreement: {"Art. 39", "Art. 40", "Art. 42"},
	core.DocBreachNotification:      {"Art. 48", "Art. 46"},
	core.DocImpactAssessment:        {"Art. 5º, XVII", "Art. 38"},
}

// anpdGuidelines maps document types to relevant ANPD publications.
var anpdGuidelines = map[core.DocumentType][]string{
	core.DocBreachNotification: {"Resolução CD/ANPD nº 15/2024 (comunicação de incidentes)"},
	core.DocImpactAssessment:   {"Guia Orientativo ANPD: Relatório de Impacto"},
	core.DocConsentForm:        {"Guia Orientativo ANPD: Cookies e Consentimento"},
	core.DocPrivacyPolicy:      {"Guia Orientativo ANPD: Cookies e Consentimento"},
}

// NewResearch builds the capability that assembles the regulatory basis
// for the requested document: applicable LGPD articles, ANPD guidance and
// sector notes.
func NewResearch() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		docType := snap.Request.DocumentType

		articles := lgpdArticles[docType]
		if len(articles) == 0 {
			articles = []string{"Art. 6º"}
		}

		guidelines := anpdGuidelines[docType]
		laws := []string{"Lei nº 13.709/2018 (LGPD)"}
		if snap.Request.IndustrySector == "saude" {
			laws = append(laws, "Lei nº 13.787/2018 (prontuário eletrônico)")
		}
		if snap.Request.IndustrySector == "financeiro" {
			laws = append(laws, "Resolução CMN nº 4.893/2021 (segurança cibernética)")
		}

		return core.Payload{
			"laws":            laws,
			"articles":        articles,
			"anpd_guidelines": guidelines,
			"jurisdiction":    snap.Request.Jurisdiction,
		}, nil
	})
}
