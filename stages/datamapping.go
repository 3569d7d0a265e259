package stages

import (
	"context"
	"strings"

	"github.com/privacypoint/docflow/core"
)

// dataCategoryTerms maps LGPD data categories to the terms that reveal
// them in the activity description or source material.
var dataCategoryTerms = map[string][]string{
	"identificacao":  {"nome", "cpf", "rg", "identidade", "cadastro"},
	"contato":        {"e-mail", "email", "telefone", "endereço", "contato"},
	"financeiro":     {"cartão", "pagamento", "bancário", "fatura", "crédito"},
	"navegacao":      {"cookie", "ip", "navegação", "dispositivo", "geolocalização"},
	"saude":          {"saúde", "prontuário", "médico", "exame"},
	"biometrico":     {"biometria", "facial", "digital", "impressão"},
	"profissional":   {"salário", "cargo", "currículo", "funcionário"},
}

// sensitiveCategories are the categories article 5, II of the LGPD treats
// as sensitive personal data.
var sensitiveCategories = map[string]bool{
	"saude":      true,
	"biometrico": true,
}

// detectDataCategories scans the request's activity description and
// source material for the data categories they reveal. The analysis
// stages call it directly since they run concurrently and cannot see one
// another's outputs.
func detectDataCategories(snap *core.Snapshot) (categories []string, sensitive bool) {
	corpus := strings.ToLower(snap.Request.ActivityDescription + " " + snap.InputText())

	for _, category := range []string{
		"identificacao", "contato", "financeiro", "navegacao",
		"saude", "biometrico", "profissional",
	} {
		for _, term := range dataCategoryTerms[category] {
			if strings.Contains(corpus, term) {
				categories = append(categories, category)
				if sensitiveCategories[category] {
					sensitive = true
				}
				break
			}
		}
	}
	if len(categories) == 0 {
		// Every business activity touches at least basic identification
		// data.
		categories = []string{"identificacao", "contato"}
	}
	return categories, sensitive
}

// sensitiveDataInvolved reports whether the request touches article 5, II
// sensitive data.
func sensitiveDataInvolved(snap *core.Snapshot) bool {
	_, sensitive := detectDataCategories(snap)
	return sensitive
}

// NewDataMapping builds the capability that inventories the personal data
// involved in the described activity and pairs each category with a legal
// basis candidate.
func NewDataMapping() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		categories, sensitive := detectDataCategories(snap)

		bases := []string{"consentimento", "execucao_de_contrato", "legitimo_interesse"}
		if sensitive {
			bases = []string{"consentimento_especifico", "tutela_da_saude", "obrigacao_legal"}
		}

		return core.Payload{
			"data_categories": categories,
			"legal_bases":     bases,
			"sensitive":       sensitive,
		}, nil
	})
}
