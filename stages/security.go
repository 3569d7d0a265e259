package stages

import (
	"context"

	"github.com/privacypoint/docflow/core"
)

// NewSecurityAssessment builds the capability that recommends technical
// and organizational measures for the mapped data, per article 46 of the
// LGPD.
func NewSecurityAssessment() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		measures := []string{
			"criptografia em trânsito e em repouso",
			"controle de acesso baseado em papéis",
			"registro de acessos (logs) com retenção definida",
			"plano de resposta a incidentes",
		}
		riskLevel := "medio"

		// Sensitivity comes from the request directly since this stage
		// runs concurrently with data mapping.
		if sensitiveDataInvolved(snap) {
			riskLevel = "alto"
			measures = append(measures,
				"pseudonimização de dados sensíveis",
				"avaliação periódica de vulnerabilidades",
			)
		}

		return core.Payload{
			"measures":   measures,
			"risk_level": riskLevel,
		}, nil
	})
}
