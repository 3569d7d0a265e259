package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/privacypoint/docflow/core"
)

// NewGeneration builds the drafting capability. With a TextGenerator the
// section bodies come from the LLM; without one the deterministic
// template renders them from the analysis outputs.
func NewGeneration(gen TextGenerator) core.Capability {
	return core.CapabilityFunc(func(ctx context.Context, snap *core.Snapshot) (core.Payload, error) {
		structure, ok := snap.Output(core.StageStructuring)
		if !ok {
			return nil, core.Permanentf(core.StageGeneration, "structuring output missing")
		}
		title, _ := structure["title"].(string)
		sections := sectionNames(structure["sections"])
		if len(sections) == 0 {
			return nil, core.Permanentf(core.StageGeneration, "structuring produced no sections")
		}

		var content string
		source := "template"
		if gen != nil {
			drafted, err := gen.Draft(ctx, DraftRequest{
				Title:    title,
				Sections: sections,
				Snapshot: snap,
			})
			if err != nil {
				// LLM trouble is a dependency problem; let the
				// executor retry it.
				return nil, core.Transientf(core.StageGeneration, "draft: %v", err)
			}
			content = drafted
			source = "llm"
		} else {
			content = renderTemplate(title, sections, snap)
		}

		return core.Payload{
			"title":      title,
			"content":    content,
			"word_count": len(strings.Fields(content)),
			"generator":  source,
		}, nil
	})
}

func sectionNames(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var names []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

func renderTemplate(title string, sections []string, snap *core.Snapshot) string {
	req := snap.Request
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "%s — setor: %s. Jurisdição: %s.\n\n", req.CompanyName, req.IndustrySector, req.Jurisdiction)

	for _, section := range sections {
		fmt.Fprintf(&b, "## %s\n\n", section)
		fmt.Fprintf(&b, "%s\n\n", sectionBody(section, snap))
	}

	// Reviewer feedback gets an explicit revision log so each new draft
	// shows what changed.
	if len(snap.Feedback) > 0 {
		b.WriteString("## Ajustes de Revisão\n\n")
		for i, fb := range snap.Feedback {
			fmt.Fprintf(&b, "%d. Ajuste incorporado: %s\n", i+1, fb)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "---\nDocumento elaborado em conformidade com a Lei nº 13.709/2018 (LGPD).\n")
	return b.String()
}

func sectionBody(section string, snap *core.Snapshot) string {
	req := snap.Request
	switch section {
	case "Dados Coletados", "Dados Tratados":
		return fmt.Sprintf("Categorias de dados pessoais tratadas: %s.",
			joinOutput(snap, core.StageDataMapping, "data_categories"))
	case "Bases Legais":
		return fmt.Sprintf("O tratamento apoia-se nas seguintes bases legais: %s (Art. 7º da LGPD).",
			joinOutput(snap, core.StageDataMapping, "legal_bases"))
	case "Finalidades do Tratamento", "Finalidade do Tratamento", "Objeto do Tratamento", "Escopo do Tratamento", "Descrição do Tratamento":
		return fmt.Sprintf("Os dados pessoais são tratados para viabilizar: %s.", req.ActivityDescription)
	case "Direitos do Titular":
		return "O titular pode exercer, a qualquer momento, os direitos previstos no Art. 18 da LGPD, " +
			"incluindo confirmação, acesso, correção, anonimização, portabilidade e eliminação."
	case "Segurança da Informação", "Segurança e Confidencialidade", "Medidas Adotadas", "Medidas de Mitigação":
		return fmt.Sprintf("Medidas técnicas e organizacionais adotadas: %s.",
			joinOutput(snap, core.StageSecurityAssessment, "measures"))
	case "Contato do Encarregado (DPO)":
		return fmt.Sprintf("O encarregado pelo tratamento de dados pessoais de %s pode ser contatado "+
			"pelos canais oficiais publicados.", req.CompanyName)
	default:
		return fmt.Sprintf("Disposições de %q aplicáveis a %s, conforme %s.",
			section, req.CompanyName,
			joinOutput(snap, core.StageResearch, "articles"))
	}
}

func joinOutput(snap *core.Snapshot, stage core.StageName, key string) string {
	payload, ok := snap.Output(stage)
	if !ok {
		return "a definir"
	}
	items, ok := payload[key].([]any)
	if !ok {
		if strs, ok := payload[key].([]string); ok {
			return strings.Join(strs, ", ")
		}
		return "a definir"
	}
	var parts []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "a definir"
	}
	return strings.Join(parts, ", ")
}
