package stages

import (
	"context"
	"strings"

	"github.com/privacypoint/docflow/core"
)

// NewQualityCheck builds the capability that scores the draft's editorial
// quality: structural completeness, section coverage and substance.
func NewQualityCheck() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		draft, ok := snap.Output(core.StageGeneration)
		if !ok {
			return nil, core.Permanentf(core.StageQualityCheck, "generation output missing")
		}
		content, _ := draft["content"].(string)
		title, _ := draft["title"].(string)
		structure, _ := snap.Output(core.StageStructuring)
		sections := sectionNames(structure["sections"])

		score := 0.0
		var issues []string

		// Title present.
		if strings.HasPrefix(content, "# ") || title != "" {
			score += 0.2
		} else {
			issues = append(issues, "documento sem título")
		}

		// Every planned section appears in the draft.
		covered := 0
		for _, section := range sections {
			if strings.Contains(content, section) {
				covered++
			} else {
				issues = append(issues, "seção ausente: "+section)
			}
		}
		if len(sections) > 0 {
			score += 0.5 * float64(covered) / float64(len(sections))
		}

		// Substance: an empty or skeletal draft scores low.
		words := len(strings.Fields(content))
		switch {
		case words >= 150:
			score += 0.3
		case words >= 50:
			score += 0.15
			issues = append(issues, "documento curto")
		default:
			issues = append(issues, "documento sem conteúdo substantivo")
		}

		return core.Payload{
			"score":  score,
			"issues": toAnySlice(issues),
		}, nil
	})
}

// NewComplianceCheck builds the capability that scores regulatory
// compliance: the draft must reference the LGPD and the articles the
// research stage identified.
func NewComplianceCheck() core.Capability {
	return core.CapabilityFunc(func(_ context.Context, snap *core.Snapshot) (core.Payload, error) {
		content := snap.OutputString(core.StageGeneration, "content")
		if content == "" {
			return nil, core.Permanentf(core.StageComplianceCheck, "generation output missing")
		}

		checklist := map[string]bool{
			"cita_lgpd": strings.Contains(content, "13.709") || strings.Contains(content, "LGPD"),
		}

		research, _ := snap.Output(core.StageResearch)
		var articles []string
		if research != nil {
			articles = toStringSlice(research["articles"])
		}
		citedArticles := 0
		for _, article := range articles {
			cited := strings.Contains(content, article)
			checklist["cita_"+article] = cited
			if cited {
				citedArticles++
			}
		}

		score := 0.0
		if checklist["cita_lgpd"] {
			score += 0.5
		}
		if len(articles) > 0 {
			score += 0.5 * float64(citedArticles) / float64(len(articles))
		} else {
			score += 0.5
		}

		var issues []string
		for item, ok := range checklist {
			if !ok {
				issues = append(issues, "pendente: "+item)
			}
		}

		return core.Payload{
			"score":     score,
			"checklist": toAnyMap(checklist),
			"issues":    toAnySlice(issues),
		}, nil
	})
}

func toAnySlice(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func toStringSlice(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		var out []string
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toAnyMap(m map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
