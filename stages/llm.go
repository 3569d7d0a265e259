package stages

import (
	"context"
	"fmt"
	"strings"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/privacypoint/docflow/core"
)

// DraftRequest carries everything a generator needs to draft a document.
type DraftRequest struct {
	Title    string
	Sections []string
	Snapshot *core.Snapshot
}

// TextGenerator drafts document text. Implementations wrap an LLM
// provider; the deterministic template is used when none is configured.
type TextGenerator interface {
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

// IrisGenerator drafts documents through an iris chat provider.
type IrisGenerator struct {
	provider iriscore.Provider
	model    iriscore.ModelID
}

// NewIrisGenerator wraps an iris provider as a TextGenerator.
func NewIrisGenerator(provider iriscore.Provider, model string) *IrisGenerator {
	return &IrisGenerator{provider: provider, model: iriscore.ModelID(model)}
}

// Draft sends the drafting prompt to the provider and returns the text.
func (g *IrisGenerator) Draft(ctx context.Context, req DraftRequest) (string, error) {
	resp, err := g.provider.Chat(ctx, &iriscore.ChatRequest{
		Model: g.model,
		Messages: []iriscore.Message{
			{Role: iriscore.RoleSystem, Content: draftSystemPrompt},
			{Role: iriscore.RoleUser, Content: g.userPrompt(req)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("iris chat: %w", err)
	}
	if strings.TrimSpace(resp.Output) == "" {
		return "", fmt.Errorf("iris chat: empty output")
	}
	return resp.Output, nil
}

const draftSystemPrompt = "Você é um redator jurídico especializado em proteção de dados (LGPD). " +
	"Redija o documento solicitado em português formal, fiel às seções indicadas, " +
	"citando os artigos aplicáveis da Lei nº 13.709/2018."

func (g *IrisGenerator) userPrompt(req DraftRequest) string {
	snap := req.Snapshot
	var b strings.Builder

	fmt.Fprintf(&b, "Documento: %s\n", req.Title)
	fmt.Fprintf(&b, "Empresa: %s (setor %s)\n", snap.Request.CompanyName, snap.Request.IndustrySector)
	fmt.Fprintf(&b, "Atividade: %s\n", snap.Request.ActivityDescription)
	fmt.Fprintf(&b, "Seções obrigatórias: %s\n", strings.Join(req.Sections, "; "))
	fmt.Fprintf(&b, "Artigos aplicáveis: %s\n", joinOutput(snap, core.StageResearch, "articles"))
	fmt.Fprintf(&b, "Dados mapeados: %s\n", joinOutput(snap, core.StageDataMapping, "data_categories"))
	if len(snap.Feedback) > 0 {
		fmt.Fprintf(&b, "Incorpore os seguintes ajustes do revisor: %s\n", strings.Join(snap.Feedback, "; "))
	}
	return b.String()
}
