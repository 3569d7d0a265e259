package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/privacypoint/docflow/core"
)

func snapshotFor(req core.Request) *core.Snapshot {
	return core.NewSnapshot("run-1", "doc-1", req, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func policyRequest() core.Request {
	return core.Request{
		DocumentType:        core.DocPrivacyPolicy,
		CompanyName:         "Acme Ltda",
		ActivityDescription: "loja virtual que coleta nome, e-mail e dados de cartão de pagamento",
		IndustrySector:      "varejo",
		Language:            "pt-BR",
		Jurisdiction:        "BR",
		SourceText:          "política de privacidade atual menciona coleta de dados e cookies",
	}
}

func TestOCRReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contrato.txt")
	if err := os.WriteFile(path, []byte("cláusula de tratamento de dados pessoais"), 0o600); err != nil {
		t.Fatal(err)
	}

	snap := snapshotFor(core.Request{SourceFileName: path})
	payload, err := NewOCR(FileExtractor).Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if text, _ := payload["text"].(string); !strings.Contains(text, "cláusula") {
		t.Errorf("text = %q", text)
	}
}

func TestOCRMissingFile(t *testing.T) {
	snap := snapshotFor(core.Request{SourceFileName: "/nonexistent/file.pdf"})
	_, err := NewOCR(FileExtractor).Execute(context.Background(), snap)
	var perm *core.PermanentStageError
	if !errors.As(err, &perm) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestClassificationConfidence(t *testing.T) {
	snap := snapshotFor(policyRequest())
	payload, err := NewClassification().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := payload["document_type"]; got != string(core.DocPrivacyPolicy) {
		t.Errorf("document_type = %v", got)
	}
	confidence, _ := payload["confidence"].(float64)
	if confidence <= 0.5 {
		t.Errorf("confidence = %g, want > 0.5 for matching source text", confidence)
	}
}

func TestDataMappingDetectsSensitive(t *testing.T) {
	req := policyRequest()
	req.ActivityDescription = "clínica que coleta dados de saúde e biometria facial dos pacientes"
	snap := snapshotFor(req)

	payload, err := NewDataMapping().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sensitive, _ := payload["sensitive"].(bool); !sensitive {
		t.Error("expected sensitive = true for health data")
	}
	bases := payload["legal_bases"].([]string)
	if bases[0] != "consentimento_especifico" {
		t.Errorf("legal_bases = %v, want specific consent first", bases)
	}
}

// The analysis stages run concurrently against the same snapshot, so
// legal review and security assessment must detect sensitivity without
// the data mapping output present.
func TestAnalysisStagesDetectSensitivityIndependently(t *testing.T) {
	req := policyRequest()
	req.ActivityDescription = "clínica que coleta dados de saúde e biometria facial dos pacientes"
	snap := snapshotFor(req)
	if _, ok := snap.Output(core.StageDataMapping); ok {
		t.Fatal("snapshot must not carry a data mapping output")
	}

	legal, err := NewLegalReview().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("legal review: %v", err)
	}
	risks, _ := legal["risks"].([]string)
	foundArt11 := false
	for _, risk := range risks {
		if strings.Contains(risk, "Art. 11") {
			foundArt11 = true
		}
	}
	if !foundArt11 {
		t.Errorf("risks = %v, want sensitive-data risk", risks)
	}

	security, err := NewSecurityAssessment().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("security assessment: %v", err)
	}
	if security["risk_level"] != "alto" {
		t.Errorf("risk_level = %v, want alto for health data", security["risk_level"])
	}
}

func TestResearchArticlesPerType(t *testing.T) {
	for _, docType := range core.KnownDocumentTypes() {
		req := policyRequest()
		req.DocumentType = docType
		payload, err := NewResearch().Execute(context.Background(), snapshotFor(req))
		if err != nil {
			t.Fatalf("%s: %v", docType, err)
		}
		if articles, _ := payload["articles"].([]string); len(articles) == 0 {
			t.Errorf("%s: no articles", docType)
		}
	}
}

func TestStructuringSections(t *testing.T) {
	for _, docType := range core.KnownDocumentTypes() {
		req := policyRequest()
		req.DocumentType = docType
		payload, err := NewStructuring().Execute(context.Background(), snapshotFor(req))
		if err != nil {
			t.Fatalf("%s: %v", docType, err)
		}
		if sections, _ := payload["sections"].([]any); len(sections) == 0 {
			t.Errorf("%s: no sections", docType)
		}
		if title, _ := payload["title"].(string); !strings.Contains(title, "Acme Ltda") {
			t.Errorf("%s: title %q lacks company name", docType, title)
		}
	}
}

// fullDraftSnapshot runs the analysis and structuring stages so the draft
// stages have real upstream outputs.
func fullDraftSnapshot(t *testing.T) *core.Snapshot {
	t.Helper()
	ctx := context.Background()
	snap := snapshotFor(policyRequest())

	for stage, capability := range map[core.StageName]core.Capability{
		core.StageClassification:     NewClassification(),
		core.StageDataMapping:        NewDataMapping(),
		core.StageResearch:           NewResearch(),
		core.StageLegalReview:        NewLegalReview(),
		core.StageSecurityAssessment: NewSecurityAssessment(),
	} {
		payload, err := capability.Execute(ctx, snap)
		if err != nil {
			t.Fatalf("%s: %v", stage, err)
		}
		snap.Outputs[stage] = payload
	}

	payload, err := NewStructuring().Execute(ctx, snap)
	if err != nil {
		t.Fatalf("structuring: %v", err)
	}
	snap.Outputs[core.StageStructuring] = payload
	return snap
}

func TestGenerationTemplate(t *testing.T) {
	snap := fullDraftSnapshot(t)
	payload, err := NewGeneration(nil).Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	content, _ := payload["content"].(string)
	for _, want := range []string{"Política de Privacidade", "Direitos do Titular", "LGPD", "Art. 18"} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q", want)
		}
	}
	if payload["generator"] != "template" {
		t.Errorf("generator = %v", payload["generator"])
	}
}

func TestGenerationIncludesFeedback(t *testing.T) {
	snap := fullDraftSnapshot(t)
	snap.Feedback = []string{"incluir prazo de retenção de dados"}

	payload, err := NewGeneration(nil).Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	content, _ := payload["content"].(string)
	if !strings.Contains(content, "prazo de retenção") {
		t.Error("feedback not incorporated into draft")
	}
}

type fakeGenerator struct {
	text string
	err  error
}

func (g fakeGenerator) Draft(context.Context, DraftRequest) (string, error) {
	return g.text, g.err
}

func TestGenerationDelegatesToGenerator(t *testing.T) {
	snap := fullDraftSnapshot(t)
	payload, err := NewGeneration(fakeGenerator{text: "# Documento redigido pelo modelo"}).Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if payload["generator"] != "llm" {
		t.Errorf("generator = %v", payload["generator"])
	}
}

func TestGenerationGeneratorFailureIsTransient(t *testing.T) {
	snap := fullDraftSnapshot(t)
	_, err := NewGeneration(fakeGenerator{err: errors.New("rate limited")}).Execute(context.Background(), snap)
	if !core.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestQualityCheckScoresFullDraft(t *testing.T) {
	snap := fullDraftSnapshot(t)
	draft, err := NewGeneration(nil).Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	snap.Outputs[core.StageGeneration] = draft

	payload, err := NewQualityCheck().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	score, _ := payload["score"].(float64)
	if score < 0.8 {
		t.Errorf("score = %g, want >= 0.8 for a complete draft (issues: %v)", score, payload["issues"])
	}
}

func TestQualityCheckPenalizesSkeletalDraft(t *testing.T) {
	snap := fullDraftSnapshot(t)
	snap.Outputs[core.StageGeneration] = core.Payload{"title": "x", "content": "# x\n\ncurto"}

	payload, err := NewQualityCheck().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	score, _ := payload["score"].(float64)
	if score >= 0.8 {
		t.Errorf("score = %g, want < 0.8 for skeletal draft", score)
	}
}

func TestQualityCheckFlagsMissingTitle(t *testing.T) {
	snap := fullDraftSnapshot(t)
	snap.Outputs[core.StageGeneration] = core.Payload{"content": "conteúdo sem cabeçalho nem título"}

	payload, err := NewQualityCheck().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	found := false
	for _, issue := range payload["issues"].([]any) {
		if issue == "documento sem título" {
			found = true
		}
	}
	if !found {
		t.Errorf("issues = %v, want missing-title issue", payload["issues"])
	}

	withTitle := fullDraftSnapshot(t)
	withTitle.Outputs[core.StageGeneration] = core.Payload{"title": "Política", "content": "conteúdo sem cabeçalho"}
	titled, err := NewQualityCheck().Execute(context.Background(), withTitle)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	untitledScore, _ := payload["score"].(float64)
	titledScore, _ := titled["score"].(float64)
	if titledScore <= untitledScore {
		t.Errorf("titled score %g not above untitled score %g", titledScore, untitledScore)
	}
}

func TestComplianceCheck(t *testing.T) {
	snap := fullDraftSnapshot(t)
	draft, err := NewGeneration(nil).Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	snap.Outputs[core.StageGeneration] = draft

	payload, err := NewComplianceCheck().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	score, _ := payload["score"].(float64)
	if score < 0.8 {
		t.Errorf("score = %g, want >= 0.8 (issues: %v)", score, payload["issues"])
	}
}

func TestReviewGate(t *testing.T) {
	snap := snapshotFor(policyRequest())
	snap.Review = &core.ReviewDecision{
		RunID:      "run-1",
		Decision:   core.DecisionApproved,
		ReviewerID: "dpo@acme.example",
	}

	payload, err := NewReviewGate().Execute(context.Background(), snap)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if payload["decision"] != string(core.DecisionApproved) {
		t.Errorf("decision = %v", payload["decision"])
	}
}

func TestReviewGateWithoutDecision(t *testing.T) {
	snap := snapshotFor(policyRequest())
	_, err := NewReviewGate().Execute(context.Background(), snap)
	var perm *core.PermanentStageError
	if !errors.As(err, &perm) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestDefaultCoversAllStages(t *testing.T) {
	caps := Default()
	for _, stage := range core.AllStages() {
		if caps[stage] == nil {
			t.Errorf("no capability for stage %s", stage)
		}
	}
}
