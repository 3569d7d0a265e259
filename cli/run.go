package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/engine"
	"github.com/privacypoint/docflow/registry"
	"github.com/privacypoint/docflow/stages"
	"github.com/privacypoint/docflow/state"
)

// NewRunCmd creates the "run" subcommand: a one-shot, in-memory document
// production with automatic approval at the review gate.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Produce a single document locally and print it",
		RunE:  runRun,
	}

	cmd.Flags().StringP("type", "t", "", "Document type (e.g. politica_privacidade)")
	cmd.Flags().String("company", "", "Company name")
	cmd.Flags().String("activity", "", "Description of the data processing activity")
	cmd.Flags().String("sector", "", "Industry sector")
	cmd.Flags().String("language", "pt-BR", "Document language")
	cmd.Flags().String("jurisdiction", "BR", "Jurisdiction")
	cmd.Flags().String("source-text", "", "Inline source text for analysis")
	cmd.Flags().StringP("source-file", "f", "", "File whose text is extracted and analyzed")
	cmd.Flags().StringP("output", "o", "", "Write the document to a file (default: stdout)")
	cmd.Flags().String("format", "text", "Output format: json | text")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Production timeout")

	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	req, err := requestFromFlags(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "json" && format != "text" {
		return exitError(exitValidation, "unknown format %q", format)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	reg, err := registry.DefaultPipeline(stages.Default())
	if err != nil {
		return exitError(exitRuntime, "building stage pipeline: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctrl, err := engine.NewController(state.NewMemStore(), reg, engine.DefaultPolicy(),
		engine.WithLogger(logger))
	if err != nil {
		return exitError(exitRuntime, "creating controller: %v", err)
	}
	defer func() {
		_ = ctrl.Close()
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	runID, err := ctrl.CreateRun(ctx, "local", req)
	if err != nil {
		var validationErr *core.ValidationError
		if errors.As(err, &validationErr) {
			return exitError(exitValidation, "invalid request: %v", err)
		}
		return exitError(exitRuntime, "creating run: %v", err)
	}

	view, err := ctrl.AwaitStatus(ctx, runID, core.StatusAwaitingReview, core.StatusFailed)
	if err != nil {
		return awaitError(err)
	}
	if view.Status == core.StatusFailed {
		return exitError(exitRuntime, "production failed, see events for details")
	}
	if view.QualityWarning {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: document scored below the quality threshold")
	}

	err = ctrl.SubmitReview(ctx, core.ReviewDecision{
		RunID:       runID,
		Decision:    core.DecisionApproved,
		ReviewerID:  "local",
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return exitError(exitRuntime, "approving document: %v", err)
	}

	if _, err := ctrl.AwaitStatus(ctx, runID, core.StatusDelivered); err != nil {
		return awaitError(err)
	}
	content, err := ctrl.GetContent(ctx, runID)
	if err != nil {
		return exitError(exitRuntime, "reading document: %v", err)
	}

	out := cmd.OutOrStdout()
	if outputPath, _ := cmd.Flags().GetString("output"); outputPath != "" {
		file, err := os.Create(outputPath)
		if err != nil {
			return exitError(exitRuntime, "creating output file: %v", err)
		}
		defer func() {
			_ = file.Close()
		}()
		out = file
	}
	return writeContent(out, content, format)
}

func requestFromFlags(cmd *cobra.Command) (core.Request, error) {
	docType, _ := cmd.Flags().GetString("type")
	company, _ := cmd.Flags().GetString("company")
	activity, _ := cmd.Flags().GetString("activity")
	sector, _ := cmd.Flags().GetString("sector")
	language, _ := cmd.Flags().GetString("language")
	jurisdiction, _ := cmd.Flags().GetString("jurisdiction")
	sourceText, _ := cmd.Flags().GetString("source-text")
	sourceFile, _ := cmd.Flags().GetString("source-file")

	if sourceFile != "" {
		if _, err := os.Stat(sourceFile); err != nil {
			return core.Request{}, exitError(exitFileNotFound, "source file: %v", err)
		}
	}

	req := core.Request{
		DocumentType:        core.DocumentType(docType),
		CompanyName:         company,
		ActivityDescription: activity,
		IndustrySector:      sector,
		Language:            language,
		Jurisdiction:        jurisdiction,
		SourceText:          sourceText,
		SourceFileName:      sourceFile,
	}
	if err := req.Validate(); err != nil {
		return core.Request{}, exitError(exitValidation, "invalid request: %v", err)
	}
	return req, nil
}

func awaitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return exitError(exitTimeout, "timed out waiting for the document")
	}
	return exitError(exitRuntime, "waiting for the document: %v", err)
}

func writeContent(w io.Writer, content engine.ContentView, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(content); err != nil {
			return exitError(exitRuntime, "encoding output: %v", err)
		}
		return nil
	}
	if _, err := fmt.Fprintln(w, content.Content); err != nil {
		return exitError(exitRuntime, "writing output: %v", err)
	}
	return nil
}
