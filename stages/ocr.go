package stages

import (
	"context"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/privacypoint/docflow/core"
)

// TextExtractor turns an uploaded file into machine-readable text.
type TextExtractor func(ctx context.Context, fileName string) (string, error)

// FileExtractor reads the file from disk as-is. Production deployments
// replace it with a real OCR backend via WithExtractor.
func FileExtractor(_ context.Context, fileName string) (string, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", os.ErrInvalid
	}
	return string(data), nil
}

// NewOCR builds the text extraction capability. The pipeline only routes
// to it when the request carries a file instead of digital text.
func NewOCR(extract TextExtractor) core.Capability {
	return core.CapabilityFunc(func(ctx context.Context, snap *core.Snapshot) (core.Payload, error) {
		fileName := snap.Request.SourceFileName
		if fileName == "" {
			return nil, core.Permanentf(core.StageOCR, "no source file to extract")
		}

		text, err := extract(ctx, fileName)
		if err != nil {
			if ctx.Err() != nil {
				return nil, core.Transientf(core.StageOCR, "extraction interrupted: %v", err)
			}
			return nil, core.Permanentf(core.StageOCR, "extract %s: %v", fileName, err)
		}

		text = strings.TrimSpace(text)
		if text == "" {
			return nil, core.Permanentf(core.StageOCR, "file %s yielded no text", fileName)
		}

		return core.Payload{
			"text":        text,
			"source_file": fileName,
			"char_count":  len(text),
		}, nil
	})
}
