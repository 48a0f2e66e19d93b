package content

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"fitgen/internal/llm"
	"fitgen/internal/metrics"
	"fitgen/internal/query"
	"fitgen/internal/shared"
)

//go:embed analyzer_prompt.md
var analyzerPrompt string

const analystSystemPrompt = `You are a registered dietitian estimating nutrition from meal photos.
You answer with JSON only.`

var analyzerTemplate = template.Must(template.New("analyzer").Parse(analyzerPrompt))

// ErrUnsupportedImage is returned for uploads that are not an image.
var ErrUnsupportedImage = errors.New("unsupported image")

// AnalyzeRequest is a meal photo to estimate.
type AnalyzeRequest struct {
	Image []byte
	// MIME is sniffed from Image when empty.
	MIME string
	Note string
}

// MealAnalyzer estimates the dish and macros shown in a photo.
type MealAnalyzer struct {
	textGen  llm.TextGenerator
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewMealAnalyzer creates an analyzer. recorder may be nil.
func NewMealAnalyzer(textGen llm.TextGenerator, recorder metrics.Recorder, logger *slog.Logger) *MealAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MealAnalyzer{textGen: textGen, recorder: recorder, logger: logger}
}

// Analyze returns the estimated item. The result is never persisted, so it
// has no ID.
func (a *MealAnalyzer) Analyze(ctx context.Context, req AnalyzeRequest) (Item, error) {
	mime, err := imageMIME(req)
	if err != nil {
		return Item{}, query.Permanent(err)
	}

	var buf bytes.Buffer
	if err := analyzerTemplate.Execute(&buf, req); err != nil {
		return Item{}, query.Permanent(fmt.Errorf("failed to render analyzer prompt: %w", err))
	}

	start := time.Now()
	resp, err := a.textGen.GenerateContent(ctx, llm.Prompt{
		SystemPrompt: analystSystemPrompt,
		UserPrompt:   buf.String(),
		JSON:         true,
		Image:        req.Image,
		ImageMIME:    mime,
	})
	if err != nil {
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return Item{}, query.Permanent(err)
		}
		return Item{}, err
	}
	if a.recorder != nil {
		meta := shared.AgentMeta{AgentName: "meal-analyst", Usage: resp.Usage, Latency: time.Since(start)}
		if err := a.recorder.RecordMeta(ctx, meta); err != nil {
			a.logger.Warn("failed to record analysis usage", "error", err)
		}
	}

	items, err := ParseItems(resp.Content)
	if err != nil {
		return Item{}, err
	}
	it := items[0]
	it.Provenance = ProvenanceGenerated
	it.Macros = it.Macros.Sanitize()
	return it, nil
}

func imageMIME(req AnalyzeRequest) (string, error) {
	if len(req.Image) == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrUnsupportedImage)
	}
	mime := strings.ToLower(strings.TrimSpace(req.MIME))
	if mime == "" {
		mime = http.DetectContentType(req.Image)
	}
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, mime)
	}
	return mime, nil
}
