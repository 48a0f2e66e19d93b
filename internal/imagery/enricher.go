package imagery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// BestEffort is the outcome of an enrichment. URL is empty when nothing could
// be produced; Ignored holds the error that was swallowed, if any.
type BestEffort struct {
	URL     string
	Ignored error
}

// OK reports whether an image URL is available.
func (b BestEffort) OK() bool { return b.URL != "" }

type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

type uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Enricher makes a single image-service call per item, without retries.
type Enricher struct {
	client   generator
	uploader uploader
	logger   *slog.Logger
}

// NewEnricher creates an enricher. A nil uploader keeps provider URLs as-is.
func NewEnricher(client *Client, up *Uploader, logger *slog.Logger) *Enricher {
	e := &Enricher{logger: logger}
	if client != nil {
		e.client = client
	}
	if up != nil {
		e.uploader = up
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Enrich returns an image URL for a dish. It never returns an error.
func (e *Enricher) Enrich(ctx context.Context, name string, hints []string) BestEffort {
	if e == nil || e.client == nil {
		return BestEffort{}
	}

	url, err := e.client.Generate(ctx, buildPrompt(name, hints))
	if err != nil {
		e.logger.Warn("image enrichment skipped", "name", name, "error", err)
		return BestEffort{Ignored: err}
	}
	if e.uploader == nil {
		return BestEffort{URL: url}
	}

	data, mime, err := e.client.Download(ctx, url)
	if err != nil {
		e.logger.Warn("image re-hosting skipped", "name", name, "error", err)
		return BestEffort{URL: url, Ignored: err}
	}
	hosted, err := e.uploader.Upload(ctx, data, mime)
	if err != nil {
		e.logger.Warn("image re-hosting skipped", "name", name, "error", err)
		return BestEffort{URL: url, Ignored: err}
	}
	return BestEffort{URL: hosted}
}

func buildPrompt(name string, hints []string) string {
	if len(hints) > 5 {
		hints = hints[:5]
	}
	prompt := fmt.Sprintf("Appetizing overhead food photograph of %s, natural light, plated for one", name)
	if len(hints) > 0 {
		prompt += ", made with " + strings.Join(hints, ", ")
	}
	return prompt
}
