package content

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"fitgen/internal/llm"
	"fitgen/internal/metrics"
	"fitgen/internal/query"
	"fitgen/internal/shared"
)

//go:embed generator_prompt.md
var generatorPrompt string

const systemPrompt = `You are a registered dietitian who writes practical, home-cookable meals and snacks.
You answer with JSON only. Nutrition values are your best per-serving estimate.`

var promptTemplate = template.Must(template.New("generator").
	Funcs(template.FuncMap{"join": func(s []string) string { return strings.Join(s, ", ") }}).
	Parse(generatorPrompt))

// GenerateRequest asks the generation service for Count new items.
type GenerateRequest struct {
	Type           Type
	TargetCalories float64
	Tolerance      float64
	DayNumber      int
	Count          int
	Profile        Profile
	// Avoid lists names already in the result set.
	Avoid []string
}

// Generator produces new content items.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]Item, error)
}

// LLMGenerator builds a prompt from the request and parses the structured reply.
type LLMGenerator struct {
	textGen  llm.TextGenerator
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewLLMGenerator creates a generator. recorder may be nil.
func NewLLMGenerator(textGen llm.TextGenerator, recorder metrics.Recorder, logger *slog.Logger) *LLMGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMGenerator{textGen: textGen, recorder: recorder, logger: logger}
}

func (g *LLMGenerator) Generate(ctx context.Context, req GenerateRequest) ([]Item, error) {
	if req.Count < 1 {
		req.Count = 1
	}
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, query.Permanent(err)
	}

	start := time.Now()
	resp, err := g.textGen.GenerateContent(ctx, llm.Prompt{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		JSON:         true,
	})
	if err != nil {
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, query.Permanent(err)
		}
		return nil, err
	}
	g.record(ctx, shared.AgentMeta{AgentName: "content-generator", Usage: resp.Usage, Latency: time.Since(start)})

	items, err := ParseItems(resp.Content)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Type = req.Type
		items[i].DayNumber = req.DayNumber
	}
	if len(items) > req.Count {
		items = items[:req.Count]
	}
	return items, nil
}

func (g *LLMGenerator) record(ctx context.Context, meta shared.AgentMeta) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.RecordMeta(ctx, meta); err != nil {
		g.logger.Warn("failed to record generation usage", "error", err)
	}
}

func buildPrompt(req GenerateRequest) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("failed to render generator prompt: %w", err)
	}
	return buf.String(), nil
}
