// Package compose produces candidate answers from an evidence pack,
// either extractively or through a generation model, and builds the
// prompts and answers used during refinement passes.
package compose

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"veritor/internal/config"
	"veritor/internal/logging"
	"veritor/internal/retrieval"
)

const systemPrompt = "You are a grounded question-answering agent. Provide concise, " +
	"evidence-grounded answers that cite sources using bracketed indices (e.g., [1]). " +
	"Never fabricate citations. If evidence is insufficient, explain what is missing " +
	"and signal the gap."

// Meta describes how an answer was produced.
type Meta struct {
	Mode   string   `json:"mode"`  // genai, extractive, fallback
	Model  string   `json:"model"`
	Tokens []string `json:"tokens"`
}

// Composer produces a candidate answer for a question given retrieved
// evidence and optional operator instructions.
type Composer interface {
	Compose(ctx context.Context, question string, pack []retrieval.Evidence, instructions string) (string, Meta, error)
}

// New selects a composer from configuration. The genai provider degrades
// to the extractive composer when the client cannot be constructed.
func New(cfg config.GenerationConfig) Composer {
	if cfg.Provider == "genai" {
		c, err := NewGenAIComposer(cfg.Model)
		if err == nil {
			return c
		}
		logging.Named("compose").Warn("genai_unavailable", zap.Error(err))
	}
	return &ExtractiveComposer{}
}

// ExtractiveComposer assembles an answer directly from the top evidence
// items. It never calls out and is the deterministic default.
type ExtractiveComposer struct{}

// Compose builds a short grounded paragraph from up to three pack items,
// citing each with its bracketed index.
func (c *ExtractiveComposer) Compose(_ context.Context, question string, pack []retrieval.Evidence, _ string) (string, Meta, error) {
	_ = question
	if len(pack) == 0 {
		text := "I do not have grounded evidence yet; need more context or documents."
		return text, Meta{Mode: "extractive", Model: "heuristic", Tokens: strings.Fields(text)}, nil
	}
	var parts []string
	var sources []string
	for i, item := range pack {
		if i >= 3 {
			break
		}
		snippet := SummarizeSnippet(item.Snippet)
		parts = append(parts, fmt.Sprintf("%s [%d]", snippet, i+1))
		if src := evidenceSource(item); src != "" {
			sources = append(sources, fmt.Sprintf("[%d] %s", i+1, src))
		}
	}
	text := strings.Join(parts, " ")
	if len(sources) > 0 {
		text += " Sources: " + strings.Join(sources, "; ") + "."
	}
	return text, Meta{Mode: "extractive", Model: "heuristic", Tokens: strings.Fields(text)}, nil
}

// GenAIComposer generates answers with a Gemini model and degrades to the
// extractive composer when generation fails.
type GenAIComposer struct {
	client   *genai.Client
	model    string
	fallback ExtractiveComposer
	logger   *zap.Logger
}

// NewGenAIComposer creates the model-backed composer. The client reads
// GEMINI_API_KEY from the environment.
func NewGenAIComposer(model string) (*GenAIComposer, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIComposer{client: client, model: model, logger: logging.Named("compose")}, nil
}

// Compose queries the model with a numbered-evidence prompt. A generation
// error falls back to the extractive path rather than failing the turn.
func (c *GenAIComposer) Compose(ctx context.Context, question string, pack []retrieval.Evidence, instructions string) (string, Meta, error) {
	prompt := BuildAnswerPrompt(question, pack, instructions)
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			Temperature: genai.Ptr[float32](0.2),
		},
	)
	if err == nil {
		text := strings.TrimSpace(resp.Text())
		if text != "" {
			return text, Meta{Mode: "genai", Model: c.model, Tokens: strings.Fields(text)}, nil
		}
		err = fmt.Errorf("empty model response")
	}
	c.logger.Warn("compose_fallback", zap.Error(err), zap.String("model", c.model))
	text, meta, ferr := c.fallback.Compose(ctx, question, pack, instructions)
	meta.Mode = "fallback"
	return text, meta, ferr
}

// BuildAnswerPrompt renders the numbered-evidence generation prompt.
func BuildAnswerPrompt(question string, pack []retrieval.Evidence, instructions string) string {
	var lines []string
	for i, item := range pack {
		if i >= 5 {
			break
		}
		snippet := SummarizeSnippet(item.Snippet)
		if src := evidenceSource(item); src != "" {
			lines = append(lines, fmt.Sprintf("%d. %s (source: %s)", i+1, snippet, src))
		} else {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, snippet))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "No external evidence retrieved.")
	}
	q := strings.TrimSpace(question)
	if q == "" {
		q = "[blank]"
	}
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nQuestion:\n")
	b.WriteString(q)
	b.WriteString("\n\nGrounding evidence:\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\nRespond with a concise paragraph that answers the question, cites supporting evidence ")
	b.WriteString("using [index] notation, and clearly calls out missing information when the evidence is insufficient.")
	if extra := strings.TrimSpace(instructions); extra != "" {
		b.WriteString("\nAdditional operator guidance:\n")
		b.WriteString(extra)
	}
	return b.String()
}

// SummarizeSnippet trims a snippet to a prompt-friendly length.
func SummarizeSnippet(snippet string) string {
	text := strings.TrimSpace(snippet)
	if len(text) > 240 {
		text = strings.TrimRight(text[:237], " ") + "..."
	}
	if text == "" {
		return "Evidence retrieved but snippet was empty."
	}
	return text
}

func evidenceSource(item retrieval.Evidence) string {
	if item.URL != "" {
		return item.URL
	}
	if item.Title != "" {
		return item.Title
	}
	return item.Source
}
