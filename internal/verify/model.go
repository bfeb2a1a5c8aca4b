package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"veritor/internal/logging"
)

// GenAIVerifier asks a Gemini model for a structured second opinion. The
// model must answer with a JSON object {score, issues, needs_fix}. A
// malformed response is retried once; a second malformed response yields a
// degenerate result that forces another refinement pass.
type GenAIVerifier struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGenAIVerifier creates the model-backed verifier. The client reads
// GEMINI_API_KEY from the environment.
func NewGenAIVerifier(model string) (*GenAIVerifier, error) {
	if model == "" {
		model = "gemini-3-flash-preview"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIVerifier{client: client, model: model, logger: logging.Named("verifier")}, nil
}

type modelResponse struct {
	Score    float64  `json:"score"`
	Issues   []string `json:"issues"`
	NeedsFix bool     `json:"needs_fix"`
}

// Evaluate queries the model. Transport errors return (nil, err) so the
// caller falls back to the rule engine alone; malformed output after a
// retry returns the degenerate result.
func (v *GenAIVerifier) Evaluate(ctx context.Context, question, answer string) (*Result, error) {
	prompt := buildVerifierPrompt(question, answer)
	for attempt := 0; attempt < 2; attempt++ {
		text, err := v.generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		if result, ok := parseModelResponse(text); ok {
			return result, nil
		}
		v.logger.Warn("verifier_model_malformed", zap.Int("attempt", attempt+1))
	}
	return &Result{
		S2:       0.2,
		Issues:   []Issue{{Kind: KindDegenerate, Detail: "malformed verifier output twice"}},
		NeedsFix: true,
	}, nil
}

func (v *GenAIVerifier) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := v.client.Models.GenerateContent(ctx, v.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			Temperature:      genai.Ptr[float32](0),
			ResponseMIMEType: "application/json",
		},
	)
	if err != nil {
		return "", fmt.Errorf("verifier generate failed: %w", err)
	}
	return resp.Text(), nil
}

func parseModelResponse(text string) (*Result, bool) {
	text = strings.TrimSpace(text)
	// Tolerate fenced output.
	if strings.HasPrefix(text, "```") {
		text = strings.Trim(text, "`")
		text = strings.TrimPrefix(text, "json")
		text = strings.TrimSpace(text)
	}
	var raw modelResponse
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	if raw.Score < 0 || raw.Score > 1 {
		return nil, false
	}
	result := &Result{S2: raw.Score, NeedsFix: raw.NeedsFix}
	for _, issue := range raw.Issues {
		if issue = strings.TrimSpace(issue); issue != "" {
			result.Issues = append(result.Issues, Issue{Kind: KindUnsupportedClaim, Detail: issue})
		}
	}
	if len(result.Issues) > 0 {
		result.NeedsFix = true
	}
	return result, true
}

func buildVerifierPrompt(question, answer string) string {
	q := strings.TrimSpace(question)
	if q == "" {
		q = "[blank]"
	}
	a := strings.TrimSpace(answer)
	if a == "" {
		a = "[blank]"
	}
	var b strings.Builder
	b.WriteString("You are a structured verifier. Evaluate the assistant answer for correctness, grounding, and completeness.\n\n")
	b.WriteString("Question:\n")
	b.WriteString(q)
	b.WriteString("\n\nAssistant answer:\n")
	b.WriteString(a)
	b.WriteString("\n\nReturn only a JSON object with fields:\n")
	b.WriteString("- score: number in [0,1], near 1.0 when the answer is correct, grounded, and complete\n")
	b.WriteString("- issues: list of short strings (<=10 words each) naming missing citations, numbers, or unsupported logic\n")
	b.WriteString("- needs_fix: boolean, true when any blocking issue remains\n")
	return b.String()
}
