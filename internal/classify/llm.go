package classify

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/llm"
	"github.com/TobiSchelling/phasestat/internal/phase"
)

const classifyPrompt = `You are labeling responses from a conversational AI model by conversational phase.

The phases are:
- transformation: the response reports a shift in understanding, an insight or a realization.
- generation: the response creates, drafts or builds something new.
- consumption: the response analyzes, examines or breaks down given material.
- integration: the response connects, combines or synthesizes earlier ideas.

Pick exactly one phase. If none fits, answer "unclassified".

Response:
%s

Respond with ONLY this JSON:
{
    "phase": "transformation" | "generation" | "consumption" | "integration" | "unclassified",
    "reason": "One sentence explaining your choice"
}`

const maxPromptText = 4000

// LLMClassifier asks a chat model for the phase.
type LLMClassifier struct {
	provider  llm.Provider
	maxTokens int
}

// NewLLMClassifier creates a classifier backed by provider.
func NewLLMClassifier(provider llm.Provider, maxTokens int) *LLMClassifier {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &LLMClassifier{provider: provider, maxTokens: maxTokens}
}

func (c *LLMClassifier) Name() string { return config.StrategyLLM }

// Classify sends text to the model. A reply that cannot be parsed or
// names no known phase is an unclassified fallback, not an error.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	text = truncate(text, maxPromptText)

	reply, err := c.provider.Generate(ctx, fmt.Sprintf(classifyPrompt, text), c.maxTokens)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", c.provider.Name(), err)
	}

	var parsed struct {
		Phase  string `json:"phase"`
		Reason string `json:"reason"`
	}
	if err := llm.ParseJSONResponse(reply, &parsed); err != nil {
		return Result{Category: phase.Unclassified, Fallback: true, Reason: "unparseable reply"}, nil
	}

	cat, err := phase.Parse(parsed.Phase)
	if err != nil {
		return Result{
			Category: phase.Unclassified,
			Fallback: true,
			Reason:   fmt.Sprintf("unknown phase %q", parsed.Phase),
		}, nil
	}
	return Result{
		Category: cat,
		Fallback: cat == phase.Unclassified,
		Reason:   parsed.Reason,
	}, nil
}

// truncate cuts text to at most limit bytes without splitting a rune and
// marks the cut with "...".
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
