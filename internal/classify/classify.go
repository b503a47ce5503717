// Package classify assigns a phase to response text. Strategies are
// interchangeable behind Classifier: keyword markers, a chat model, or
// embedding similarity to prototype texts.
package classify

import (
	"context"
	"errors"
	"fmt"

	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/llm"
	"github.com/TobiSchelling/phasestat/internal/phase"
)

// ErrEmptyText is returned for empty or whitespace-only input.
var ErrEmptyText = errors.New("empty text")

// Result is the outcome of classifying one text.
type Result struct {
	Category phase.Category
	Scores   map[phase.Category]float64
	Matched  []string
	// Fallback is set when no rule picked a category and the configured
	// fallback label was used instead.
	Fallback bool
	Reason   string
}

// Classifier labels a single text. Implementations must be safe for
// concurrent use.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string) (Result, error)
}

// New builds the classifier named by cfg.Classifier.Strategy. provider
// and embedder are only needed by the strategies that use them.
func New(cfg *config.Config, provider llm.Provider, embedder llm.Embedder) (Classifier, error) {
	cl := cfg.Classifier
	switch cl.Strategy {
	case config.StrategyKeyword:
		return KeywordFromConfig(cl)
	case config.StrategyLLM:
		if provider == nil {
			return nil, fmt.Errorf("%s strategy: %w", cl.Strategy, llm.ErrNotConfigured)
		}
		return NewLLMClassifier(provider, cfg.LLM.MaxTokens), nil
	case config.StrategyEmbedding:
		if embedder == nil {
			return nil, fmt.Errorf("%s strategy: %w", cl.Strategy, llm.ErrNotConfigured)
		}
		protos, err := cl.PrototypeSet()
		if err != nil {
			return nil, err
		}
		return NewEmbeddingClassifier(embedder, protos, cl.MinSimilarity)
	default:
		return nil, fmt.Errorf("unknown classifier strategy %q", cl.Strategy)
	}
}

// FromConfig builds the configured classifier, connecting to a model
// backend only for the llm and embedding strategies.
func FromConfig(ctx context.Context, cfg *config.Config) (Classifier, error) {
	var provider llm.Provider
	var embedder llm.Embedder
	var err error
	switch cfg.Classifier.Strategy {
	case config.StrategyLLM:
		provider, err = llm.NewProvider(ctx, cfg.LLM)
	case config.StrategyEmbedding:
		embedder, err = llm.NewEmbedder(ctx, cfg.LLM)
	}
	if err != nil {
		return nil, err
	}
	return New(cfg, provider, embedder)
}

// SourceFor maps a classifier name to the label source recorded with
// its labels.
func SourceFor(name string) string {
	switch name {
	case config.StrategyLLM:
		return database.SourceLLM
	case config.StrategyEmbedding:
		return database.SourceEmbedding
	default:
		return database.SourceRule
	}
}

// RaterFor returns the rater identity under which a classifier's labels
// are stored.
func RaterFor(c Classifier) string {
	return database.AutoRaterPrefix + c.Name()
}
