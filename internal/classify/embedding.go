package classify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/llm"
	"github.com/TobiSchelling/phasestat/internal/phase"
)

// EmbeddingClassifier assigns the phase whose prototype texts are, on
// average, most cosine-similar to the input.
type EmbeddingClassifier struct {
	embedder      llm.Embedder
	prototypes    map[phase.Category][]string
	minSimilarity float64

	mu      sync.Mutex
	vectors map[phase.Category][][]float64
}

// NewEmbeddingClassifier creates a classifier. Every phase needs at least
// one prototype. Prototypes are embedded on first use.
func NewEmbeddingClassifier(embedder llm.Embedder, prototypes map[phase.Category][]string, minSimilarity float64) (*EmbeddingClassifier, error) {
	for _, cat := range phase.All() {
		if len(prototypes[cat]) == 0 {
			return nil, fmt.Errorf("no prototypes for %s", cat)
		}
	}
	return &EmbeddingClassifier{
		embedder:      embedder,
		prototypes:    prototypes,
		minSimilarity: minSimilarity,
	}, nil
}

func (c *EmbeddingClassifier) Name() string { return config.StrategyEmbedding }

func (c *EmbeddingClassifier) prototypeVectors(ctx context.Context) (map[phase.Category][][]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vectors != nil {
		return c.vectors, nil
	}

	var texts []string
	var owners []phase.Category
	for _, cat := range phase.All() {
		for _, p := range c.prototypes[cat] {
			texts = append(texts, p)
			owners = append(owners, cat)
		}
	}

	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding prototypes: %w", err)
	}

	out := make(map[phase.Category][][]float64)
	for i, v := range vecs {
		out[owners[i]] = append(out[owners[i]], v)
	}
	c.vectors = out
	return out, nil
}

// Classify embeds text and compares it with each phase's prototypes.
func (c *EmbeddingClassifier) Classify(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyText
	}

	protos, err := c.prototypeVectors(ctx)
	if err != nil {
		return Result{}, err
	}

	vecs, err := c.embedder.Embed(ctx, []string{text})
	if err != nil {
		return Result{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(vecs) != 1 {
		return Result{}, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	v := vecs[0]

	res := Result{Scores: make(map[phase.Category]float64, 4)}
	best := phase.Unclassified
	bestScore := -2.0
	tie := false
	for _, cat := range phase.All() {
		sum := 0.0
		for _, p := range protos[cat] {
			sum += cosine(v, p)
		}
		score := sum / float64(len(protos[cat]))
		res.Scores[cat] = score
		switch {
		case score > bestScore:
			best, bestScore, tie = cat, score, false
		case score == bestScore:
			tie = true
		}
	}

	switch {
	case bestScore < c.minSimilarity:
		res.Category = phase.Unclassified
		res.Fallback = true
		res.Reason = fmt.Sprintf("best similarity %.3f below %.3f", bestScore, c.minSimilarity)
	case tie:
		res.Category = phase.Unclassified
		res.Reason = "tie between prototypes"
	default:
		res.Category = best
	}
	return res, nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
