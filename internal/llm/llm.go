// Package llm talks to chat and embedding models over HTTP. Ollama runs
// locally; OpenAI is the hosted alternative.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/TobiSchelling/phasestat/internal/config"
)

// ErrNotConfigured is returned when no provider is reachable.
var ErrNotConfigured = errors.New("no LLM provider available")

// Provider generates a completion for a prompt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured(ctx context.Context) bool
}

// Embedder turns texts into vectors, one per text, in input order.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

const requestTimeout = 120 * time.Second

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// NewProvider picks a chat provider from config. An "ollama" provider
// falls back to OpenAI when Ollama is not reachable.
func NewProvider(ctx context.Context, cfg config.LLM) (Provider, error) {
	if strings.EqualFold(cfg.Provider, "ollama") {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL)
		if p.IsConfigured(ctx) {
			log.Printf("Using Ollama with model: %s", cfg.Model)
			return p, nil
		}
		log.Println("Ollama not available, trying OpenAI fallback...")
	}

	p := NewOpenAIProvider(cfg.OpenAIModel, cfg.APIKeyEnv)
	if p.IsConfigured(ctx) {
		log.Printf("Using OpenAI with model: %s", cfg.OpenAIModel)
		return p, nil
	}

	return nil, fmt.Errorf("%w: check Ollama is running or set %s", ErrNotConfigured, cfg.APIKeyEnv)
}

// NewEmbedder picks an embedding backend from config, following the same
// fallback order as NewProvider.
func NewEmbedder(ctx context.Context, cfg config.LLM) (Embedder, error) {
	if strings.EqualFold(cfg.Provider, "ollama") {
		probe := NewOllamaProvider(cfg.EmbeddingModel, cfg.OllamaURL)
		if probe.IsConfigured(ctx) {
			log.Printf("Using Ollama embeddings: %s", cfg.EmbeddingModel)
			return NewOllamaEmbedder(cfg.EmbeddingModel, cfg.OllamaURL), nil
		}
	}

	e := NewOpenAIEmbedder(openAIEmbeddingModel, cfg.APIKeyEnv)
	if e.APIKey != "" {
		log.Printf("Using OpenAI embeddings: %s", e.Model)
		return e, nil
	}

	return nil, fmt.Errorf("%w: no embedding backend", ErrNotConfigured)
}
