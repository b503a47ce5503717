package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

const (
	openAIBaseURL        = "https://api.openai.com/v1"
	openAIEmbeddingModel = "text-embedding-3-small"
)

// OpenAIProvider is an OpenAI chat completions client.
type OpenAIProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a provider reading its key from apiKeyEnv.
func NewOpenAIProvider(model, apiKeyEnv string) *OpenAIProvider {
	return &OpenAIProvider{
		Model:   model,
		APIKey:  os.Getenv(apiKeyEnv),
		BaseURL: openAIBaseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

func (o *OpenAIProvider) Name() string { return "openai:" + o.Model }

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured(context.Context) bool {
	return o.APIKey != ""
}

// Generate sends a prompt to OpenAI and returns the reply.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if o.APIKey == "" {
		return "", errors.New("OpenAI API key not configured")
	}

	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  maxTokens,
		"temperature": 0,
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	url := strings.TrimRight(o.BaseURL, "/") + "/chat/completions"
	if err := postJSON(ctx, o.client, url, o.authHeader(), body, &result); err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", errors.New("no choices in OpenAI response")
	}
	return result.Choices[0].Message.Content, nil
}

func (o *OpenAIProvider) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + o.APIKey}
}

// OpenAIEmbedder generates embeddings via the OpenAI API.
type OpenAIEmbedder struct {
	OpenAIProvider
}

// NewOpenAIEmbedder creates an embedder reading its key from apiKeyEnv.
func NewOpenAIEmbedder(model, apiKeyEnv string) *OpenAIEmbedder {
	return &OpenAIEmbedder{OpenAIProvider: *NewOpenAIProvider(model, apiKeyEnv)}
}

// Embed generates embeddings for the given texts.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if e.APIKey == "" {
		return nil, errors.New("OpenAI API key not configured")
	}

	body := map[string]any{
		"model": e.Model,
		"input": texts,
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	url := strings.TrimRight(e.BaseURL, "/") + "/embeddings"
	if err := postJSON(ctx, e.client, url, e.authHeader(), body, &result); err != nil {
		return nil, fmt.Errorf("OpenAI embeddings error: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, errCountMismatch(len(texts), len(result.Data))
	}

	out := make([][]float64, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func errCountMismatch(want, got int) error {
	return fmt.Errorf("expected %d embeddings, got %d", want, got)
}
