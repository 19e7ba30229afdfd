package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"EventLens/internal/config"
)

func init() {
	RegisterProvider("ollama", newOllamaProvider)
}

type ollamaProvider struct {
	client *api.Client
	model  string
}

func newOllamaProvider(cfg config.EmbeddingConfig) (Provider, error) {
	oc := cfg.Ollama
	base := strings.TrimSpace(oc.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("embedding: ollama base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("embedding: ollama base_url: %w", err)
	}
	model := strings.TrimSpace(oc.Model)
	if model == "" {
		return nil, fmt.Errorf("embedding: ollama model is required")
	}

	httpClient := &http.Client{Timeout: config.DurationOr(oc.Timeout, 30*time.Second)}
	return &ollamaProvider{
		client: api.NewClient(u, httpClient),
		model:  model,
	}, nil
}

func (p *ollamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: ollama request: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embedding: ollama returned no vector")
	}
	return resp.Embeddings[0], nil
}

func (p *ollamaProvider) Close() error {
	return nil
}
