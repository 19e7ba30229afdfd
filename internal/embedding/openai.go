package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"EventLens/internal/config"
)

const defaultOpenAIEmbeddingModel = "text-embedding-3-small"

func init() {
	RegisterProvider("openai", newOpenAIProvider)
}

type openAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

func newOpenAIProvider(cfg config.EmbeddingConfig) (Provider, error) {
	oc := cfg.OpenAI
	clientCfg := openai.DefaultConfig(strings.TrimSpace(oc.APIKey))
	if base := strings.TrimSpace(oc.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: config.DurationOr(oc.Timeout, 30*time.Second)}

	model := strings.TrimSpace(oc.Model)
	if model == "" {
		model = defaultOpenAIEmbeddingModel
	}

	return &openAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(model),
		dimensions: cfg.Dimensions,
	}, nil
}

func (p *openAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: p.model,
	}
	// Only the text-embedding-3 family accepts a reduced dimension.
	if p.dimensions > 0 && strings.HasPrefix(string(p.model), "text-embedding-3") {
		req.Dimensions = p.dimensions
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("embedding: openai request: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding: openai returned no vector")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	copy(vec, resp.Data[0].Embedding)
	return vec, nil
}

func (p *openAIProvider) Close() error {
	return nil
}
