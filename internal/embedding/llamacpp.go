package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"EventLens/internal/config"
)

// llamaCppEmbedder calls the /embedding endpoint of a llama.cpp server.
// Failures are returned bare; Guard classifies them.
type llamaCppEmbedder struct {
	endpoint string
	model    string
	timeout  time.Duration
	http     *http.Client
}

func newLlamaCppProvider(cfg config.LlamaCppEmbeddingConfig) (Provider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("embedding: llamacpp base_url is required")
	}
	return &llamaCppEmbedder{
		endpoint: base + "/embedding",
		model:    strings.TrimSpace(cfg.Model),
		timeout:  config.DurationOr(cfg.Timeout, 30*time.Second),
		http:     &http.Client{},
	}, nil
}

type llamaCppRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

func (p *llamaCppEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	body, err := json.Marshal(llamaCppRequest{Content: text, Model: p.model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llamacpp embedding: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("llamacpp embedding: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded llamaCppResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("llamacpp embedding: malformed response: %w", err)
	}
	return decoded.vector()
}

func (p *llamaCppEmbedder) Close() error {
	p.http.CloseIdleConnections()
	return nil
}

// llama.cpp answers {"embedding": [...]}, a per-token matrix under the same
// key whose first row is pooled, or the OpenAI shape {"data": [{...}]}.
type llamaCppResponse struct {
	Embedding json.RawMessage `json:"embedding"`
	Data      []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

var errNoVector = errors.New("llamacpp embedding: response carried no vector")

func (r llamaCppResponse) vector() ([]float32, error) {
	if len(r.Embedding) > 0 {
		var flat []float32
		if json.Unmarshal(r.Embedding, &flat) == nil && len(flat) > 0 {
			return flat, nil
		}
		var rows [][]float32
		if json.Unmarshal(r.Embedding, &rows) == nil && len(rows) > 0 && len(rows[0]) > 0 {
			return rows[0], nil
		}
	}
	if len(r.Data) > 0 && len(r.Data[0].Embedding) > 0 {
		return r.Data[0].Embedding, nil
	}
	return nil, errNoVector
}
