// Package llmclient holds the runtime adapters for llama.cpp, OpenAI
// compatible and Ollama completion backends.
package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"EventLens/internal/config"
	"EventLens/internal/runtime"
)

func init() {
	runtime.Register("http", newHTTPAdapter)
	runtime.Register("llamacpp", newHTTPAdapter)
}

func newHTTPAdapter(cfg config.RuntimeConfig) (runtime.Adapter, error) {
	baseURL := strings.TrimSpace(cfg.HTTP.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("llmclient: http backend requires base_url")
	}

	timeout := 60 * time.Second
	if cfg.HTTP.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.HTTP.Timeout)
		if err != nil {
			return nil, fmt.Errorf("llmclient: invalid http timeout %q: %w", cfg.HTTP.Timeout, err)
		}
		timeout = parsed
	}

	return NewAdapter(baseURL, timeout, defaultsFrom(cfg)), nil
}

func defaultsFrom(cfg config.RuntimeConfig) runtime.GenerationOptions {
	return runtime.GenerationOptions{
		MaxTokens:   cfg.Defaults.MaxTokens,
		Temperature: cfg.Defaults.Temperature,
		TopP:        cfg.Defaults.TopP,
		Stop:        append([]string(nil), cfg.Defaults.Stop...),
	}
}

// Adapter bridges the generic runtime interface with the llama.cpp completion API.
type Adapter struct {
	client   *Client
	defaults runtime.GenerationOptions
}

// NewAdapter constructs an HTTP adapter with global default options.
func NewAdapter(baseURL string, timeout time.Duration, defaults runtime.GenerationOptions) *Adapter {
	return &Adapter{
		client:   NewClientWithTimeout(baseURL, timeout),
		defaults: defaults,
	}
}

// Name returns the adapter label.
func (a *Adapter) Name() string { return "http" }

// Close releases underlying resources.
func (a *Adapter) Close() error { return nil }

// Generate performs a blocking completion request.
func (a *Adapter) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	options := mergeOptions(a.defaults, req.Options)

	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}

	resp, err := a.client.Generate(ctx, CompletionRequest{
		Prompt:      prompt,
		NPredict:    options.MaxTokens,
		Temperature: options.Temperature,
		TopP:        options.TopP,
		Stream:      false,
		CachePrompt: true,
		Stop:        options.Stop,
	})
	if err != nil {
		return runtime.Response{}, err
	}

	return runtime.Response{
		Text: resp.Content,
		Stats: runtime.Stats{
			TokensEvaluated: resp.TokensEvaluated,
			TokensGenerated: resp.TokensPredicted,
		},
		Finish: resp.StopType,
	}, nil
}

func mergeOptions(base, override runtime.GenerationOptions) runtime.GenerationOptions {
	result := base

	if override.MaxTokens != 0 {
		result.MaxTokens = override.MaxTokens
	}
	if override.Temperature != 0 {
		result.Temperature = override.Temperature
	}
	if override.TopP != 0 {
		result.TopP = override.TopP
	}
	if len(override.Stop) > 0 {
		result.Stop = append([]string(nil), override.Stop...)
	}

	return result
}
