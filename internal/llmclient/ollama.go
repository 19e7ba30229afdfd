package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"EventLens/internal/config"
	"EventLens/internal/runtime"
)

func init() {
	runtime.Register("ollama", newOllamaAdapter)
}

// OllamaAdapter generates through a local Ollama server.
type OllamaAdapter struct {
	client   *api.Client
	model    string
	defaults runtime.GenerationOptions
}

func newOllamaAdapter(cfg config.RuntimeConfig) (runtime.Adapter, error) {
	oc := cfg.Ollama
	base := strings.TrimSpace(oc.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("llmclient: ollama backend requires base_url")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("llmclient: ollama base_url: %w", err)
	}
	model := strings.TrimSpace(oc.Model)
	if model == "" {
		return nil, fmt.Errorf("llmclient: ollama backend requires a model")
	}

	httpClient := &http.Client{Timeout: config.DurationOr(oc.Timeout, 60*time.Second)}
	return &OllamaAdapter{
		client:   api.NewClient(u, httpClient),
		model:    model,
		defaults: defaultsFrom(cfg),
	}, nil
}

func (a *OllamaAdapter) Name() string { return "ollama" }

func (a *OllamaAdapter) Close() error { return nil }

func (a *OllamaAdapter) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	options := mergeOptions(a.defaults, req.Options)

	opts := map[string]any{}
	if options.MaxTokens > 0 {
		opts["num_predict"] = options.MaxTokens
	}
	if options.Temperature > 0 {
		opts["temperature"] = options.Temperature
	}
	if options.TopP > 0 {
		opts["top_p"] = options.TopP
	}
	if len(options.Stop) > 0 {
		opts["stop"] = options.Stop
	}

	stream := false
	var (
		text strings.Builder
		last api.GenerateResponse
	)
	err := a.client.Generate(ctx, &api.GenerateRequest{
		Model:   a.model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  &stream,
		Options: opts,
	}, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		last = resp
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return runtime.Response{}, &runtime.StatusError{Backend: "ollama", Code: statusErr.StatusCode, Body: statusErr.ErrorMessage}
		}
		return runtime.Response{}, err
	}

	return runtime.Response{
		Text: text.String(),
		Stats: runtime.Stats{
			TokensEvaluated: last.PromptEvalCount,
			TokensGenerated: last.EvalCount,
			Duration:        last.TotalDuration,
		},
		Finish: last.DoneReason,
	}, nil
}
