package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"EventLens/internal/config"
	"EventLens/internal/runtime"
)

func init() {
	runtime.Register("openai", newOpenAIAdapter)
}

// OpenAIAdapter generates through any OpenAI compatible chat completion API.
type OpenAIAdapter struct {
	client   *openai.Client
	model    string
	defaults runtime.GenerationOptions
}

func newOpenAIAdapter(cfg config.RuntimeConfig) (runtime.Adapter, error) {
	oc := cfg.OpenAI
	model := strings.TrimSpace(oc.Model)
	if model == "" {
		return nil, fmt.Errorf("llmclient: openai backend requires a model")
	}
	clientCfg := openai.DefaultConfig(strings.TrimSpace(oc.APIKey))
	if base := strings.TrimSpace(oc.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: config.DurationOr(oc.Timeout, 60*time.Second)}

	return &OpenAIAdapter{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		defaults: defaultsFrom(cfg),
	}, nil
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Close() error { return nil }

func (a *OpenAIAdapter) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	options := mergeOptions(a.defaults, req.Options)

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		MaxTokens:   options.MaxTokens,
		Temperature: float32(options.Temperature),
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	})
	if err != nil {
		return runtime.Response{}, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return runtime.Response{}, fmt.Errorf("%w: openai returned no choices", runtime.ErrGenerationFailure)
	}

	choice := resp.Choices[0]
	return runtime.Response{
		Text: choice.Message.Content,
		Stats: runtime.Stats{
			TokensEvaluated: resp.Usage.PromptTokens,
			TokensGenerated: resp.Usage.CompletionTokens,
		},
		Finish: string(choice.FinishReason),
	}, nil
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &runtime.StatusError{Backend: "openai", Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &runtime.StatusError{Backend: "openai", Code: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}
