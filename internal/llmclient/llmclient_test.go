package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EventLens/internal/config"
	"EventLens/internal/runtime"
)

func TestHTTPAdapterGenerate(t *testing.T) {
	var got CompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/completion", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(CompletionResponse{Content: "A short story.", Stop: true, StopType: "eos", TokensPredicted: 4})
	}))
	defer srv.Close()

	mgr, err := runtime.NewManager(config.RuntimeConfig{
		Backend:  "http",
		HTTP:     config.HTTPBackendConfig{BaseURL: srv.URL},
		Defaults: config.GenerationDefaults{MaxTokens: 512, Temperature: 0.7},
	}, runtime.DefaultRegistry, nil)
	require.NoError(t, err)
	defer mgr.Close()

	resp, err := mgr.Generate(context.Background(), runtime.Request{
		System:  "Be brief.",
		Prompt:  "Summarize.",
		Options: runtime.GenerationOptions{MaxTokens: 80},
	})
	require.NoError(t, err)
	assert.Equal(t, "A short story.", resp.Text)
	assert.Equal(t, 4, resp.Stats.TokensGenerated)
	assert.Equal(t, 80, got.NPredict)
	assert.Equal(t, 0.7, got.Temperature)
	assert.False(t, got.Stream)
	assert.Equal(t, "Be brief.\n\nSummarize.", got.Prompt)
}

func TestHTTPAdapterStatusErrors(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"busy"}`, int(code.Load()))
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, 0, runtime.GenerationOptions{})
	_, err := a.Generate(context.Background(), runtime.Request{Prompt: "x"})
	assert.ErrorIs(t, err, runtime.ErrRateLimited)
	assert.ErrorIs(t, err, runtime.ErrGenerationFailure)

	code.Store(http.StatusServiceUnavailable)
	_, err = a.Generate(context.Background(), runtime.Request{Prompt: "x"})
	assert.ErrorIs(t, err, runtime.ErrGenerationFailure)
	assert.NotErrorIs(t, err, runtime.ErrRateLimited)
}

func TestOpenAIAdapter(t *testing.T) {
	var limited atomic.Bool
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if limited.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"User bought a thing."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`))
	}))
	defer srv.Close()

	mgr, err := runtime.NewManager(config.RuntimeConfig{
		Backend: "openai",
		OpenAI:  config.OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "gpt-test"},
	}, runtime.DefaultRegistry, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", mgr.Backend())

	resp, err := mgr.Generate(context.Background(), runtime.Request{System: "sys", Prompt: "events"})
	require.NoError(t, err)
	assert.Equal(t, "User bought a thing.", resp.Text)
	assert.Equal(t, "stop", resp.Finish)
	assert.Equal(t, 5, resp.Stats.TokensGenerated)
	assert.Equal(t, "gpt-test", body["model"])
	assert.Len(t, body["messages"], 2)

	limited.Store(true)
	_, err = mgr.Generate(context.Background(), runtime.Request{Prompt: "events"})
	assert.ErrorIs(t, err, runtime.ErrRateLimited)
}

func TestOllamaAdapter(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.2","response":"Opened the app.","done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":4}` + "\n"))
	}))
	defer srv.Close()

	a, err := newOllamaAdapter(config.RuntimeConfig{
		Ollama: config.OllamaConfig{BaseURL: srv.URL, Model: "llama3.2"},
	})
	require.NoError(t, err)

	resp, err := a.Generate(context.Background(), runtime.Request{Prompt: "p", Options: runtime.GenerationOptions{MaxTokens: 64}})
	require.NoError(t, err)
	assert.Equal(t, "Opened the app.", resp.Text)
	assert.Equal(t, 4, resp.Stats.TokensGenerated)
	assert.Equal(t, false, body["stream"])
	opts, ok := body["options"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 64, opts["num_predict"])
}

func TestOllamaAdapterRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many requests"}`))
	}))
	defer srv.Close()

	a, err := newOllamaAdapter(config.RuntimeConfig{Ollama: config.OllamaConfig{BaseURL: srv.URL, Model: "m"}})
	require.NoError(t, err)
	_, err = a.Generate(context.Background(), runtime.Request{Prompt: "p"})
	assert.ErrorIs(t, err, runtime.ErrRateLimited)
}

func TestUnknownBackend(t *testing.T) {
	_, err := runtime.NewManager(config.RuntimeConfig{Backend: "nope"}, runtime.DefaultRegistry, nil)
	assert.Error(t, err)
	assert.Subset(t, runtime.Backends(), []string{"http", "ollama", "openai"})
}
