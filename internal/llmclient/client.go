package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"EventLens/internal/runtime"
)

// CompletionRequest represents the request structure for llama.cpp /completion endpoint
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stream      bool     `json:"stream"`
	Stop        []string `json:"stop,omitempty"`
	CachePrompt bool     `json:"cache_prompt"`
}

type CompletionResponse struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	Model           string `json:"model"`
	StopType        string `json:"stop_type"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Truncated       bool   `json:"truncated"`
}

type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClientWithTimeout constructs a client using the provided timeout for HTTP requests.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Generate(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	url := fmt.Sprintf("%s/completion", c.BaseURL)
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return CompletionResponse{}, &runtime.StatusError{
			Backend: "llama.cpp",
			Code:    resp.StatusCode,
			Body:    strings.TrimSpace(string(respBodyBytes)),
		}
	}

	var respBody CompletionResponse
	if err := json.Unmarshal(respBodyBytes, &respBody); err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return respBody, nil
}
