// Package client talks to a running EventLens server.
package client

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

	"EventLens/internal/events"
	"EventLens/internal/pipeline"
	"EventLens/server"
)

// APIError is a non-success reply from the server.
type APIError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eventlens server returned %d (%s): %s", e.Status, e.Kind, e.Msg)
}

type HTTPClient struct {
	BaseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health checks the server and returns its generation backend.
func (c *HTTPClient) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *HTTPClient) Enrich(ctx context.Context, s events.Session) ([]events.EnrichedEvent, error) {
	var out server.EnrichResponse
	err := c.do(ctx, http.MethodPost, "/v1/enrich", server.SessionRequest{DistinctID: s.DistinctID, Events: s.Events}, &out)
	return out.Events, err
}

func (c *HTTPClient) Summarize(ctx context.Context, s events.Session, maxWords int) (pipeline.Result, error) {
	var out pipeline.Result
	err := c.do(ctx, http.MethodPost, "/v1/summarize", server.SessionRequest{
		DistinctID: s.DistinctID,
		Events:     s.Events,
		MaxWords:   maxWords,
	}, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(data))}
		var er server.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Kind, apiErr.Msg = er.Kind, er.Error
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// IsUnavailable reports whether err means the server's catalog index is down.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == "index_unavailable"
}
