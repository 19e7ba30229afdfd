package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrGenerationFailure marks any backend failure to produce text.
	ErrGenerationFailure = errors.New("runtime: generation failed")
	// ErrRateLimited marks a backend refusing the request for quota reasons.
	// It always wraps ErrGenerationFailure as well.
	ErrRateLimited = errors.New("runtime: rate limited")
)

// Request captures a model prompt along with tunable generation options.
type Request struct {
	Prompt string
	// System is an optional instruction prepended by chat-style backends.
	System  string
	Options GenerationOptions
}

// GenerationOptions maps to the inference controls every backend understands.
type GenerationOptions struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
}

// Response contains the final text plus optional statistics.
type Response struct {
	Text   string
	Stats  Stats
	Finish string
}

// Stats summarises runtime execution characteristics.
type Stats struct {
	TokensEvaluated int
	TokensGenerated int
	Duration        time.Duration
}

// Adapter is the contract runtime backends must implement.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
	Close() error
}

// StatusError reports a non-success reply from a backend.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Backend, e.Code, e.Body)
}

// Unwrap lets errors.Is match ErrGenerationFailure, and ErrRateLimited for 429.
func (e *StatusError) Unwrap() []error {
	if e.Code == http.StatusTooManyRequests {
		return []error{ErrRateLimited, ErrGenerationFailure}
	}
	return []error{ErrGenerationFailure}
}

// Failure wraps err as a generation failure unless it is a context error.
func Failure(backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrGenerationFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrGenerationFailure, backend, err)
}
