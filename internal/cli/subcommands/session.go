package subcommands

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"EventLens/client"
	"EventLens/internal/enrich"
	"EventLens/internal/events"
	"EventLens/internal/pipeline"
)

// sessionService is satisfied by the local pipeline and the HTTP client.
type sessionService interface {
	Enrich(ctx context.Context, s events.Session) ([]events.EnrichedEvent, error)
	Summarize(ctx context.Context, s events.Session, maxWords int) (pipeline.Result, error)
}

// SessionOptions controls "enrich" and "summarize".
type SessionOptions struct {
	// Input is a JSON array or JSON-lines file; empty or "-" reads stdin.
	Input string
	// Server sends sessions to a running "eventlens serve" instead of
	// building a local pipeline.
	Server   string
	MaxWords int
	JSON     bool
	Plain    bool
}

// RunEnrich prints every input session with its catalog descriptions.
func RunEnrich(ctx context.Context, env Env, opts SessionOptions) int {
	return runSessions(ctx, env, opts, func(ctx context.Context, svc sessionService, s events.Session) error {
		evs, err := svc.Enrich(ctx, s)
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(env.stdout(), map[string]any{"distinct_id": s.DistinctID, "events": evs})
		}
		renderEnriched(env.stdout(), s.DistinctID, evs)
		return nil
	})
}

// RunSummarize enriches and narrates every input session. A session whose
// enrichment fails is reported and the remaining sessions still run.
func RunSummarize(ctx context.Context, env Env, opts SessionOptions) int {
	return runSessions(ctx, env, opts, func(ctx context.Context, svc sessionService, s events.Session) error {
		res, err := svc.Summarize(ctx, s, opts.MaxWords)
		if err != nil {
			return err
		}
		if opts.JSON {
			return writeJSON(env.stdout(), res)
		}
		renderNarrative(env.stdout(), res, opts.Plain)
		return nil
	})
}

// openService returns the HTTP client when server is set and a local
// pipeline otherwise, with the per-session timeout to apply locally.
func openService(ctx context.Context, env Env, server string) (sessionService, time.Duration, func(), error) {
	if server != "" {
		return client.NewHTTPClient(server, 0), 0, func() {}, nil
	}
	pipe, closeFn, err := openPipeline(ctx, env, nil)
	if err != nil {
		return nil, 0, nil, err
	}
	return pipe, pipe.RequestTimeout(), closeFn, nil
}

type sessionFunc func(ctx context.Context, svc sessionService, s events.Session) error

func runSessions(ctx context.Context, env Env, opts SessionOptions, fn sessionFunc) int {
	sessions, err := readSessions(env, opts.Input)
	if err != nil {
		return env.failf("failed to read events: %v", err)
	}

	svc, timeout, closeFn, err := openService(ctx, env, opts.Server)
	if err != nil {
		return env.failf("failed to initialize pipeline: %v", err)
	}
	defer closeFn()

	code := 0
	for _, s := range sessions {
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := fn(sctx, svc, s)
		cancel()
		if err != nil {
			env.logger().Error("session failed",
				zap.String("distinct_id", s.DistinctID),
				zap.String("kind", errorKind(err)),
				zap.Error(err),
			)
			env.failf("%s: %v", s.DistinctID, err)
			code = 1
		}
	}
	return code
}

func errorKind(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Kind != "" {
		return apiErr.Kind
	}
	return enrich.Kind(err)
}
