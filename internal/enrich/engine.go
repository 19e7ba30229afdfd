package enrich

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"EventLens/internal/catalog"
	"EventLens/internal/embedding"
	"EventLens/internal/events"
	"EventLens/internal/metrics"
)

// Resolver maps one event name to its resolution.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Resolution, error)
}

// Engine attaches catalog descriptions to the events of a session.
type Engine struct {
	resolver    Resolver
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewEngine(r Resolver, concurrency int, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{resolver: r, concurrency: concurrency, logger: logger.Named("enrich"), metrics: m}
}

// Enrich resolves each distinct event name in s once and returns one
// EnrichedEvent per input event, in input order.
func (e *Engine) Enrich(ctx context.Context, s events.Session) ([]events.EnrichedEvent, error) {
	names := s.Names()
	resolved := make([]Resolution, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, name := range names {
		g.Go(func() error {
			r, err := e.resolver.Resolve(gctx, name)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", name, err)
			}
			resolved[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	byName := make(map[string]Resolution, len(names))
	for i, name := range names {
		byName[name] = resolved[i]
	}

	out := make([]events.EnrichedEvent, len(s.Events))
	described := 0
	for i, ev := range s.Events {
		out[i] = events.EnrichedEvent{Record: ev}
		if r := byName[ev.Name]; r.Found {
			desc := r.Description
			out[i].Description = &desc
			described++
		}
		e.metrics.Enriched(out[i].Described())
	}

	e.logger.Debug("session enriched",
		zap.String("distinct_id", s.DistinctID),
		zap.Int("events", len(out)),
		zap.Int("unique_names", len(names)),
		zap.Int("described", described),
	)
	return out, nil
}

// Kind classifies an error from Enrich into a stable label for outer layers.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, embedding.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, catalog.ErrIndexUnavailable):
		return "index_unavailable"
	case errors.Is(err, embedding.ErrEmbeddingFailure):
		return "embedding_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
