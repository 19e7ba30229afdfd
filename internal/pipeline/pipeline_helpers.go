package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"EventLens/internal/catalog"
	"EventLens/internal/config"
	"EventLens/internal/retry"
)

func openIndex(ctx context.Context, cfg config.CatalogConfig) (catalog.Index, error) {
	switch cfg.Backend {
	case "", "sql":
		idx, err := catalog.OpenSQL(cfg.SQL.Driver, cfg.SQL.Path)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		idx, err := catalog.OpenQdrant(ctx, catalog.QdrantOptions{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported catalog backend %q", cfg.Backend)
	}
}

func retryPolicy(cfg config.RetryConfig, logger *zap.Logger) retry.Policy {
	def := retry.Default()
	p := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   config.DurationOr(cfg.BaseDelay, def.BaseDelay),
		MaxDelay:    config.DurationOr(cfg.MaxDelay, def.MaxDelay),
		Jitter:      cfg.Jitter,
		Logger:      logger,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}

// sessionTimeout bounds a whole enrich plus summarize request.
func sessionTimeout(cfg config.Config) time.Duration {
	lookup := config.DurationOr(cfg.Enrichment.LookupTimeout, 20*time.Second)
	gen := config.DurationOr(cfg.Summarizer.Timeout, 60*time.Second)
	return lookup + gen + 5*time.Second
}

// RequestTimeout is the deadline outer layers give one session.
func (p *Pipeline) RequestTimeout() time.Duration {
	return sessionTimeout(p.cfg)
}

// WithRequestTimeout derives the per-request deadline used by outer layers.
func (p *Pipeline) WithRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.RequestTimeout())
}
