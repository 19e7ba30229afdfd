package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"EventLens/internal/catalog"
	"EventLens/internal/config"
	"EventLens/internal/embedding"
	"EventLens/internal/enrich"
	"EventLens/internal/events"
	"EventLens/internal/metrics"
	"EventLens/internal/runtime"
	"EventLens/internal/summarize"
)

// Deps overrides pieces New would otherwise build from configuration.
type Deps struct {
	Logger *zap.Logger
	// Registerer receives the metrics. Nil disables instrumentation.
	Registerer prometheus.Registerer
	// Registry supplies runtime adapters; defaults to runtime.DefaultRegistry.
	Registry  runtime.Registry
	Embedder  embedding.Provider
	Index     catalog.Index
	Generator summarize.Generator
}

// Result is the outcome of summarising one session.
type Result struct {
	DistinctID string                 `json:"distinct_id"`
	Events     []events.EnrichedEvent `json:"events"`
	Narrative  summarize.Narrative    `json:"narrative"`
}

// Pipeline wires the catalog, the enrichment engine and the summarizer.
type Pipeline struct {
	cfg        config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	embedder   *embedding.Guard
	store      *catalog.Store
	cache      *enrich.Cache
	engine     *enrich.Engine
	manager    *runtime.Manager
	summarizer *summarize.Summarizer
}

// New constructs a Pipeline from configuration.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Pipeline, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var m *metrics.Metrics
	if deps.Registerer != nil && cfg.Metrics.Enabled {
		m = metrics.New(deps.Registerer, cfg.Metrics.Namespace)
	}

	provider := deps.Embedder
	if provider == nil {
		var err error
		provider, err = embedding.New(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("pipeline: failed to initialise embedding provider: %w", err)
		}
	}
	embedder := embedding.NewGuard(provider, cfg.Embedding.Dimensions,
		config.DurationOr(cfg.Embedding.Timeout, 15*time.Second), logger.Named("embedding"))

	index := deps.Index
	if index == nil {
		var err error
		index, err = openIndex(ctx, cfg.Catalog)
		if err != nil {
			embedder.Close()
			return nil, fmt.Errorf("pipeline: failed to open catalog index: %w", err)
		}
	}

	store := catalog.NewStore(index, embedder, catalog.Options{
		Workers:      cfg.Catalog.BuildConcurrency,
		RateLimit:    cfg.Catalog.RateLimit,
		Burst:        cfg.Catalog.Burst,
		QueryTimeout: config.DurationOr(cfg.Catalog.QueryTimeout, 10*time.Second),
		Retry:        retryPolicy(cfg.Catalog.Retry, logger),
		Logger:       logger,
		Metrics:      m,
	})

	cache := enrich.NewCache(store, embedder, enrich.CacheOptions{
		Threshold:     cfg.Enrichment.Threshold,
		LookupTimeout: config.DurationOr(cfg.Enrichment.LookupTimeout, 20*time.Second),
		Logger:        logger,
		Metrics:       m,
	})
	engine := enrich.NewEngine(cache, cfg.Enrichment.Concurrency, logger, m)

	var manager *runtime.Manager
	gen := deps.Generator
	if gen == nil {
		registry := deps.Registry
		if registry == nil {
			registry = runtime.DefaultRegistry
		}
		var err error
		manager, err = runtime.NewManager(cfg.Runtime, registry, logger)
		if err != nil {
			store.Close()
			embedder.Close()
			return nil, fmt.Errorf("pipeline: failed to initialise runtime: %w", err)
		}
		gen = manager
	}

	opts := summarize.OptionsFromConfig(cfg.Summarizer)
	opts.Logger = logger
	opts.Metrics = m
	summarizer, err := summarize.New(gen, opts)
	if err != nil {
		manager.Close()
		store.Close()
		embedder.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &Pipeline{
		cfg:        cfg,
		logger:     logger.Named("pipeline"),
		metrics:    m,
		embedder:   embedder,
		store:      store,
		cache:      cache,
		engine:     engine,
		manager:    manager,
		summarizer: summarizer,
	}, nil
}

// BuildCatalog loads a catalog source file and upserts it. With rebuild set,
// the index is cleared first.
func (p *Pipeline) BuildCatalog(ctx context.Context, path string, rebuild bool) (catalog.UpsertReport, error) {
	if path == "" {
		path = p.cfg.Catalog.Source
	}
	if path == "" {
		return catalog.UpsertReport{}, fmt.Errorf("pipeline: no catalog source given")
	}
	entries, err := catalog.LoadSource(path)
	if err != nil {
		return catalog.UpsertReport{}, err
	}

	start := time.Now()
	var report catalog.UpsertReport
	if rebuild {
		report, err = p.store.Rebuild(ctx, entries)
	} else {
		report, err = p.store.Upsert(ctx, entries)
	}
	if err != nil {
		return report, err
	}
	p.logger.Info("catalog build finished",
		zap.String("source", path),
		zap.Bool("rebuild", rebuild),
		zap.Int("written", report.Written),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// Enrich attaches catalog descriptions to the events of s.
func (p *Pipeline) Enrich(ctx context.Context, s events.Session) ([]events.EnrichedEvent, error) {
	return p.engine.Enrich(ctx, s)
}

// Summarize enriches s and narrates it. Only enrichment can fail; the
// narrative falls back to a template on any generation problem.
func (p *Pipeline) Summarize(ctx context.Context, s events.Session, maxWords int) (Result, error) {
	enriched, err := p.engine.Enrich(ctx, s)
	if err != nil {
		return Result{}, err
	}
	return Result{
		DistinctID: s.DistinctID,
		Events:     enriched,
		Narrative:  p.summarizer.Summarize(ctx, enriched, maxWords),
	}, nil
}

// Narrate summarises already enriched events.
func (p *Pipeline) Narrate(ctx context.Context, evs []events.EnrichedEvent, maxWords int) summarize.Narrative {
	return p.summarizer.Summarize(ctx, evs, maxWords)
}

func (p *Pipeline) Store() *catalog.Store { return p.store }

func (p *Pipeline) Cache() *enrich.Cache { return p.cache }

func (p *Pipeline) Config() config.Config { return p.cfg }

// Backend names the active generation backend, empty when injected.
func (p *Pipeline) Backend() string { return p.manager.Backend() }

// Close releases the runtime, the index and the embedding provider.
func (p *Pipeline) Close() error {
	var firstErr error
	for _, c := range []func() error{p.manager.Close, p.store.Close, p.embedder.Close} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
