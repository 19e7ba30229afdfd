// Package enrich resolves event names to catalog descriptions and attaches
// them to session events.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"EventLens/internal/catalog"
	"EventLens/internal/embedding"
	"EventLens/internal/metrics"
)

// Resolution is the cached outcome of resolving one event name. Found=false
// is a valid, cacheable outcome.
type Resolution struct {
	EventName   string  `json:"event_name"`
	Description string  `json:"description,omitempty"`
	Found       bool    `json:"found"`
	Score       float64 `json:"score"`
	MatchedName string  `json:"matched_name,omitempty"`
	// ResolvedAt is a logical clock value, increasing per stored resolution.
	ResolvedAt uint64 `json:"resolved_at"`
}

// Catalog is the part of catalog.Store the cache depends on.
type Catalog interface {
	Get(ctx context.Context, name string) (catalog.Entry, error)
	QueryNearest(ctx context.Context, vec []float32, k int) ([]catalog.Match, error)
	Generation() uint64
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Threshold is the inclusive minimum similarity for accepting a match.
	Threshold float64
	// LookupTimeout bounds one shared lookup (embed plus query).
	LookupTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Cache memoises event-name resolutions for as long as the catalog
// generation it was filled from stays current. Concurrent misses for the same
// name share one lookup. Each caller may give up on its own; the shared
// lookup is cancelled only when no caller is left waiting for it.
type Cache struct {
	catalog   Catalog
	embedder  embedding.Provider
	threshold float64
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics

	entries *gocache.Cache
	clock   atomic.Uint64

	mu         sync.Mutex
	generation uint64
	flights    map[string]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	gen     uint64
	waiters int

	res Resolution
	err error
}

func NewCache(cat Catalog, embedder embedding.Provider, opts CacheOptions) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		catalog:    cat,
		embedder:   embedder,
		threshold:  opts.Threshold,
		timeout:    opts.LookupTimeout,
		logger:     logger.Named("enrich.cache"),
		metrics:    opts.Metrics,
		entries:    gocache.New(gocache.NoExpiration, 0),
		generation: cat.Generation(),
		flights:    make(map[string]*flight),
	}
}

// Resolve returns the description for name. Cached outcomes, including
// unresolved ones, are returned without touching the catalog. Errors are
// never cached.
func (c *Cache) Resolve(ctx context.Context, name string) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	c.mu.Lock()
	gen := c.syncGenerationLocked()
	if v, ok := c.entries.Get(name); ok {
		c.mu.Unlock()
		c.metrics.CacheHit()
		return v.(Resolution), nil
	}
	f, ok := c.flights[name]
	if !ok || f.gen != gen || f.ctx.Err() != nil {
		f = c.startFlightLocked(ctx, name, gen)
		c.metrics.CacheMiss()
	}
	f.waiters++
	c.mu.Unlock()

	select {
	case <-f.done:
		c.leave(f)
		return f.res, f.err
	case <-ctx.Done():
		c.leave(f)
		return Resolution{}, ctx.Err()
	}
}

// syncGenerationLocked drops every entry once the catalog has changed.
func (c *Cache) syncGenerationLocked() uint64 {
	gen := c.catalog.Generation()
	if gen != c.generation {
		c.entries.Flush()
		c.generation = gen
		c.metrics.CacheFlush()
		c.logger.Debug("catalog changed, cache flushed", zap.Uint64("generation", gen))
	}
	return gen
}

func (c *Cache) startFlightLocked(parent context.Context, name string, gen uint64) *flight {
	base := context.WithoutCancel(parent)
	var (
		fctx   context.Context
		cancel context.CancelFunc
	)
	if c.timeout > 0 {
		fctx, cancel = context.WithTimeout(base, c.timeout)
	} else {
		fctx, cancel = context.WithCancel(base)
	}
	f := &flight{ctx: fctx, cancel: cancel, done: make(chan struct{}), gen: gen}
	c.flights[name] = f
	go c.run(name, f)
	return f
}

func (c *Cache) run(name string, f *flight) {
	res, err := c.lookup(f.ctx, name)
	if err != nil && errors.Is(f.ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: lookup for %q timed out", catalog.ErrIndexUnavailable, name)
	}
	f.cancel()

	c.mu.Lock()
	if c.flights[name] == f {
		delete(c.flights, name)
	}
	if err == nil {
		res.ResolvedAt = c.clock.Add(1)
		if f.gen == c.generation && f.gen == c.catalog.Generation() {
			c.entries.Set(name, res, gocache.NoExpiration)
		} else {
			c.logger.Debug("discarding resolution from stale catalog generation", zap.String("event", name))
		}
	} else if !errors.Is(err, context.Canceled) {
		c.logger.Warn("event resolution failed", zap.String("event", name), zap.Error(err))
	}
	f.res, f.err = res, err
	c.mu.Unlock()
	close(f.done)
}

func (c *Cache) leave(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	select {
	case <-f.done:
	default:
		f.cancel()
	}
}

// lookup tries the catalog entry stored under name itself before falling
// back to the nearest neighbour of the normalised name.
func (c *Cache) lookup(ctx context.Context, name string) (Resolution, error) {
	res := Resolution{EventName: name}

	entry, err := c.catalog.Get(ctx, name)
	switch {
	case err == nil:
		res.Found = true
		res.Score = 1
		res.MatchedName = entry.EventName
		res.Description = entry.Description
		return res, nil
	case !errors.Is(err, catalog.ErrNotFound):
		return res, err
	}

	text := catalog.NormalizeName(name)
	if text == "" {
		text = name
	}
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		// A lookup that cannot embed its query cannot reach the index either.
		if errors.Is(err, embedding.ErrEmbeddingFailure) && !errors.Is(err, embedding.ErrDimensionMismatch) {
			err = fmt.Errorf("%w: %w", catalog.ErrIndexUnavailable, err)
		}
		return res, err
	}
	matches, err := c.catalog.QueryNearest(ctx, vec, 1)
	if err != nil {
		return res, err
	}
	if len(matches) == 0 {
		return res, nil
	}

	top := matches[0]
	res.Score = top.Score
	res.MatchedName = top.EventName
	if top.Score >= c.threshold || top.EventName == name {
		res.Found = true
		res.Description = top.Description
	}
	return res, nil
}

// Peek returns a cached resolution without triggering a lookup.
func (c *Cache) Peek(name string) (Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncGenerationLocked()
	v, ok := c.entries.Get(name)
	if !ok {
		return Resolution{}, false
	}
	return v.(Resolution), true
}

// Len returns the number of cached resolutions.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// Flush drops every cached resolution.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Flush()
	c.metrics.CacheFlush()
}

// Threshold returns the configured acceptance threshold.
func (c *Cache) Threshold() float64 {
	return c.threshold
}
