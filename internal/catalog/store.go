package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"EventLens/internal/embedding"
	"EventLens/internal/metrics"
	"EventLens/internal/retry"
)

// Options tunes a Store. Zero values pick conservative defaults.
type Options struct {
	// Workers bounds concurrent embedding calls during Upsert.
	Workers int
	// RateLimit caps embedding calls per second during Upsert. Zero disables it.
	RateLimit    float64
	Burst        int
	QueryTimeout time.Duration
	Retry        retry.Policy
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Store owns the catalog. It embeds source rows, writes them to an Index and
// answers similarity queries. Every state-changing write bumps Generation.
type Store struct {
	index        Index
	embedder     embedding.Provider
	workers      int
	limiter      *rate.Limiter
	queryTimeout time.Duration
	policy       retry.Policy
	logger       *zap.Logger
	metrics      *metrics.Metrics

	writeMu    sync.Mutex
	seq        int64
	seqLoaded  bool
	generation atomic.Uint64
}

func NewStore(index Index, embedder embedding.Provider, opts Options) *Store {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = opts.Logger
	}
	s := &Store{
		index:        index,
		embedder:     embedder,
		workers:      opts.Workers,
		queryTimeout: opts.QueryTimeout,
		policy:       opts.Retry,
		logger:       opts.Logger.Named("catalog"),
		metrics:      opts.Metrics,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

// Generation changes whenever the catalog contents change.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

func (s *Store) bump() {
	s.generation.Add(1)
}

// Upsert embeds and writes entries keyed by event name. Rows whose stored
// description already matches are left untouched, including their Seq.
// Embedding failures are collected per row; only index or context failures
// abort the batch.
func (s *Store) Upsert(ctx context.Context, entries []SourceEntry) (UpsertReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.upsertLocked(ctx, entries)
}

func (s *Store) upsertLocked(ctx context.Context, entries []SourceEntry) (UpsertReport, error) {
	var report UpsertReport
	rows, blanks := collapse(entries)
	report.Skipped = blanks
	for i := 0; i < blanks; i++ {
		report.Failed = append(report.Failed, EntryFailure{Err: ErrBlankName})
	}

	pending := make([]SourceEntry, 0, len(rows))
	for _, row := range rows {
		existing, err := s.get(ctx, row.EventName)
		switch {
		case err == nil && existing.Description == row.Description:
			report.Unchanged++
		case err == nil || errors.Is(err, ErrNotFound):
			pending = append(pending, row)
		default:
			return report, err
		}
	}

	vecs, errs := s.embedAll(ctx, pending)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if err := s.loadSeq(ctx); err != nil {
		return report, err
	}

	defer func() {
		if report.Written > 0 {
			s.bump()
		}
		s.metrics.Upserted("written", report.Written)
		s.metrics.Upserted("unchanged", report.Unchanged)
		s.metrics.Upserted("failed", len(report.Failed)-report.Skipped)
		s.metrics.Upserted("skipped", report.Skipped)
	}()

	now := time.Now()
	for i, row := range pending {
		if errs[i] != nil {
			report.Failed = append(report.Failed, EntryFailure{EventName: row.EventName, Err: errs[i]})
			s.logger.Warn("catalog entry not embedded", zap.String("event", row.EventName), zap.Error(errs[i]))
			continue
		}
		entry := Entry{
			EventName:   row.EventName,
			Description: row.Description,
			Embedding:   embedding.Normalize(vecs[i]),
			Seq:         s.seq + 1,
			UpdatedAt:   now,
		}
		err := s.policy.Do(ctx, func(ctx context.Context) error {
			return s.index.Put(ctx, entry)
		}, retryable)
		if errors.Is(err, embedding.ErrDimensionMismatch) {
			report.Failed = append(report.Failed, EntryFailure{EventName: row.EventName, Err: err})
			s.logger.Error("catalog entry rejected", zap.String("event", row.EventName), zap.Error(err))
			continue
		}
		if err != nil {
			return report, err
		}
		s.seq++
		report.Written++
	}

	s.logger.Info("catalog upsert finished",
		zap.Int("written", report.Written),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// collapse trims names, drops blank ones and keeps the last occurrence of
// each duplicated name at that occurrence's position.
func collapse(entries []SourceEntry) ([]SourceEntry, int) {
	last := make(map[string]int, len(entries))
	blanks := 0
	for i, e := range entries {
		name := strings.TrimSpace(e.EventName)
		if name == "" {
			blanks++
			continue
		}
		last[name] = i
	}
	out := make([]SourceEntry, 0, len(last))
	for i, e := range entries {
		name := strings.TrimSpace(e.EventName)
		if name == "" || last[name] != i {
			continue
		}
		out = append(out, SourceEntry{EventName: name, Description: strings.TrimSpace(e.Description)})
	}
	return out, blanks
}

func (s *Store) embedAll(ctx context.Context, rows []SourceEntry) ([][]float32, []error) {
	vecs := make([][]float32, len(rows))
	errs := make([]error, len(rows))
	if len(rows) == 0 {
		return vecs, errs
	}

	pool, err := ants.NewPool(s.workers)
	if err != nil {
		for i := range errs {
			errs[i] = fmt.Errorf("%w: worker pool: %v", embedding.ErrEmbeddingFailure, err)
		}
		return vecs, errs
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range rows {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					errs[i] = err
					return
				}
			}
			vec, err := s.embedder.Embed(ctx, EmbeddingText(rows[i].EventName, rows[i].Description))
			if err != nil && !errors.Is(err, embedding.ErrEmbeddingFailure) && ctx.Err() == nil {
				err = fmt.Errorf("%w: %w", embedding.ErrEmbeddingFailure, err)
			}
			vecs[i], errs[i] = vec, err
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("%w: submit: %v", embedding.ErrEmbeddingFailure, err)
		}
	}
	wg.Wait()
	return vecs, errs
}

func (s *Store) loadSeq(ctx context.Context) error {
	if s.seqLoaded {
		return nil
	}
	var maxSeq int64
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		maxSeq, err = s.index.MaxSeq(ctx)
		return err
	}, retryable)
	if err != nil {
		return err
	}
	if maxSeq > s.seq {
		s.seq = maxSeq
	}
	s.seqLoaded = true
	return nil
}

// QueryNearest returns up to k entries ordered by descending cosine
// similarity to vec, ties broken by ascending Seq. An unreachable index is
// an error, never an empty result.
func (s *Store) QueryNearest(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("catalog: empty query vector")
	}
	query := embedding.Normalize(vec)

	start := time.Now()
	var out []Match
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := s.withTimeout(ctx)
		defer cancel()
		matches, err := s.index.Nearest(callCtx, query, k)
		if err != nil {
			return s.timeoutAsUnavailable(ctx, err)
		}
		out = matches
		return nil
	}, retryable)
	s.metrics.CatalogQuery(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Search embeds free text and queries the catalog with it.
func (s *Store) Search(ctx context.Context, text string, k int) ([]Match, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.QueryNearest(ctx, vec, k)
}

// Get returns the stored entry for name or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (Entry, error) {
	return s.get(ctx, strings.TrimSpace(name))
}

func (s *Store) get(ctx context.Context, name string) (Entry, error) {
	var entry Entry
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := s.withTimeout(ctx)
		defer cancel()
		e, err := s.index.Get(callCtx, name)
		if err != nil {
			return s.timeoutAsUnavailable(ctx, err)
		}
		entry = e
		return nil
	}, retryable)
	return entry, err
}

// Delete removes name. It reports whether an entry existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted bool
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.index.Delete(ctx, strings.TrimSpace(name))
		return err
	}, retryable)
	if err != nil {
		return false, err
	}
	if deleted {
		s.bump()
		s.logger.Info("catalog entry deleted", zap.String("event", name))
	}
	return deleted, nil
}

// Rebuild clears the catalog and upserts entries. Use it when the embedding
// model or dimension changes.
func (s *Store) Rebuild(ctx context.Context, entries []SourceEntry) (UpsertReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.index.Reset(ctx)
	}, retryable)
	if err != nil {
		return UpsertReport{}, err
	}
	s.bump()
	s.logger.Info("catalog reset")
	return s.upsertLocked(ctx, entries)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.index.Count(ctx)
		return err
	}, retryable)
	return n, err
}

func (s *Store) Ping(ctx context.Context) error {
	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.timeoutAsUnavailable(ctx, s.index.Ping(callCtx))
}

func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// timeoutAsUnavailable reports an index call that outlived its own timeout,
// while the caller is still waiting, as an unavailable index.
func (s *Store) timeoutAsUnavailable(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, ErrIndexUnavailable)
}
