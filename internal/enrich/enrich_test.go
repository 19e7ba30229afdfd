package enrich

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EventLens/internal/catalog"
	"EventLens/internal/embedding"
	"EventLens/internal/events"
	"EventLens/internal/testutil"
)

// fakeCatalog answers every query with the match registered under the
// query vector's first component. Get only knows the names in entries.
type fakeCatalog struct {
	gen     atomic.Uint64
	queries atomic.Int32
	gets    atomic.Int32
	matches map[float32]catalog.Match
	entries map[string]catalog.Entry
	err     error
	getErr  error
}

func (f *fakeCatalog) Get(_ context.Context, name string) (catalog.Entry, error) {
	f.gets.Add(1)
	if f.getErr != nil {
		return catalog.Entry{}, f.getErr
	}
	e, ok := f.entries[name]
	if !ok {
		return catalog.Entry{}, catalog.ErrNotFound
	}
	return e, nil
}

func (f *fakeCatalog) QueryNearest(_ context.Context, vec []float32, _ int) ([]catalog.Match, error) {
	f.queries.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.matches[vec[0]]
	if !ok {
		return nil, nil
	}
	return []catalog.Match{m}, nil
}

func (f *fakeCatalog) Generation() uint64 { return f.gen.Load() }

func TestThresholdBoundary(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	emb.Set("at threshold", []float32{1})
	emb.Set("below threshold", []float32{2})
	emb.Set("exact name", []float32{3})
	cat := &fakeCatalog{matches: map[float32]catalog.Match{
		1: {EventName: "x", Description: "at", Score: 0.75},
		2: {EventName: "y", Description: "below", Score: 0.7499999},
		3: {EventName: "exact_name", Description: "same id", Score: 0.2},
	}}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.75})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := cache.Resolve(ctx, "at_threshold")
		require.NoError(t, err)
		assert.True(t, r.Found, "score equal to the threshold is accepted")
		assert.Equal(t, "at", r.Description)

		r, err = cache.Resolve(ctx, "below_threshold")
		require.NoError(t, err)
		assert.False(t, r.Found)
		assert.Empty(t, r.Description)
		assert.Equal(t, "y", r.MatchedName)
	}

	r, err := cache.Resolve(ctx, "exact_name")
	require.NoError(t, err)
	assert.True(t, r.Found, "exact event name is accepted below threshold")
	assert.Equal(t, "same id", r.Description)
}

func TestExactNameWinsOverCloserSibling(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	emb.Set("checkout", []float32{1})
	cat := &fakeCatalog{
		matches: map[float32]catalog.Match{
			1: {EventName: "checkout_started", Description: "User started the checkout flow", Score: 0.958},
		},
		entries: map[string]catalog.Entry{
			"checkout": {EventName: "checkout", Description: "User viewed the checkout page"},
		},
	}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.75})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := cache.Resolve(ctx, "checkout")
		require.NoError(t, err)
		assert.True(t, r.Found)
		assert.Equal(t, "checkout", r.MatchedName)
		assert.Equal(t, "User viewed the checkout page", r.Description)
		assert.Equal(t, 1.0, r.Score)
	}
	assert.Equal(t, int32(1), cat.gets.Load())
	assert.Equal(t, int32(0), cat.queries.Load(), "an exact hit needs no similarity search")
	assert.Equal(t, 0, emb.Calls("checkout"))

	r, err := cache.Resolve(ctx, "checkout_begin")
	require.NoError(t, err)
	assert.Equal(t, "checkout_started", r.MatchedName, "unknown names fall back to the nearest entry")
	assert.Equal(t, int32(1), cat.queries.Load())
}

func TestExactLookupErrorsAreSurfaced(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	cat := &fakeCatalog{getErr: fmt.Errorf("%w: connection refused", catalog.ErrIndexUnavailable)}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.5})

	_, err := cache.Resolve(context.Background(), "checkout")
	assert.ErrorIs(t, err, catalog.ErrIndexUnavailable)
	assert.Equal(t, int32(0), cat.queries.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestEmptyCatalogResolvesToNotFound(t *testing.T) {
	cache := NewCache(&fakeCatalog{}, testutil.NewEmbedder(1), CacheOptions{Threshold: 0.5})
	r, err := cache.Resolve(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, r.Found)
}

func TestSingleLookupPerName(t *testing.T) {
	emb := testutil.NewEmbedder(4)
	cat := &fakeCatalog{matches: map[float32]catalog.Match{}}
	emb.Set("app open", []float32{1, 0, 0, 0})
	cat.matches[1] = catalog.Match{EventName: "app_open", Description: "User opened the app", Score: 0.99}
	// unknown_event embeds to a hash vector with no registered match.

	var started sync.WaitGroup
	started.Add(1)
	release := make(chan struct{})
	var once sync.Once
	emb.Hook = func(ctx context.Context, _ string) error {
		once.Do(started.Done)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.75})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		name := "app_open"
		if i%2 == 1 {
			name = "unknown_event"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Resolve(ctx, name)
			assert.NoError(t, err)
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, emb.Calls("app open"))
	assert.Equal(t, 1, emb.Calls("unknown event"))
	assert.Equal(t, int32(2), cat.queries.Load())

	// Cached outcomes, including the unresolved one, need no further lookups.
	r, err := cache.Resolve(ctx, "unknown_event")
	require.NoError(t, err)
	assert.False(t, r.Found)
	assert.Equal(t, int32(2), cat.queries.Load())
	assert.Equal(t, 2, cache.Len())
}

func TestGenerationChangeInvalidates(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	emb.Set("signup", []float32{1})
	cat := &fakeCatalog{matches: map[float32]catalog.Match{1: {EventName: "signup", Description: "old", Score: 1}}}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.5})
	ctx := context.Background()

	r, err := cache.Resolve(ctx, "signup")
	require.NoError(t, err)
	assert.Equal(t, "old", r.Description)
	first := r.ResolvedAt

	cat.matches[1] = catalog.Match{EventName: "signup", Description: "new", Score: 1}
	r, err = cache.Resolve(ctx, "signup")
	require.NoError(t, err)
	assert.Equal(t, "old", r.Description, "same generation serves the cached entry")

	cat.gen.Add(1)
	r, err = cache.Resolve(ctx, "signup")
	require.NoError(t, err)
	assert.Equal(t, "new", r.Description)
	assert.Greater(t, r.ResolvedAt, first)
	assert.Equal(t, int32(2), cat.queries.Load())
}

func TestErrorsAreNotCached(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	emb.Set("signup", []float32{1})
	cat := &fakeCatalog{
		matches: map[float32]catalog.Match{1: {EventName: "signup", Description: "d", Score: 1}},
		err:     fmt.Errorf("%w: connection refused", catalog.ErrIndexUnavailable),
	}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.5})
	ctx := context.Background()

	_, err := cache.Resolve(ctx, "signup")
	assert.ErrorIs(t, err, catalog.ErrIndexUnavailable)
	assert.Equal(t, 0, cache.Len())

	cat.err = nil
	r, err := cache.Resolve(ctx, "signup")
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.Equal(t, 2, emb.Calls("signup"))
}

func TestWaiterCancellationIsIndependent(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	emb.Set("checkout", []float32{1})
	cat := &fakeCatalog{matches: map[float32]catalog.Match{1: {EventName: "checkout", Description: "d", Score: 1}}}

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	emb.Hook = func(ctx context.Context, _ string) error {
		entered <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.5})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctxA, "checkout")
		errA <- err
	}()
	<-entered

	resB := make(chan Resolution, 1)
	go func() {
		r, err := cache.Resolve(context.Background(), "checkout")
		assert.NoError(t, err)
		resB <- r
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	r := <-resB
	assert.True(t, r.Found)
	assert.Equal(t, 1, emb.Calls("checkout"), "B must reuse the lookup A started")
}

func TestLastWaiterLeavingCancelsLookup(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	emb.Set("checkout", []float32{1})
	cat := &fakeCatalog{matches: map[float32]catalog.Match{1: {EventName: "checkout", Description: "d", Score: 1}}}

	entered := make(chan struct{}, 2)
	lookupCanceled := make(chan struct{}, 2)
	emb.Hook = func(ctx context.Context, _ string) error {
		entered <- struct{}{}
		<-ctx.Done()
		lookupCanceled <- struct{}{}
		return ctx.Err()
	}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctx, "checkout")
		done <- err
	}()
	<-entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	select {
	case <-lookupCanceled:
	case <-time.After(time.Second):
		t.Fatal("shared lookup was not cancelled after its only waiter left")
	}
	assert.Equal(t, 0, cache.Len())
}

func TestLookupTimeoutIsIndexUnavailable(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	emb.Hook = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cache := NewCache(&fakeCatalog{}, emb, CacheOptions{Threshold: 0.5, LookupTimeout: 10 * time.Millisecond})
	_, err := cache.Resolve(context.Background(), "slow")
	assert.ErrorIs(t, err, catalog.ErrIndexUnavailable)
	assert.Equal(t, "index_unavailable", Kind(err))
}

func TestEnrichPreservesOrderUnderConcurrency(t *testing.T) {
	emb := testutil.NewEmbedder(8)
	emb.Hook = func(ctx context.Context, _ string) error {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		return nil
	}
	cat := &fakeCatalog{matches: map[float32]catalog.Match{}}
	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("event %d", i)
		emb.Set(text, []float32{float32(i + 1)})
		cat.matches[float32(i+1)] = catalog.Match{EventName: fmt.Sprintf("event_%d", i), Description: "desc " + text, Score: 0.9}
	}
	cache := NewCache(cat, emb, CacheOptions{Threshold: 0.75})
	engine := NewEngine(cache, 6, nil, nil)

	var recs []events.Record
	for i := 0; i < 200; i++ {
		recs = append(recs, events.Record{Name: fmt.Sprintf("event_%d", (i*7)%20), Timestamp: float64(i), DistinctID: "u"})
	}
	session := events.NewSession("u", recs)

	out, err := engine.Enrich(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, out, len(recs))
	for i, ev := range out {
		assert.Equal(t, session.Events[i].Name, ev.Name)
		assert.Equal(t, session.Events[i].Timestamp, ev.Timestamp)
		require.NotNil(t, ev.Description)
		assert.Equal(t, "desc "+catalog.NormalizeName(ev.Name), *ev.Description)
	}
	assert.Equal(t, int32(20), cat.queries.Load(), "one catalog query per distinct name")
}

func TestEnrichSurfacesErrors(t *testing.T) {
	emb := testutil.NewEmbedder(1)
	emb.Fail("broken", fmt.Errorf("%w: upstream 500", embedding.ErrEmbeddingFailure))
	cache := NewCache(&fakeCatalog{}, emb, CacheOptions{Threshold: 0.5})
	engine := NewEngine(cache, 2, nil, nil)

	_, err := engine.Enrich(context.Background(), events.NewSession("u", []events.Record{
		{Name: "fine", Timestamp: 1},
		{Name: "broken", Timestamp: 2},
	}))
	assert.ErrorIs(t, err, embedding.ErrEmbeddingFailure)
	assert.ErrorIs(t, err, catalog.ErrIndexUnavailable, "a failed query embedding counts as an unavailable index")
	assert.Equal(t, "index_unavailable", Kind(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.Enrich(ctx, events.NewSession("u", []events.Record{{Name: "fine"}}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "dimension_mismatch", Kind(fmt.Errorf("x: %w", embedding.ErrDimensionMismatch)))
	assert.Equal(t, "index_unavailable", Kind(catalog.ErrIndexUnavailable))
	assert.Equal(t, "canceled", Kind(context.DeadlineExceeded))
	assert.Equal(t, "internal", Kind(errors.New("other")))
}

// The enrichment half of the app_open / purchase_completed / unknown_event
// walkthrough against a real SQLite catalog.
func TestScenarioAgainstSQLiteCatalog(t *testing.T) {
	emb := testutil.NewEmbedder(3)
	emb.Set(catalog.EmbeddingText("app_open", "User opened the app"), []float32{1, 0, 0})
	emb.Set(catalog.EmbeddingText("purchase_completed", "User completed a purchase"), []float32{0, 1, 0})
	emb.Set("app open", []float32{1, 0.05, 0})
	emb.Set("purchase completed", []float32{0.05, 1, 0})
	emb.Set("unknown event", []float32{0.3, 0.3, 1})

	idx, err := catalog.OpenSQL("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer idx.Close()
	store := catalog.NewStore(idx, emb, catalog.Options{})
	_, err = store.Upsert(context.Background(), []catalog.SourceEntry{
		{EventName: "app_open", Description: "User opened the app"},
		{EventName: "purchase_completed", Description: "User completed a purchase"},
	})
	require.NoError(t, err)

	cache := NewCache(store, emb, CacheOptions{Threshold: 0.75})
	engine := NewEngine(cache, 4, nil, nil)
	session := events.NewSession("u1", []events.Record{
		{Name: "app_open", Timestamp: 1},
		{Name: "purchase_completed", Timestamp: 2},
		{Name: "unknown_event", Timestamp: 3},
		{Name: "app_open", Timestamp: 4},
	})

	out, err := engine.Enrich(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, "User opened the app", out[0].DescriptionOr(""))
	assert.Equal(t, "User completed a purchase", out[1].DescriptionOr(""))
	assert.Nil(t, out[2].Description)
	assert.Equal(t, "User opened the app", out[3].DescriptionOr(""))
	assert.Equal(t, 0, emb.Calls("app open"), "catalogued names are fetched by id")
	assert.Equal(t, 1, emb.Calls("unknown event"))
}

func TestSQLiteExactNameBeatsCloserSibling(t *testing.T) {
	emb := testutil.NewEmbedder(2)
	emb.Set(catalog.EmbeddingText("checkout", "User viewed the checkout page"), []float32{1, 0})
	emb.Set(catalog.EmbeddingText("checkout_started", "User started the checkout flow"), []float32{0.3, 1})
	emb.Set("checkout", []float32{0.3, 1})

	idx, err := catalog.OpenSQL("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer idx.Close()
	store := catalog.NewStore(idx, emb, catalog.Options{})
	_, err = store.Upsert(context.Background(), []catalog.SourceEntry{
		{EventName: "checkout", Description: "User viewed the checkout page"},
		{EventName: "checkout_started", Description: "User started the checkout flow"},
	})
	require.NoError(t, err)

	r, err := NewCache(store, emb, CacheOptions{Threshold: 0.75}).Resolve(context.Background(), "checkout")
	require.NoError(t, err)
	assert.Equal(t, "checkout", r.MatchedName)
	assert.Equal(t, "User viewed the checkout page", r.Description)
}
