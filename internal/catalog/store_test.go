package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EventLens/internal/embedding"
	"EventLens/internal/retry"
	"EventLens/internal/testutil"
)

func newSQLStore(t *testing.T, driver string, emb embedding.Provider) (*Store, *SQLIndex) {
	t.Helper()
	idx, err := OpenSQL(driver, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	store := NewStore(idx, emb, Options{
		Workers: 4,
		Retry:   retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	return store, idx
}

var sampleSource = []SourceEntry{
	{EventName: "app_open", Description: "User opened the app"},
	{EventName: "purchase_completed", Description: "User completed a purchase"},
	{EventName: "screen_view", Description: "User viewed a screen"},
}

func TestUpsertIsIdempotent(t *testing.T) {
	for _, driver := range []string{"sqlite", "duckdb"} {
		t.Run(driver, func(t *testing.T) {
			emb := testutil.NewEmbedder(8)
			store, idx := newSQLStore(t, driver, emb)
			ctx := context.Background()

			first, err := store.Upsert(ctx, sampleSource)
			require.NoError(t, err)
			assert.Equal(t, 3, first.Written)
			assert.Empty(t, first.Failed)
			gen := store.Generation()

			before := snapshot(t, idx)

			second, err := store.Upsert(ctx, sampleSource)
			require.NoError(t, err)
			assert.Equal(t, 0, second.Written)
			assert.Equal(t, 3, second.Unchanged)
			assert.Equal(t, gen, store.Generation(), "unchanged upsert must not invalidate caches")

			assert.Equal(t, before, snapshot(t, idx))
			n, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func snapshot(t *testing.T, idx *SQLIndex) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, e := range sampleSource {
		got, err := idx.Get(context.Background(), e.EventName)
		require.NoError(t, err)
		out[got.EventName] = got.Seq
	}
	return out
}

func TestUpsertReplacesDescription(t *testing.T) {
	store, _ := newSQLStore(t, "sqlite", testutil.NewEmbedder(8))
	ctx := context.Background()

	_, err := store.Upsert(ctx, sampleSource)
	require.NoError(t, err)
	gen := store.Generation()

	report, err := store.Upsert(ctx, []SourceEntry{{EventName: "app_open", Description: "App launched"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.Greater(t, store.Generation(), gen)

	got, err := store.Get(ctx, "app_open")
	require.NoError(t, err)
	assert.Equal(t, "App launched", got.Description)
	assert.Equal(t, int64(4), got.Seq)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "upsert must replace, not append")
}

func TestUpsertCollapsesDuplicatesAndBlanks(t *testing.T) {
	store, _ := newSQLStore(t, "sqlite", testutil.NewEmbedder(8))
	ctx := context.Background()

	report, err := store.Upsert(ctx, []SourceEntry{
		{EventName: "signup", Description: "first"},
		{EventName: "  ", Description: "orphan"},
		{EventName: "signup", Description: "second"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, ErrBlankName)

	got, err := store.Get(ctx, "signup")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Description)
}

func TestUpsertIsolatesEmbeddingFailures(t *testing.T) {
	emb := testutil.NewEmbedder(8)
	emb.Fail(EmbeddingText("purchase_completed", "User completed a purchase"), errors.New("quota"))
	store, _ := newSQLStore(t, "sqlite", emb)
	ctx := context.Background()

	report, err := store.Upsert(ctx, sampleSource)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Written)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "purchase_completed", report.Failed[0].EventName)
	assert.ErrorIs(t, report.Failed[0].Err, embedding.ErrEmbeddingFailure)

	_, err = store.Get(ctx, "purchase_completed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryNearestOrdering(t *testing.T) {
	emb := testutil.NewEmbedder(3)
	emb.Set(EmbeddingText("a", "first"), []float32{1, 0, 0})
	emb.Set(EmbeddingText("b", "twin"), []float32{0, 1, 0})
	emb.Set(EmbeddingText("c", "twin"), []float32{0, 2, 0})
	store, _ := newSQLStore(t, "sqlite", emb)
	ctx := context.Background()

	_, err := store.Upsert(ctx, []SourceEntry{
		{EventName: "a", Description: "first"},
		{EventName: "b", Description: "twin"},
		{EventName: "c", Description: "twin"},
	})
	require.NoError(t, err)

	matches, err := store.QueryNearest(ctx, []float32{0, 5, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	// b and c normalise to the same vector; b was written first.
	assert.Equal(t, "b", matches[0].EventName)
	assert.Equal(t, "c", matches[1].EventName)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, matches[0].Score, matches[1].Score)
	assert.Equal(t, "a", matches[2].EventName)

	top, err := store.QueryNearest(ctx, []float32{0, 5, 0}, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "b", top[0].EventName)
}

func TestSearchEmbedsFreeText(t *testing.T) {
	emb := testutil.NewEmbedder(3)
	emb.Set(EmbeddingText("app_open", "User opened the app"), []float32{1, 0, 0})
	emb.Set(EmbeddingText("purchase_completed", "User completed a purchase"), []float32{0, 1, 0})
	emb.Set(EmbeddingText("screen_view", "User viewed a screen"), []float32{0, 0, 1})
	emb.Set("bought something", []float32{0.2, 1, 0.1})
	store, _ := newSQLStore(t, "sqlite", emb)
	ctx := context.Background()
	_, err := store.Upsert(ctx, sampleSource)
	require.NoError(t, err)

	matches, err := store.Search(ctx, "bought something", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "purchase_completed", matches[0].EventName)
	assert.Equal(t, "User completed a purchase", matches[0].Description)
	assert.Equal(t, "app_open", matches[1].EventName)
	assert.Equal(t, 1, emb.Calls("bought something"))

	emb.Fail("broken", embedding.ErrEmbeddingFailure)
	_, err = store.Search(ctx, "broken", 2)
	assert.ErrorIs(t, err, embedding.ErrEmbeddingFailure)
}

func TestQueryNearestDimensionMismatch(t *testing.T) {
	store, _ := newSQLStore(t, "sqlite", testutil.NewEmbedder(8))
	ctx := context.Background()
	_, err := store.Upsert(ctx, sampleSource)
	require.NoError(t, err)

	_, err = store.QueryNearest(ctx, []float32{1, 2, 3}, 1)
	assert.ErrorIs(t, err, embedding.ErrDimensionMismatch)
}

func TestUpsertDimensionMismatchFailsEntry(t *testing.T) {
	emb := testutil.NewEmbedder(8)
	store, _ := newSQLStore(t, "sqlite", emb)
	ctx := context.Background()
	_, err := store.Upsert(ctx, sampleSource)
	require.NoError(t, err)

	emb.Set(EmbeddingText("odd", "short vector"), []float32{1, 2})
	report, err := store.Upsert(ctx, []SourceEntry{{EventName: "odd", Description: "short vector"}})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, embedding.ErrDimensionMismatch)
}

func TestEmptyCatalogQuery(t *testing.T) {
	store, _ := newSQLStore(t, "sqlite", testutil.NewEmbedder(8))
	matches, err := store.QueryNearest(context.Background(), []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDeleteAndRebuild(t *testing.T) {
	store, _ := newSQLStore(t, "sqlite", testutil.NewEmbedder(8))
	ctx := context.Background()
	_, err := store.Upsert(ctx, sampleSource)
	require.NoError(t, err)

	gen := store.Generation()
	deleted, err := store.Delete(ctx, "screen_view")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Greater(t, store.Generation(), gen)

	gen = store.Generation()
	deleted, err = store.Delete(ctx, "screen_view")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, gen, store.Generation())

	report, err := store.Rebuild(ctx, sampleSource[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRebuildAllowsNewDimension(t *testing.T) {
	store, idx := newSQLStore(t, "sqlite", testutil.NewEmbedder(8))
	ctx := context.Background()
	_, err := store.Upsert(ctx, sampleSource)
	require.NoError(t, err)

	wide := NewStore(idx, testutil.NewEmbedder(16), Options{})
	report, err := wide.Rebuild(ctx, sampleSource)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Written)

	dim, err := idx.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, dim)
}

// downIndex fails every call as an unreachable backend would.
type downIndex struct {
	Index
	calls atomic.Int32
}

func (d *downIndex) Nearest(context.Context, []float32, int) ([]Match, error) {
	d.calls.Add(1)
	return nil, ErrIndexUnavailable
}

func (d *downIndex) Ping(context.Context) error { return ErrIndexUnavailable }

func TestQueryNearestSurfacesUnavailable(t *testing.T) {
	idx := &downIndex{}
	store := NewStore(idx, testutil.NewEmbedder(4), Options{
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	matches, err := store.QueryNearest(context.Background(), []float32{1, 0, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Nil(t, matches)
	assert.Equal(t, int32(3), idx.calls.Load())
	assert.ErrorIs(t, store.Ping(context.Background()), ErrIndexUnavailable)
}

func TestClosedSQLIndexIsUnavailable(t *testing.T) {
	idx, err := OpenSQL("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close(), "second close is a no-op")
	ctx := context.Background()

	_, err = idx.Get(ctx, "app_open")
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	_, err = idx.Nearest(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	_, err = idx.Count(ctx)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	_, err = idx.Delete(ctx, "app_open")
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorIs(t, idx.Put(ctx, Entry{EventName: "x", Embedding: []float32{1}}), ErrIndexUnavailable)
	assert.ErrorIs(t, idx.Reset(ctx), ErrIndexUnavailable)
	assert.ErrorIs(t, idx.Ping(ctx), ErrIndexUnavailable)
}

// slowIndex blocks until the call context ends.
type slowIndex struct{ Index }

func (slowIndex) Nearest(ctx context.Context, _ []float32, _ int) ([]Match, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestQueryTimeoutIsUnavailable(t *testing.T) {
	store := NewStore(slowIndex{}, testutil.NewEmbedder(4), Options{QueryTimeout: 5 * time.Millisecond})
	_, err := store.QueryNearest(context.Background(), []float32{1, 0, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrIndexUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.QueryNearest(ctx, []float32{1, 0, 0, 0}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrIndexUnavailable)
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"app_open":           "app open",
		"purchase-completed": "purchase completed",
		"$screen_view":       "screen view",
		"AppOpen":            "app open",
		"checkout.step_2":    "checkout step 2",
		"  Sign Up  ":        "sign up",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), in)
	}
	assert.Equal(t, "app open: User opened the app", EmbeddingText("app_open", " User opened the app "))
	assert.Equal(t, "app open", EmbeddingText("app_open", ""))
}
