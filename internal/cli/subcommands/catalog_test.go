package subcommands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EventLens/internal/catalog"
	"EventLens/internal/config"
	"EventLens/internal/pipeline"
	"EventLens/internal/testutil"
)

const catalogCSV = `event_name,description
app_open,User opened the app
purchase_completed,User completed a purchase
checkout_started,User started the checkout flow
`

// catalogEnv points a SQLite catalog and a CSV source into a temp dir. Each
// command opens its own pipeline over the same database file.
func catalogEnv(t *testing.T) (Env, string) {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "events.csv")
	require.NoError(t, os.WriteFile(source, []byte(catalogCSV), 0o644))

	emb := testutil.NewEmbedder(3)
	emb.Set(catalog.EmbeddingText("app_open", "User opened the app"), []float32{1, 0, 0})
	emb.Set(catalog.EmbeddingText("purchase_completed", "User completed a purchase"), []float32{0, 1, 0})
	emb.Set(catalog.EmbeddingText("checkout_started", "User started the checkout flow"), []float32{0, 0, 1})
	emb.Set("started checkout", []float32{0.1, 0.3, 1})

	cfg := config.Default()
	cfg.Catalog.Backend = "sql"
	cfg.Catalog.SQL.Driver = "sqlite"
	cfg.Catalog.SQL.Path = filepath.Join(dir, "catalog.db")
	cfg.Embedding.Dimensions = 3

	env, _, _ := newEnv("")
	env.Config = cfg
	env.Deps = pipeline.Deps{Embedder: emb, Generator: testutil.NewGenerator()}
	return env, source
}

// withOutput returns a copy of env writing to fresh buffers.
func withOutput(env Env) (Env, *strings.Builder, *strings.Builder) {
	var out, errOut strings.Builder
	env.Stdout = &out
	env.Stderr = &errOut
	return env, &out, &errOut
}

func catalogCount(t *testing.T, env Env) int {
	t.Helper()
	env, out, errOut := withOutput(env)
	require.Equal(t, 0, RunCatalogStats(context.Background(), env, true), errOut.String())
	var stats struct {
		Backend string  `json:"backend"`
		Entries int     `json:"entries"`
		Thresh  float64 `json:"threshold"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.String()), &stats))
	assert.Equal(t, "sql", stats.Backend)
	assert.Equal(t, 0.75, stats.Thresh)
	return stats.Entries
}

func TestRunCatalogBuildReportsCounts(t *testing.T) {
	env, source := catalogEnv(t)
	ctx := context.Background()

	e, out, errOut := withOutput(env)
	require.Equal(t, 0, RunCatalogBuild(ctx, e, CatalogBuildOptions{Source: source, JSON: true}), errOut.String())
	var report struct {
		Written   int `json:"written"`
		Unchanged int `json:"unchanged"`
		Skipped   int `json:"skipped"`
		Failed    []map[string]string
	}
	require.NoError(t, json.Unmarshal([]byte(out.String()), &report))
	assert.Equal(t, 3, report.Written)
	assert.Equal(t, 0, report.Unchanged)
	assert.Empty(t, report.Failed)

	e, out, errOut = withOutput(env)
	require.Equal(t, 0, RunCatalogBuild(ctx, e, CatalogBuildOptions{Source: source}), errOut.String())
	assert.Contains(t, out.String(), "written: 0  unchanged: 3  skipped: 0  failed: 0")

	e, out, _ = withOutput(env)
	require.Equal(t, 0, RunCatalogBuild(ctx, e, CatalogBuildOptions{Source: source, Rebuild: true}))
	assert.Contains(t, out.String(), "written: 3  unchanged: 0")
	assert.Equal(t, 3, catalogCount(t, env))
}

func TestRunCatalogBuildWithoutSource(t *testing.T) {
	env, _ := catalogEnv(t)
	env.Config.Catalog.Source = ""
	e, _, errOut := withOutput(env)
	assert.Equal(t, 1, RunCatalogBuild(context.Background(), e, CatalogBuildOptions{}))
	assert.Contains(t, errOut.String(), "no catalog source")
}

func TestRunCatalogQueryRanksMatches(t *testing.T) {
	env, source := catalogEnv(t)
	ctx := context.Background()
	e, _, errOut := withOutput(env)
	require.Equal(t, 0, RunCatalogBuild(ctx, e, CatalogBuildOptions{Source: source}), errOut.String())

	e, out, errOut := withOutput(env)
	require.Equal(t, 0, RunCatalogQuery(ctx, e, "started checkout", 2, true), errOut.String())
	var matches []catalog.Match
	require.NoError(t, json.Unmarshal([]byte(out.String()), &matches))
	require.Len(t, matches, 2)
	assert.Equal(t, "checkout_started", matches[0].EventName)
	assert.Equal(t, "purchase_completed", matches[1].EventName)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	e, out, _ = withOutput(env)
	require.Equal(t, 0, RunCatalogQuery(ctx, e, "started checkout", 0, false))
	text := out.String()
	assert.Contains(t, text, "User started the checkout flow")
	assert.Less(t, strings.Index(text, "checkout_started"), strings.Index(text, "purchase_completed"))
	assert.Less(t, strings.Index(text, "purchase_completed"), strings.Index(text, "app_open"))
}

func TestRunCatalogQueryOnEmptyCatalog(t *testing.T) {
	env, _ := catalogEnv(t)
	e, out, _ := withOutput(env)
	require.Equal(t, 0, RunCatalogQuery(context.Background(), e, "started checkout", 3, true))
	assert.Equal(t, "[]", strings.TrimSpace(out.String()))
}

func TestRunCatalogDeleteAndStats(t *testing.T) {
	env, source := catalogEnv(t)
	ctx := context.Background()
	e, _, errOut := withOutput(env)
	require.Equal(t, 0, RunCatalogBuild(ctx, e, CatalogBuildOptions{Source: source}), errOut.String())
	assert.Equal(t, 3, catalogCount(t, env))

	e, out, errOut := withOutput(env)
	assert.Equal(t, 1, RunCatalogDelete(ctx, e, []string{"app_open", "missing_event"}))
	assert.Contains(t, out.String(), "deleted app_open")
	assert.Contains(t, errOut.String(), "missing_event: not in catalog")
	assert.Equal(t, 2, catalogCount(t, env))

	e, out, _ = withOutput(env)
	require.Equal(t, 0, RunCatalogStats(ctx, e, false))
	assert.Contains(t, out.String(), "entries:   2")
	assert.Contains(t, out.String(), "sql")

	e, out, _ = withOutput(env)
	require.Equal(t, 0, RunCatalogQuery(ctx, e, "started checkout", 5, true))
	assert.NotContains(t, out.String(), "app_open")
}
