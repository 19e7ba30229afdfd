package subcommands

import (
	"context"
	"fmt"

	"EventLens/internal/catalog"
)

// CatalogBuildOptions controls "catalog build".
type CatalogBuildOptions struct {
	// Source overrides catalog.source from the configuration.
	Source  string
	Rebuild bool
	JSON    bool
}

// RunCatalogBuild loads a CSV, JSON or XLSX catalog and upserts it. Entries
// that fail to embed are reported but do not fail the command unless every
// entry failed.
func RunCatalogBuild(ctx context.Context, env Env, opts CatalogBuildOptions) int {
	pipe, closeFn, err := openPipeline(ctx, env, nil)
	if err != nil {
		return env.failf("failed to initialize pipeline: %v", err)
	}
	defer closeFn()

	source := opts.Source
	if source == "" {
		source = env.Config.Catalog.Source
	}
	report, err := pipe.BuildCatalog(ctx, source, opts.Rebuild)
	if err != nil {
		return env.failf("catalog build failed: %v", err)
	}

	if opts.JSON {
		failures := make([]map[string]string, 0, len(report.Failed))
		for _, f := range report.Failed {
			failures = append(failures, map[string]string{"event_name": f.EventName, "error": f.Err.Error()})
		}
		_ = writeJSON(env.stdout(), map[string]any{
			"source":    source,
			"written":   report.Written,
			"unchanged": report.Unchanged,
			"skipped":   report.Skipped,
			"failed":    failures,
		})
	} else {
		renderReport(env.stdout(), source, report)
	}

	if len(report.Failed) > 0 && report.Written+report.Unchanged == 0 {
		return 1
	}
	return 0
}

// RunCatalogQuery prints the k entries nearest to text.
func RunCatalogQuery(ctx context.Context, env Env, text string, k int, asJSON bool) int {
	if k <= 0 {
		k = 5
	}
	pipe, closeFn, err := openPipeline(ctx, env, nil)
	if err != nil {
		return env.failf("failed to initialize pipeline: %v", err)
	}
	defer closeFn()

	matches, err := pipe.Store().Search(ctx, text, k)
	if err != nil {
		return env.failf("catalog query failed: %v", err)
	}
	if asJSON {
		if matches == nil {
			matches = []catalog.Match{}
		}
		_ = writeJSON(env.stdout(), matches)
		return 0
	}
	renderMatches(env.stdout(), text, matches)
	return 0
}

// RunCatalogDelete removes entries by name. Unknown names are reported and
// make the command exit non-zero.
func RunCatalogDelete(ctx context.Context, env Env, names []string) int {
	pipe, closeFn, err := openPipeline(ctx, env, nil)
	if err != nil {
		return env.failf("failed to initialize pipeline: %v", err)
	}
	defer closeFn()

	code := 0
	for _, name := range names {
		removed, err := pipe.Store().Delete(ctx, name)
		switch {
		case err != nil:
			fmt.Fprintln(env.stderr(), errorStyle.Render(fmt.Sprintf("%s: %v", name, err)))
			code = 1
		case !removed:
			fmt.Fprintln(env.stderr(), warnStyle.Render(name+": not in catalog"))
			code = 1
		default:
			fmt.Fprintf(env.stdout(), "deleted %s\n", name)
		}
	}
	return code
}

// RunCatalogStats reports the backend, the entry count and reachability.
func RunCatalogStats(ctx context.Context, env Env, asJSON bool) int {
	pipe, closeFn, err := openPipeline(ctx, env, nil)
	if err != nil {
		return env.failf("failed to initialize pipeline: %v", err)
	}
	defer closeFn()

	store := pipe.Store()
	if err := store.Ping(ctx); err != nil {
		return env.failf("catalog unreachable: %v", err)
	}
	count, err := store.Count(ctx)
	if err != nil {
		return env.failf("catalog count failed: %v", err)
	}

	cfg := env.Config
	if asJSON {
		_ = writeJSON(env.stdout(), map[string]any{
			"backend":   cfg.Catalog.Backend,
			"entries":   count,
			"threshold": pipe.Cache().Threshold(),
			"embedding": cfg.Embedding.Backend,
		})
		return 0
	}
	fmt.Fprintln(env.stdout(), titleStyle.Render("Event catalog"))
	fmt.Fprintf(env.stdout(), "  backend:   %s\n", cfg.Catalog.Backend)
	fmt.Fprintf(env.stdout(), "  entries:   %d\n", count)
	fmt.Fprintf(env.stdout(), "  embedding: %s (%d dims)\n", cfg.Embedding.Backend, cfg.Embedding.Dimensions)
	fmt.Fprintf(env.stdout(), "  threshold: %.2f\n", pipe.Cache().Threshold())
	return 0
}
