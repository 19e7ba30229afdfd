package subcommands

import (
	"context"
	"fmt"

	"EventLens/internal/bench"
)

// BenchOptions controls "bench".
type BenchOptions struct {
	Input      string
	Server     string
	Iterations int
	MaxWords   int
	Output     string
	Verbose    bool
}

// RunBench times enrichment and summarization over every input session.
func RunBench(ctx context.Context, env Env, opts BenchOptions) int {
	sessions, err := readSessions(env, opts.Input)
	if err != nil {
		return env.failf("failed to read events: %v", err)
	}
	svc, _, closeFn, err := openService(ctx, env, opts.Server)
	if err != nil {
		return env.failf("failed to initialize pipeline: %v", err)
	}
	defer closeFn()

	cfg := bench.DefaultConfig()
	if opts.Iterations > 0 {
		cfg.Iterations = opts.Iterations
	}
	cfg.MaxWords = opts.MaxWords
	cfg.OutputPath = opts.Output
	cfg.Verbose = opts.Verbose

	fmt.Fprintln(env.stdout(), titleStyle.Render("EventLens benchmark"))
	report, err := bench.NewRunner(svc, cfg, env.stdout()).Run(ctx, sessions)
	if err != nil {
		return env.failf("benchmark interrupted: %v", err)
	}
	for _, s := range report.Summaries {
		if s.Iterations == 0 {
			return 1
		}
	}
	return 0
}
