package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"EventLens/internal/cli/subcommands"
	"EventLens/internal/config"
	"EventLens/internal/logging"

	_ "EventLens/internal/llmclient"
)

// Version is stamped at build time.
var Version = "dev"

// exitError carries a subcommand's exit status through cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exit(code int) error {
	if code == 0 {
		return nil
	}
	return exitError{code: code}
}

type app struct {
	configPath string
	logLevel   string
	env        subcommands.Env
	closeLog   func()
}

// Execute is the entry point for the EventLens CLI.
func Execute() int {
	return run(context.Background(), os.Args[1:])
}

func run(ctx context.Context, args []string) int {
	a := &app{}
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if a.closeLog != nil {
		a.closeLog()
	}
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "eventlens",
		Short: "EventLens - semantic event catalog and session summaries",
		Long: `EventLens attaches catalog descriptions to product analytics events and
turns a user's session into a short narrative.

Configuration is read from eventlens.yaml (or APP_CONFIG) and APP_* variables.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Configuration file (overrides APP_CONFIG)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(a.catalogCommand())
	root.AddCommand(a.enrichCommand())
	root.AddCommand(a.summarizeCommand())
	root.AddCommand(a.serveCommand())
	root.AddCommand(a.benchCommand())
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exit(subcommands.RunConfig(a.env))
		},
	})
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if a.configPath != "" {
		if err := os.Setenv("APP_CONFIG", a.configPath); err != nil {
			return err
		}
	}
	cfg, err := config.Resolve()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(a.logLevel)
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	a.closeLog = closeLog
	logger.Debug("configuration resolved",
		zap.String("command", cmd.Name()),
		zap.String("catalog", cfg.Catalog.Backend),
		zap.String("embedding", cfg.Embedding.Backend),
		zap.String("runtime", cfg.Runtime.Backend),
	)

	a.env = subcommands.Env{
		Config: cfg,
		Logger: logger,
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	}
	return nil
}

func (a *app) catalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Build and inspect the event catalog",
	}

	var build subcommands.CatalogBuildOptions
	buildCmd := &cobra.Command{
		Use:   "build [source]",
		Short: "Embed a CSV, JSON or XLSX catalog into the index",
		Long: `Load event_name/description rows and upsert them into the catalog index.
Without a source argument, catalog.source from the configuration is used.

Examples:
  eventlens catalog build events.csv
  eventlens catalog build catalog.xlsx --rebuild`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				build.Source = args[0]
			}
			return exit(subcommands.RunCatalogBuild(cmd.Context(), a.env, build))
		},
	}
	buildCmd.Flags().BoolVar(&build.Rebuild, "rebuild", false, "Clear the index before loading")
	buildCmd.Flags().BoolVar(&build.JSON, "json", false, "Output as JSON")

	var (
		limit     int
		queryJSON bool
	)
	queryCmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Show the catalog entries nearest to a name or phrase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exit(subcommands.RunCatalogQuery(cmd.Context(), a.env, strings.Join(args, " "), limit, queryJSON))
		},
	}
	queryCmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum results")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Output as JSON")

	deleteCmd := &cobra.Command{
		Use:   "delete [event_name...]",
		Short: "Remove entries from the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exit(subcommands.RunCatalogDelete(cmd.Context(), a.env, args))
		},
	}

	var statsJSON bool
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show catalog backend, size and threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exit(subcommands.RunCatalogStats(cmd.Context(), a.env, statsJSON))
		},
	}
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output as JSON")

	cmd.AddCommand(buildCmd, queryCmd, deleteCmd, statsCmd)
	return cmd
}

func sessionFlags(cmd *cobra.Command, opts *subcommands.SessionOptions) {
	cmd.Flags().StringVar(&opts.Server, "server", "", "Send sessions to a running EventLens server (e.g. http://127.0.0.1:8080)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON")
}

func (a *app) enrichCommand() *cobra.Command {
	var opts subcommands.SessionOptions
	cmd := &cobra.Command{
		Use:   "enrich [events.json]",
		Short: "Attach catalog descriptions to session events",
		Long: `Read events as a JSON array or JSON lines (stdin when no file is given),
group them by distinct_id and attach the closest catalog description to each.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Input = args[0]
			}
			return exit(subcommands.RunEnrich(cmd.Context(), a.env, opts))
		},
	}
	sessionFlags(cmd, &opts)
	return cmd
}

func (a *app) summarizeCommand() *cobra.Command {
	var opts subcommands.SessionOptions
	cmd := &cobra.Command{
		Use:   "summarize [events.json]",
		Short: "Describe each session in a short narrative",
		Long: `Enrich each session and ask the configured runtime for a narrative of at
most --max-words words. Generation problems fall back to a templated summary.

Examples:
  eventlens summarize session.json
  cat events.jsonl | eventlens summarize --max-words 80
  eventlens summarize session.json --server http://127.0.0.1:8080`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Input = args[0]
			}
			return exit(subcommands.RunSummarize(cmd.Context(), a.env, opts))
		},
	}
	sessionFlags(cmd, &opts)
	cmd.Flags().IntVarP(&opts.MaxWords, "max-words", "w", 0, "Word ceiling (0 uses summarizer.max_words)")
	cmd.Flags().BoolVar(&opts.Plain, "plain", false, "Print plain text instead of rendered markdown")
	return cmd
}

func (a *app) serveCommand() *cobra.Command {
	var opts subcommands.ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exit(subcommands.RunServe(cmd.Context(), a.env, opts))
		},
	}
	cmd.Flags().StringVar(&opts.Host, "host", "", "Server host address (overrides config)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "Server port (overrides config)")
	return cmd
}

func (a *app) benchCommand() *cobra.Command {
	var opts subcommands.BenchOptions
	cmd := &cobra.Command{
		Use:   "bench [events.json]",
		Short: "Time enrichment and summarization over recorded sessions",
		Long: `Run every session several times and report cold and warm enrichment
latency, summarization latency, description coverage and fallback counts.

Examples:
  eventlens bench sessions.jsonl --iterations 5
  eventlens bench sessions.jsonl --server http://127.0.0.1:8080 --output bench.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Input = args[0]
			}
			return exit(subcommands.RunBench(cmd.Context(), a.env, opts))
		},
	}
	cmd.Flags().StringVar(&opts.Server, "server", "", "Benchmark a running EventLens server")
	cmd.Flags().IntVarP(&opts.Iterations, "iterations", "i", 0, "Runs per session (default 3)")
	cmd.Flags().IntVarP(&opts.MaxWords, "max-words", "w", 0, "Word ceiling passed to the summarizer")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Write the JSON report to this file")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Print every iteration")
	return cmd
}
