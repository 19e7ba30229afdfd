package subcommands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"EventLens/server"
)

const shutdownGrace = 10 * time.Second

// ServeOptions overrides the server section of the configuration.
type ServeOptions struct {
	Host string
	Port int
}

// RunServe starts the HTTP API and blocks until SIGINT or SIGTERM.
func RunServe(ctx context.Context, env Env, opts ServeOptions) int {
	cfg := env.Config
	if !cfg.ServerEnabled() {
		return env.failf("server disabled by configuration")
	}

	host := cfg.Server.Host
	if opts.Host != "" {
		host = opts.Host
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Server.Port
	if opts.Port > 0 {
		port = opts.Port
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pipe, closeFn, err := openPipeline(ctx, env, reg)
	if err != nil {
		return env.failf("failed to initialize pipeline: %v", err)
	}
	defer closeFn()

	httpServer := server.NewHTTPServer(pipe, server.Options{
		Address:        host,
		Port:           port,
		Mode:           cfg.Server.Mode,
		Gatherer:       reg,
		RequestTimeout: pipe.RequestTimeout(),
		Logger:         env.logger(),
	})
	if err := httpServer.Start(); err != nil {
		return env.failf("failed to start HTTP server: %v", err)
	}

	out := env.stdout()
	fmt.Fprintf(out, "EventLens HTTP server listening on http://%s:%d\n", host, port)
	fmt.Fprintf(out, "  Health:    http://%s:%d/health\n", host, port)
	fmt.Fprintf(out, "  Enrich:    http://%s:%d/v1/enrich\n", host, port)
	fmt.Fprintf(out, "  Summarize: http://%s:%d/v1/summarize\n", host, port)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Metrics:   http://%s:%d/metrics\n", host, port)
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()

	fmt.Fprintln(out, "HTTP server shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	if err := httpServer.Stop(stopCtx); err != nil {
		env.logger().Warn("failed to stop HTTP server", zap.Error(err))
		return 1
	}
	return 0
}
