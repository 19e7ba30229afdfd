package subcommands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"EventLens/internal/config"
	"EventLens/internal/events"
	"EventLens/internal/pipeline"
)

// Env is what every subcommand receives from the root command.
type Env struct {
	Config config.Config
	Logger *zap.Logger
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Deps replaces pipeline parts that would otherwise come from Config.
	Deps pipeline.Deps
}

func (e Env) stdin() io.Reader {
	if e.Stdin == nil {
		return os.Stdin
	}
	return e.Stdin
}

func (e Env) stdout() io.Writer {
	if e.Stdout == nil {
		return os.Stdout
	}
	return e.Stdout
}

func (e Env) stderr() io.Writer {
	if e.Stderr == nil {
		return os.Stderr
	}
	return e.Stderr
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Env) failf(format string, args ...any) int {
	fmt.Fprintf(e.stderr(), format+"\n", args...)
	return 1
}

// openPipeline builds the pipeline for a one-shot command. reg may be nil.
func openPipeline(ctx context.Context, env Env, reg prometheus.Registerer) (*pipeline.Pipeline, func(), error) {
	deps := env.Deps
	deps.Logger = env.logger()
	if reg != nil {
		deps.Registerer = reg
	}
	pipe, err := pipeline.New(ctx, env.Config, deps)
	if err != nil {
		return nil, nil, err
	}
	return pipe, func() {
		if err := pipe.Close(); err != nil {
			env.logger().Warn("failed to close pipeline", zap.Error(err))
		}
	}, nil
}

// readSessions decodes sessions from path, or from stdin when path is
// empty or "-".
func readSessions(env Env, path string) ([]events.Session, error) {
	var r io.Reader
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		r = env.stdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		r = f
	}
	sessions, err := events.DecodeSessions(r)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no events in input")
	}
	return sessions, nil
}
