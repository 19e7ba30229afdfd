// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"EventLens/internal/config"
)

const logFileName = "eventlens.log"

// New builds a logger from cfg. With ToFile set, output goes to a rotating
// file under Dir (default ~/.eventlens/logs) instead of stderr, which keeps
// CLI output clean. The returned func flushes and closes the sink.
func New(cfg config.LoggingConfig) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "console", "dev", "development":
		ec := zap.NewDevelopmentEncoderConfig()
		if !cfg.ToFile {
			ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	}

	sink := zapcore.Lock(os.Stderr)
	closeSink := func() {}
	if cfg.ToFile {
		dir, err := Dir(cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(dir, logFileName),
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		sink = zapcore.AddSync(rotator)
		closeSink = func() { _ = rotator.Close() }
	}

	logger := zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		closeSink()
	}
	return logger, cleanup, nil
}

// Dir returns the directory file logs are written to.
func Dir(cfg config.LoggingConfig) (string, error) {
	if cfg.Dir != "" {
		return cfg.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".eventlens", "logs"), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
