package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"EventLens/internal/config"
)

// Manager routes generation requests to the configured runtime adapter.
type Manager struct {
	adapter Adapter
	logger  *zap.Logger
}

// NewManager constructs the runtime manager using the provided configuration.
func NewManager(cfg config.RuntimeConfig, registry Registry, logger *zap.Logger) (*Manager, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	if backend == "" {
		backend = "http"
	}

	adapterFactory, ok := registry[backend]
	if !ok {
		return nil, fmt.Errorf("runtime: backend %q not registered", backend)
	}

	adapter, err := adapterFactory(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{adapter: adapter, logger: logger.Named("runtime")}, nil
}

// NewManagerWithAdapter wraps an already constructed adapter.
func NewManagerWithAdapter(a Adapter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{adapter: a, logger: logger.Named("runtime")}
}

// Backend returns the active adapter name.
func (m *Manager) Backend() string {
	if m == nil || m.adapter == nil {
		return ""
	}
	return m.adapter.Name()
}

// Close frees adapter resources.
func (m *Manager) Close() error {
	if m == nil || m.adapter == nil {
		return nil
	}
	return m.adapter.Close()
}

// Generate runs a single-shot completion request.
func (m *Manager) Generate(ctx context.Context, req Request) (Response, error) {
	if m == nil || m.adapter == nil {
		return Response{}, fmt.Errorf("%w: no adapter configured", ErrGenerationFailure)
	}
	start := time.Now()
	resp, err := m.adapter.Generate(ctx, req)
	if err != nil {
		m.logger.Debug("generation failed", zap.String("backend", m.adapter.Name()), zap.Error(err))
		return Response{}, Failure(m.adapter.Name(), err)
	}
	if resp.Stats.Duration == 0 {
		resp.Stats.Duration = time.Since(start)
	}
	m.logger.Debug("generation complete",
		zap.String("backend", m.adapter.Name()),
		zap.Duration("elapsed", resp.Stats.Duration),
		zap.Int("chars", len(resp.Text)),
	)
	return resp, nil
}

// Registry maps backend keys to factories initialising adapters.
type Registry map[string]AdapterFactory

// AdapterFactory constructs a new adapter instance from configuration.
type AdapterFactory func(config.RuntimeConfig) (Adapter, error)
