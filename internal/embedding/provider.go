package embedding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"EventLens/internal/config"
)

var (
	// ErrEmbeddingFailure wraps any error raised by an embedding backend.
	ErrEmbeddingFailure = errors.New("embedding failure")
	// ErrDimensionMismatch is returned when a vector's size differs from the
	// pinned index dimension. It is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provider exposes semantic embedding capabilities.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// ProviderFactory constructs a Provider from the embedding configuration.
type ProviderFactory func(config.EmbeddingConfig) (Provider, error)

var (
	providersMu sync.RWMutex
	providers   = map[string]ProviderFactory{}
)

// RegisterProvider registers an embedding provider factory under the given
// backend name. Typically called from an init() function.
func RegisterProvider(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := []string{"llamacpp"}
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs an embedding provider based on configuration.
func New(cfg config.EmbeddingConfig) (Provider, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "llamacpp"
	}

	// Check built-in backends first, then the registry.
	switch backend {
	case "llamacpp":
		return newLlamaCppProvider(cfg.LlamaCpp)
	default:
		providersMu.RLock()
		factory, ok := providers[backend]
		providersMu.RUnlock()
		if ok {
			return factory(cfg)
		}
		return nil, fmt.Errorf("embedding: unsupported backend %q", backend)
	}
}
