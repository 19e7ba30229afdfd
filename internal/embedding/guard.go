package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Guard wraps a Provider with a per-call timeout and pins the vector
// dimension. Errors from the backend are wrapped in ErrEmbeddingFailure;
// caller cancellation is returned as the context error.
type Guard struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger

	mu  sync.Mutex
	dim int
}

// NewGuard wraps p. A zero dim adopts the size of the first vector returned.
func NewGuard(p Provider, dim int, timeout time.Duration, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{provider: p, dim: dim, timeout: timeout, logger: logger}
}

func (g *Guard) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	vec, err := g.provider.Embed(callCtx, text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		g.logger.Warn("embedding call failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingFailure)
	}
	if err := g.check(len(vec)); err != nil {
		return nil, err
	}
	return vec, nil
}

func (g *Guard) check(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dim == 0 {
		g.dim = n
		return nil
	}
	if n != g.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, g.dim)
	}
	return nil
}

// Dimension returns the pinned dimension, or zero before the first call when
// none was configured.
func (g *Guard) Dimension() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dim
}

func (g *Guard) Close() error {
	if g.provider == nil {
		return nil
	}
	return g.provider.Close()
}

// Normalize returns a unit-length copy of vec. A zero vector is returned
// unchanged.
func Normalize(vec []float32) []float32 {
	out := make([]float32, len(vec))
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		copy(out, vec)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

// Dot returns the inner product of two equal-length vectors. For unit vectors
// this is the cosine similarity.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Cosine computes cosine similarity without assuming unit length.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
