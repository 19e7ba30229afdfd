// Package testutil holds deterministic fakes for the embedding and
// generation boundaries.
package testutil

import (
	"context"
	"hash/fnv"
	"sync"

	"EventLens/internal/runtime"
)

// Embedder returns fixed vectors for known texts and a hash-derived vector
// for anything else. It counts calls per text.
type Embedder struct {
	Dim int

	mu      sync.Mutex
	vectors map[string][]float32
	errs    map[string]error
	calls   map[string]int
	total   int

	// Hook runs before every call; a non-nil error is returned as-is.
	Hook func(ctx context.Context, text string) error
}

func NewEmbedder(dim int) *Embedder {
	return &Embedder{
		Dim:     dim,
		vectors: make(map[string][]float32),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Set fixes the vector returned for text.
func (e *Embedder) Set(text string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = append([]float32(nil), vec...)
}

// Fail makes every call for text return err.
func (e *Embedder) Fail(text string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[text] = err
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls[text]++
	e.total++
	hook := e.Hook
	e.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, text); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.errs[text]; ok {
		return nil, err
	}
	if vec, ok := e.vectors[text]; ok {
		return append([]float32(nil), vec...), nil
	}
	return hashVector(text, e.Dim), nil
}

func (e *Embedder) Close() error { return nil }

// Calls returns how often text was embedded.
func (e *Embedder) Calls(text string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[text]
}

// TotalCalls returns the number of Embed calls across all texts.
func (e *Embedder) TotalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

func hashVector(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	h := fnv.New64a()
	for i := range vec {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		vec[i] = float32(h.Sum64()%2000)/1000 - 1
	}
	return vec
}

// Generator is a scripted runtime generator.
type Generator struct {
	mu       sync.Mutex
	replies  []Reply
	requests []runtime.Request
}

// Reply is one scripted generation outcome.
type Reply struct {
	Text string
	Err  error
}

// NewGenerator returns a generator that plays replies in order and repeats
// the last one once exhausted.
func NewGenerator(replies ...Reply) *Generator {
	return &Generator{replies: replies}
}

func (g *Generator) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	n := len(g.requests)
	var r Reply
	if len(g.replies) > 0 {
		idx := n - 1
		if idx >= len(g.replies) {
			idx = len(g.replies) - 1
		}
		r = g.replies[idx]
	}
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return runtime.Response{}, err
	}
	if r.Err != nil {
		return runtime.Response{}, r.Err
	}
	return runtime.Response{Text: r.Text}, nil
}

// Requests returns the requests seen so far.
func (g *Generator) Requests() []runtime.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]runtime.Request(nil), g.requests...)
}
