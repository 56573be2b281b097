// Package mock provides a deterministic test double for ingest.Embedder.
package mock

import (
	"context"
	"hash/fnv"
	"sync"
)

// Embedder produces deterministic vectors derived from the text's hash, so
// tests get stable embeddings without a provider. EmbedFunc, when set,
// overrides the default behavior.
type Embedder struct {
	Dim       int
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	mu    sync.Mutex
	calls []string
}

// New creates a mock embedder emitting vectors of the given dimension.
func New(dim int) *Embedder {
	if dim <= 0 {
		dim = 384
	}
	return &Embedder{Dim: dim}
}

// Embed returns a deterministic vector for the text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, text)
	e.mu.Unlock()
	if e.EmbedFunc != nil {
		return e.EmbedFunc(ctx, text)
	}
	return deterministicVector(text, e.Dim), nil
}

// Calls returns every text embedded so far.
func (e *Embedder) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

func deterministicVector(text string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<31)
	}
	return vec
}
