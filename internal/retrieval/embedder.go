// Package retrieval embeds node chunks and finds nodes by semantic similarity.
package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Backend embeds texts with model, returning one vector per text in order.
type Backend interface {
	EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error)
}

const (
	defaultBatchSize = 16
	maxInflight      = 2
)

// Embedder generates text embeddings with a fixed model.
type Embedder struct {
	backend   Backend
	model     string
	batchSize int
}

func NewEmbedder(b Backend, model string) *Embedder {
	return &Embedder{backend: b, model: model, batchSize: defaultBatchSize}
}

func (e *Embedder) Model() string { return e.model }

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits texts into backend requests of at most batchSize and
// runs up to maxInflight of them at once. Every returned vector has the
// same dimension. Empty input yields nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInflight)
	for lo := 0; lo < len(texts); lo += e.batchSize {
		hi := min(lo+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.backend.EmbedMany(gctx, e.model, texts[lo:hi])
			if err != nil {
				return fmt.Errorf("embedding texts %d..%d: %w", lo, hi-1, err)
			}
			if len(vecs) != hi-lo {
				return fmt.Errorf("embedding texts %d..%d: got %d vectors", lo, hi-1, len(vecs))
			}
			copy(out[lo:hi], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(out[0])
	for i, v := range out {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), dim)
		}
	}
	return out, nil
}
