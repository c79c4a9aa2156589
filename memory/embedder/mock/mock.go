// Package mock provides a deterministic embedder for tests and local
// development. Embeddings are derived from a hash of the text, so equal
// texts always embed identically and no model download is needed.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// Embedder generates deterministic hash-based embeddings.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with DefaultDimensions.
func New() *Embedder {
	return NewWithDimensions(DefaultDimensions)
}

// NewWithDimensions creates a mock embedder of the given size.
func NewWithDimensions(dimensions int) *Embedder {
	if dimensions < 1 {
		dimensions = DefaultDimensions
	}
	return &Embedder{dimensions: dimensions}
}

// Embed derives a unit vector from the text hash. Identical texts produce
// identical vectors; distinct texts are effectively orthogonal, which is
// enough for similarity-ordering tests.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, e.dimensions)
	for i := range embedding {
		// LCG stream seeded by the hash.
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
