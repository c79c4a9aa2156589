package memory

import (
	"context"
)

// Embedder converts text to fixed-length vectors.
// Implementations: mock (testing), openai (API), onnx (local, build-tagged).
//
// Dimensions is a process-wide configuration constant: the episodic store
// checks it against the vector index at startup and on every write/query.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// VectorDoc is one entry in a vector index.
type VectorDoc struct {
	ID        string
	Embedding []float32
	Content   string
	Metadata  map[string]string
}

// VectorHit is a ranked query result.
type VectorHit struct {
	ID         string
	Similarity float32
	Content    string
	Metadata   map[string]string
	Embedding  []float32
}

// VectorIndex is the similarity-search capability consumed by episodic
// memory. It is assumed eventually consistent: a just-written document may
// not be immediately queryable, and nothing here relies on read-after-write.
//
// Implementations: chromem (embedded, SDK-provided); pgvector or a hosted
// index in production.
type VectorIndex interface {
	// Upsert writes a document. The embedding must already match the
	// index's configured dimensionality.
	Upsert(ctx context.Context, doc VectorDoc) error

	// Query returns up to topK documents ranked by descending similarity
	// to the query vector, optionally restricted by exact-match metadata
	// filters. An empty index yields an empty slice, not an error.
	Query(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]VectorHit, error)

	// Dimensions returns the dimensionality the index was created with.
	Dimensions() int

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Reset drops all documents and recreates the index with the declared
	// dimensionality. This is an explicit maintenance operation for
	// embedding-model migrations; it is never invoked during normal
	// operation.
	Reset(ctx context.Context, dimensions int) error

	// Close releases resources.
	Close() error
}

// FactStore is the durable persistence capability behind semantic memory.
// Implementations: redisfacts (SDK-provided), any relational store in
// production. Fact persistence is independent of the episodic tier's
// embedding-dimension lifecycle: a vector-index reset must not touch facts.
type FactStore interface {
	// Upsert inserts the fact or, when a fact with the same identity key
	// already exists for the entity, refreshes its UpdatedAt, Confidence
	// and SourceTurnRef instead of duplicating it. Concurrent upserts of
	// the same (entity, key) pair are serialized by the store.
	Upsert(ctx context.Context, fact SemanticFact) (SemanticFact, error)

	// Query returns the entity's facts, most relevant first (confidence,
	// then recency). An unknown entity yields an empty slice, never an
	// error: absence of facts is a normal state.
	Query(ctx context.Context, entityID string, limit int) ([]SemanticFact, error)

	// Count returns the total number of stored facts.
	Count(ctx context.Context) (int, error)

	// Clear removes every fact and reports how many were deleted.
	Clear(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// FactCandidate is a fact proposed by the extraction step of consolidation,
// before identity normalization and upsert.
type FactCandidate struct {
	EntityID   string  `json:"entity_id"`
	Category   string  `json:"category"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Distiller is the text-generation capability the consolidator depends on:
// summarizing a transcript into one episode and extracting durable facts
// from it. The llm package provides the Anthropic-backed implementation.
type Distiller interface {
	Summarize(ctx context.Context, transcript string) (string, error)
	ExtractFacts(ctx context.Context, transcript string) ([]FactCandidate, error)
}
