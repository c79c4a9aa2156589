// Package chromem adapts chromem-go, a pure-Go embedded vector database,
// to the memory.VectorIndex capability used by episodic memory.
package chromem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/laffeybot/laffey/memory"
)

// Config configures the index.
type Config struct {
	// Collection names the chromem collection. Default "episodes".
	Collection string

	// Dimensions declares the embedding dimensionality the index accepts.
	Dimensions int

	// Path enables on-disk persistence. Empty keeps everything in memory,
	// which is what tests and local development want.
	Path string

	Logger *zap.Logger
}

// Index implements memory.VectorIndex on chromem-go.
type Index struct {
	db     *chromem.DB
	mu     sync.RWMutex
	col    *chromem.Collection
	name   string
	dims   int
	logger *zap.Logger
}

// New creates the index with its declared dimensionality.
func New(cfg Config) (*Index, error) {
	if cfg.Dimensions < 1 {
		return nil, &memory.ConfigurationError{Field: "dimensions", Reason: "must be positive"}
	}
	if cfg.Collection == "" {
		cfg.Collection = "episodes"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are always provided by the caller, so no embedding func
	// and default cosine distance.
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &Index{
		db:     db,
		col:    col,
		name:   cfg.Collection,
		dims:   cfg.Dimensions,
		logger: cfg.Logger.With(zap.String("component", "chromem_index")),
	}, nil
}

// Dimensions returns the declared dimensionality.
func (ix *Index) Dimensions() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dims
}

// Upsert writes one document.
func (ix *Index) Upsert(ctx context.Context, doc memory.VectorDoc) error {
	ix.mu.RLock()
	col, dims := ix.col, ix.dims
	ix.mu.RUnlock()

	if err := memory.CheckDimensions(dims, doc.Embedding); err != nil {
		return err
	}
	if doc.ID == "" {
		return fmt.Errorf("chromem upsert: document id is required")
	}

	err := col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	})
	if err != nil {
		return memory.Transient(fmt.Errorf("add document: %w", err))
	}
	return nil
}

// Query returns up to topK documents ranked by descending similarity.
// chromem rejects nResults larger than the matching document count, so the
// limit is clamped down until the query succeeds or the index proves empty.
func (ix *Index) Query(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]memory.VectorHit, error) {
	ix.mu.RLock()
	col, dims := ix.col, ix.dims
	ix.mu.RUnlock()

	if err := memory.CheckDimensions(dims, embedding); err != nil {
		return nil, err
	}
	if topK < 1 {
		return nil, nil
	}
	if n := col.Count(); n == 0 {
		return nil, nil
	} else if topK > n {
		topK = n
	}

	var results []chromem.Result
	for limit := topK; limit >= 1; limit-- {
		var err error
		results, err = col.QueryEmbedding(ctx, embedding, limit, filters, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, memory.Transient(fmt.Errorf("chromem query: %w", err))
	}

	hits := make([]memory.VectorHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, memory.VectorHit{
			ID:         r.ID,
			Similarity: r.Similarity,
			Content:    r.Content,
			Metadata:   r.Metadata,
			Embedding:  r.Embedding,
		})
	}
	return hits, nil
}

// Count returns the number of stored documents.
func (ix *Index) Count(ctx context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.col.Count(), nil
}

// Reset drops the collection and recreates it with the declared
// dimensionality. Maintenance only; see memory.VectorIndex.
func (ix *Index) Reset(ctx context.Context, dimensions int) error {
	if dimensions < 1 {
		return &memory.ConfigurationError{Field: "dimensions", Reason: "must be positive"}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.db.DeleteCollection(ix.name); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	col, err := ix.db.GetOrCreateCollection(ix.name, nil, nil)
	if err != nil {
		return fmt.Errorf("recreate collection: %w", err)
	}
	ix.col = col
	ix.dims = dimensions
	ix.logger.Info("collection reset", zap.String("collection", ix.name), zap.Int("dimensions", dimensions))
	return nil
}

// Close releases resources. chromem keeps everything in process memory
// (or already flushed to disk), so nothing to do.
func (ix *Index) Close() error { return nil }

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
