package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecordKind distinguishes ordinary consolidated episodes from explicitly
// taught knowledge.
type RecordKind string

const (
	// KindEpisode is a consolidated conversation summary.
	KindEpisode RecordKind = "episode"

	// KindLearned is knowledge taught through the Learn operation. Learned
	// records carry elevated salience and are retrieved ahead of ordinary
	// episodes.
	KindLearned RecordKind = "learned"
)

// EpisodicRecord is one embedded conversation snapshot. Records are
// immutable once written: never updated, only superseded by newer records.
type EpisodicRecord struct {
	ID             string     `json:"id"`
	Embedding      []float32  `json:"embedding"`
	Summary        string     `json:"summary"`
	ConversationID string     `json:"conversation_id"`
	EntityID       string     `json:"entity_id,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Kind           RecordKind `json:"kind"`
	Salience       float64    `json:"salience"`
}

// ScoredRecord pairs a retrieved record with its similarity to the query.
type ScoredRecord struct {
	Record     EpisodicRecord
	Similarity float32
}

// EpisodicFilter restricts a similarity query. Zero values mean no filter.
type EpisodicFilter struct {
	EntityID       string
	ConversationID string
	Kind           RecordKind
}

// EpisodicStore is the durable, embedding-indexed tier. It validates every
// embedding against the configured dimensionality before touching the
// index: a mismatch means the embedding model changed without an index
// migration, and that has to surface loudly rather than be padded over.
type EpisodicStore struct {
	index  VectorIndex
	logger *zap.Logger

	// mu guards dimensions: Reset rewrites it while live queries read it.
	mu         sync.RWMutex
	dimensions int
}

// NewEpisodicStore wires the store to its vector index. The index must
// already be configured for the given dimensionality; disagreement is a
// fatal configuration error, caught here at startup rather than on the
// first write.
func NewEpisodicStore(index VectorIndex, dimensions int, logger *zap.Logger) (*EpisodicStore, error) {
	if dimensions < 1 {
		return nil, &ConfigurationError{Field: "dimensions", Reason: "must be positive"}
	}
	if got := index.Dimensions(); got != dimensions {
		return nil, &ConfigurationError{
			Field:  "dimensions",
			Reason: fmt.Sprintf("vector index configured for %d, embedder produces %d", got, dimensions),
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EpisodicStore{
		index:      index,
		dimensions: dimensions,
		logger:     logger.With(zap.String("component", "episodic_memory")),
	}, nil
}

// Dimensions returns the configured embedding dimensionality.
func (s *EpisodicStore) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimensions
}

// Write appends one record and returns its id. Records are single-write
// atomic at the index boundary; a failed write leaves nothing behind.
func (s *EpisodicStore) Write(ctx context.Context, rec EpisodicRecord) (string, error) {
	if rec.Summary == "" {
		return "", fmt.Errorf("episodic record: summary is required")
	}
	if rec.ConversationID == "" {
		return "", fmt.Errorf("episodic record: conversation id is required")
	}
	if err := CheckDimensions(s.Dimensions(), rec.Embedding); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Kind == "" {
		rec.Kind = KindEpisode
	}
	if rec.Salience == 0 {
		rec.Salience = 1.0
	}

	doc := VectorDoc{
		ID:        rec.ID,
		Embedding: rec.Embedding,
		Content:   rec.Summary,
		Metadata: map[string]string{
			"conversation_id": rec.ConversationID,
			"entity_id":       rec.EntityID,
			"kind":            string(rec.Kind),
			"timestamp":       rec.Timestamp.Format(time.RFC3339Nano),
			"salience":        strconv.FormatFloat(rec.Salience, 'f', -1, 64),
		},
	}
	if err := s.index.Upsert(ctx, doc); err != nil {
		return "", fmt.Errorf("episodic write: %w", err)
	}

	s.logger.Debug("episodic record written",
		zap.String("id", rec.ID),
		zap.String("conversation_id", rec.ConversationID),
		zap.String("kind", string(rec.Kind)))
	return rec.ID, nil
}

// Query returns up to topK records ordered by descending similarity to the
// query embedding, ties broken newer-first. A wrong-length query vector
// fails with DimensionMismatchError before any read happens.
func (s *EpisodicStore) Query(ctx context.Context, embedding []float32, topK int, filter EpisodicFilter) ([]ScoredRecord, error) {
	if err := CheckDimensions(s.Dimensions(), embedding); err != nil {
		return nil, err
	}
	if topK < 1 {
		return nil, nil
	}

	where := map[string]string{}
	if filter.EntityID != "" {
		where["entity_id"] = filter.EntityID
	}
	if filter.ConversationID != "" {
		where["conversation_id"] = filter.ConversationID
	}
	if filter.Kind != "" {
		where["kind"] = string(filter.Kind)
	}

	hits, err := s.index.Query(ctx, embedding, topK, where)
	if err != nil {
		return nil, fmt.Errorf("episodic query: %w", err)
	}

	out := make([]ScoredRecord, 0, len(hits))
	for _, h := range hits {
		rec, err := recordFromHit(h)
		if err != nil {
			s.logger.Warn("skipping undecodable episodic hit", zap.String("id", h.ID), zap.Error(err))
			continue
		}
		out = append(out, ScoredRecord{Record: rec, Similarity: h.Similarity})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Record.Timestamp.After(out[j].Record.Timestamp)
	})
	return out, nil
}

// Count returns the number of stored records.
func (s *EpisodicStore) Count(ctx context.Context) (int, error) {
	return s.index.Count(ctx)
}

// Reset drops and recreates the underlying index with a new declared
// dimensionality, then adopts it for subsequent writes and queries. This
// is a maintenance operation for embedding-model migrations; semantic
// facts live elsewhere and are untouched.
func (s *EpisodicStore) Reset(ctx context.Context, dimensions int) error {
	if dimensions < 1 {
		return &ConfigurationError{Field: "dimensions", Reason: "must be positive"}
	}
	if err := s.index.Reset(ctx, dimensions); err != nil {
		return fmt.Errorf("episodic reset: %w", err)
	}
	s.mu.Lock()
	s.dimensions = dimensions
	s.mu.Unlock()
	s.logger.Info("episodic index reset", zap.Int("dimensions", dimensions))
	return nil
}

func recordFromHit(h VectorHit) (EpisodicRecord, error) {
	if h.Content == "" {
		return EpisodicRecord{}, fmt.Errorf("hit %s has no content", h.ID)
	}
	ts, err := time.Parse(time.RFC3339Nano, h.Metadata["timestamp"])
	if err != nil {
		return EpisodicRecord{}, fmt.Errorf("hit %s timestamp: %w", h.ID, err)
	}
	salience, err := strconv.ParseFloat(h.Metadata["salience"], 64)
	if err != nil {
		salience = 1.0
	}
	kind := RecordKind(h.Metadata["kind"])
	if kind == "" {
		kind = KindEpisode
	}
	return EpisodicRecord{
		ID:             h.ID,
		Embedding:      h.Embedding,
		Summary:        h.Content,
		ConversationID: h.Metadata["conversation_id"],
		EntityID:       h.Metadata["entity_id"],
		Timestamp:      ts,
		Kind:           kind,
		Salience:       salience,
	}, nil
}
