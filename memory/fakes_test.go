package memory_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/laffeybot/laffey/memory"
)

// fakeEmbedder returns registered vectors per text, or a fixed unit vector
// for unregistered texts. Lets tests craft exact similarity orderings.
type fakeEmbedder struct {
	dims    int
	vectors map[string][]float32
	fail    error
}

func newFakeEmbedder(dims int) *fakeEmbedder {
	return &fakeEmbedder{dims: dims, vectors: make(map[string][]float32)}
}

func (e *fakeEmbedder) register(text string, vec []float32) {
	e.vectors[text] = vec
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, e.dims)
	v[0] = 1
	return v, nil
}

func (e *fakeEmbedder) Dimensions() int { return e.dims }

// fakeIndex is an in-memory VectorIndex with exact cosine ranking.
type fakeIndex struct {
	mu         sync.Mutex
	dims       int
	docs       map[string]memory.VectorDoc
	failUpsert error
}

func newFakeIndex(dims int) *fakeIndex {
	return &fakeIndex{dims: dims, docs: make(map[string]memory.VectorDoc)}
}

func (ix *fakeIndex) Upsert(ctx context.Context, doc memory.VectorDoc) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := memory.CheckDimensions(ix.dims, doc.Embedding); err != nil {
		return err
	}
	if ix.failUpsert != nil {
		return ix.failUpsert
	}
	ix.docs[doc.ID] = doc
	return nil
}

func (ix *fakeIndex) Query(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]memory.VectorHit, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := memory.CheckDimensions(ix.dims, embedding); err != nil {
		return nil, err
	}

	var hits []memory.VectorHit
	for _, doc := range ix.docs {
		matched := true
		for k, v := range filters {
			if doc.Metadata[k] != v {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		hits = append(hits, memory.VectorHit{
			ID:         doc.ID,
			Similarity: memory.CosineSimilarity(embedding, doc.Embedding),
			Content:    doc.Content,
			Metadata:   doc.Metadata,
			Embedding:  doc.Embedding,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (ix *fakeIndex) Dimensions() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.dims
}

func (ix *fakeIndex) Count(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.docs), nil
}

func (ix *fakeIndex) Reset(ctx context.Context, dimensions int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[string]memory.VectorDoc)
	ix.dims = dimensions
	return nil
}

func (ix *fakeIndex) Close() error { return nil }

// fakeFacts is an in-memory FactStore with upsert-by-identity semantics.
type fakeFacts struct {
	mu      sync.Mutex
	byKey   map[string]map[string]memory.SemanticFact
	upserts int
	fail    error
}

func newFakeFacts() *fakeFacts {
	return &fakeFacts{byKey: make(map[string]map[string]memory.SemanticFact)}
}

func (s *fakeFacts) Upsert(ctx context.Context, fact memory.SemanticFact) (memory.SemanticFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return memory.SemanticFact{}, s.fail
	}
	s.upserts++

	entity := s.byKey[fact.EntityID]
	if entity == nil {
		entity = make(map[string]memory.SemanticFact)
		s.byKey[fact.EntityID] = entity
	}
	key := fact.Key()
	if prev, ok := entity[key]; ok {
		fact.ID = prev.ID
		fact.CreatedAt = prev.CreatedAt
		if fact.Confidence < prev.Confidence {
			fact.Confidence = prev.Confidence
		}
	}
	fact.UpdatedAt = time.Now().UTC()
	entity[key] = fact
	return fact, nil
}

func (s *fakeFacts) Query(ctx context.Context, entityID string, limit int) ([]memory.SemanticFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.SemanticFact
	for _, f := range s.byKey[entityID] {
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeFacts) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entity := range s.byKey {
		n += len(entity)
	}
	return n, nil
}

func (s *fakeFacts) Clear(ctx context.Context) (int, error) {
	n, _ := s.Count(ctx)
	s.mu.Lock()
	s.byKey = make(map[string]map[string]memory.SemanticFact)
	s.mu.Unlock()
	return n, nil
}

func (s *fakeFacts) Close() error { return nil }

// stubDistiller returns canned output, optionally failing the first N
// calls to exercise retry and partial-failure paths.
type stubDistiller struct {
	mu            sync.Mutex
	summary       string
	facts         []memory.FactCandidate
	summarizeErrs int
	extractErrs   int
	summarizeN    int
	extractN      int
}

func (d *stubDistiller) Summarize(ctx context.Context, transcript string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.summarizeN++
	if d.summarizeErrs > 0 {
		d.summarizeErrs--
		return "", memory.Transient(fmt.Errorf("summarize unavailable"))
	}
	if d.summary == "" {
		return "a short summary of the conversation", nil
	}
	return d.summary, nil
}

func (d *stubDistiller) ExtractFacts(ctx context.Context, transcript string) ([]memory.FactCandidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extractN++
	if d.extractErrs > 0 {
		d.extractErrs--
		return nil, memory.Transient(fmt.Errorf("extraction unavailable"))
	}
	return d.facts, nil
}
