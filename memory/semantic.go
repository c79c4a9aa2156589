package memory

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SemanticFact is one durable fact about an entity, independent of any
// conversational framing. Facts are keyed by (entity, identity key) with
// upsert semantics: re-deriving a known fact advances UpdatedAt instead of
// duplicating the row.
type SemanticFact struct {
	ID            string    `json:"id"`
	EntityID      string    `json:"entity_id"`
	Text          string    `json:"text"`
	Category      string    `json:"category,omitempty"`
	Confidence    float64   `json:"confidence"`
	SourceTurnRef string    `json:"source_turn_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Embedding is optional and only populated when the similarity
	// equivalence policy is active.
	Embedding []float32 `json:"embedding,omitempty"`
}

// NewSemanticFact builds a fact from an extraction candidate.
func NewSemanticFact(c FactCandidate, sourceTurnRef string) SemanticFact {
	now := time.Now().UTC()
	conf := c.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}
	return SemanticFact{
		ID:            uuid.NewString(),
		EntityID:      c.EntityID,
		Text:          strings.TrimSpace(c.Text),
		Category:      c.Category,
		Confidence:    conf,
		SourceTurnRef: sourceTurnRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Key returns the fact's identity key under the exact equivalence policy:
// category plus normalized text. Two facts with equal keys are the same
// fact for upsert purposes.
func (f SemanticFact) Key() string {
	return f.Category + "|" + NormalizeFactText(f.Text)
}

// NormalizeFactText canonicalizes fact text for exact-match equivalence:
// lowercase, collapsed whitespace, trailing sentence punctuation stripped.
func NormalizeFactText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimRight(text, ".!?")
}

// EquivalencePolicy selects how fact identity is decided during upsert.
// Whether dedup should be exact or similarity-based is a deployment choice,
// so it is configuration rather than a fixed threshold.
type EquivalencePolicy string

const (
	// EquivalenceExact matches on normalized text (the default).
	EquivalenceExact EquivalencePolicy = "exact"

	// EquivalenceSimilarity matches when the candidate's embedding is
	// within a configured cosine similarity of an existing fact.
	EquivalenceSimilarity EquivalencePolicy = "similarity"
)

// Valid reports whether the policy is a known value.
func (p EquivalencePolicy) Valid() bool {
	return p == EquivalenceExact || p == EquivalenceSimilarity
}

// CosineSimilarity computes cosine similarity between two vectors of equal
// length. Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
