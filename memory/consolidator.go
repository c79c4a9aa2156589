package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/laffeybot/laffey/core"
	"github.com/laffeybot/laffey/observability"
)

// ConsolidatorConfig tunes the working-to-durable transformation.
type ConsolidatorConfig struct {
	// MinTurns skips consolidation when fewer unconsolidated turns exist.
	// Default 2: a lone message has nothing worth summarizing yet.
	MinTurns int

	// Policy selects fact-equivalence for upsert dedup.
	Policy EquivalencePolicy

	// SimilarityThreshold applies under the similarity policy.
	// Default 0.92.
	SimilarityThreshold float64

	// PrivateConversationID marks one conversation whose episodes get a
	// salience boost, mirroring the creator-channel weighting of the
	// original deployment. Empty disables the boost.
	PrivateConversationID string

	// PrivateSalience is the boosted salience value. Default 2.0.
	PrivateSalience float64

	// MaxRetries bounds the per-call retry attempts against transient
	// provider/store failures. Default 3.
	MaxRetries uint
}

func (c *ConsolidatorConfig) applyDefaults() {
	if c.MinTurns < 1 {
		c.MinTurns = 2
	}
	if !c.Policy.Valid() {
		c.Policy = EquivalenceExact
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.92
	}
	if c.PrivateSalience <= 0 {
		c.PrivateSalience = 2.0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// ConsolidationResult reports what one consolidation run did.
type ConsolidationResult struct {
	ConversationID string
	ProcessedTurns int
	FactsUpserted  int
	EpisodeID      string
	Skipped        bool
	Elapsed        time.Duration
}

// Consolidator transforms batches of working-memory turns into durable
// memory: facts into the semantic store, one summary record into the
// episodic store, then the snapshot is marked consolidated so the window
// may release it.
//
// Every trigger (window at capacity, explicit force, timed cadence)
// funnels through Consolidate, and concurrent triggers for the same
// conversation collapse into one run, so the triggering source never
// changes correctness.
type Consolidator struct {
	working   *WorkingStore
	episodic  *EpisodicStore
	facts     FactStore
	embedder  Embedder
	distiller Distiller
	cfg       ConsolidatorConfig
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewConsolidator wires the consolidator to all three tiers plus the
// extraction/summarization capability.
func NewConsolidator(
	working *WorkingStore,
	episodic *EpisodicStore,
	facts FactStore,
	embedder Embedder,
	distiller Distiller,
	cfg ConsolidatorConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Consolidator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		working:   working,
		episodic:  episodic,
		facts:     facts,
		embedder:  embedder,
		distiller: distiller,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "consolidator")),
		metrics:   metrics,
		inFlight:  make(map[string]bool),
	}
}

// Consolidate runs one consolidation pass for a conversation. It never
// blocks live turn handling: the snapshot is a copy, and failures leave
// the snapshot unmarked for a later retry rather than dropping turns.
// Re-running over an overlapping snapshot upserts the same facts and adds
// at most one redundant episode, never corrupted state.
func (c *Consolidator) Consolidate(ctx context.Context, conversationID string) (ConsolidationResult, error) {
	res := ConsolidationResult{ConversationID: conversationID}

	c.mu.Lock()
	if c.inFlight[conversationID] {
		c.mu.Unlock()
		res.Skipped = true
		return res, nil
	}
	c.inFlight[conversationID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, conversationID)
		c.mu.Unlock()
	}()

	start := time.Now()
	snap := c.working.Snapshot(conversationID)
	if len(snap.Turns) < c.cfg.MinTurns {
		res.Skipped = true
		c.metrics.ObserveConsolidation("skipped")
		return res, nil
	}
	res.ProcessedTurns = len(snap.Turns)

	transcript := transcriptOf(snap.Turns)
	sourceRef := fmt.Sprintf("%s:%d-%d", conversationID, snap.Turns[0].Seq, snap.UpTo)

	upserted, err := c.extractAndUpsertFacts(ctx, transcript, sourceRef)
	res.FactsUpserted = upserted
	if err != nil {
		c.metrics.ObserveConsolidation("failure")
		c.logger.Warn("fact extraction failed, snapshot retained for retry",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return res, fmt.Errorf("consolidate %s: %w", conversationID, err)
	}

	episodeID, err := c.writeEpisode(ctx, snap, transcript)
	if err != nil {
		c.metrics.ObserveConsolidation("failure")
		c.logger.Warn("episode write failed, snapshot retained for retry",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return res, fmt.Errorf("consolidate %s: %w", conversationID, err)
	}
	res.EpisodeID = episodeID

	c.working.MarkConsolidated(conversationID, snap.UpTo)
	res.Elapsed = time.Since(start)
	c.metrics.ObserveConsolidation("success")
	c.logger.Info("consolidated conversation",
		zap.String("conversation_id", conversationID),
		zap.Int("turns", res.ProcessedTurns),
		zap.Int("facts", res.FactsUpserted),
		zap.String("episode_id", episodeID),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// ConsolidateAll runs a pass over every conversation holding turns.
// Used by the timed cadence and by force-consolidation without a target.
func (c *Consolidator) ConsolidateAll(ctx context.Context) []ConsolidationResult {
	var results []ConsolidationResult
	for _, id := range c.working.Conversations() {
		if ctx.Err() != nil {
			break
		}
		res, err := c.Consolidate(ctx, id)
		if err != nil {
			// Already logged and counted; the next cadence retries.
			continue
		}
		if !res.Skipped {
			results = append(results, res)
		}
	}
	return results
}

func (c *Consolidator) extractAndUpsertFacts(ctx context.Context, transcript, sourceRef string) (int, error) {
	candidates, err := retry(ctx, c.cfg.MaxRetries, func() ([]FactCandidate, error) {
		return c.distiller.ExtractFacts(ctx, transcript)
	})
	if err != nil {
		return 0, fmt.Errorf("extract facts: %w", err)
	}

	upserted := 0
	for _, cand := range candidates {
		if cand.EntityID == "" || strings.TrimSpace(cand.Text) == "" {
			continue
		}
		fact := NewSemanticFact(cand, sourceRef)

		if c.cfg.Policy == EquivalenceSimilarity {
			if err := c.foldSimilar(ctx, &fact); err != nil {
				return upserted, err
			}
		}

		if _, err := retry(ctx, c.cfg.MaxRetries, func() (SemanticFact, error) {
			return c.facts.Upsert(ctx, fact)
		}); err != nil {
			return upserted, fmt.Errorf("upsert fact for %s: %w", fact.EntityID, err)
		}
		upserted++
		c.metrics.ObserveFactUpsert()
	}
	return upserted, nil
}

// foldSimilar aligns the candidate with an existing near-identical fact so
// the upsert refreshes that fact instead of inserting a close duplicate.
func (c *Consolidator) foldSimilar(ctx context.Context, fact *SemanticFact) error {
	emb, err := retry(ctx, c.cfg.MaxRetries, func() ([]float32, error) {
		return c.embedder.Embed(ctx, fact.Text)
	})
	if err != nil {
		return fmt.Errorf("embed fact: %w", err)
	}
	fact.Embedding = emb

	existing, err := c.facts.Query(ctx, fact.EntityID, 100)
	if err != nil {
		return fmt.Errorf("query existing facts: %w", err)
	}

	var best *SemanticFact
	var bestScore float32
	for i := range existing {
		if len(existing[i].Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(emb, existing[i].Embedding)
		if score > bestScore {
			bestScore = score
			best = &existing[i]
		}
	}
	if best != nil && float64(bestScore) >= c.cfg.SimilarityThreshold {
		// Adopt the stored wording so the identity key matches and the
		// upsert becomes a refresh.
		fact.Text = best.Text
		fact.Category = best.Category
		fact.Embedding = best.Embedding
	}
	return nil
}

func (c *Consolidator) writeEpisode(ctx context.Context, snap Snapshot, transcript string) (string, error) {
	summary, err := retry(ctx, c.cfg.MaxRetries, func() (string, error) {
		return c.distiller.Summarize(ctx, transcript)
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	embedding, err := retry(ctx, c.cfg.MaxRetries, func() ([]float32, error) {
		return c.embedder.Embed(ctx, summary)
	})
	if err != nil {
		return "", fmt.Errorf("embed summary: %w", err)
	}

	rec := EpisodicRecord{
		Embedding:      embedding,
		Summary:        summary,
		ConversationID: snap.ConversationID,
		EntityID:       dominantSpeaker(snap.Turns),
		Timestamp:      time.Now().UTC(),
		Kind:           KindEpisode,
		Salience:       1.0,
	}
	if c.cfg.PrivateConversationID != "" && snap.ConversationID == c.cfg.PrivateConversationID {
		rec.Salience = c.cfg.PrivateSalience
	}

	id, err := c.episodic.Write(ctx, rec)
	if err != nil {
		return "", err
	}
	c.metrics.ObserveEpisode()
	return id, nil
}

// transcriptOf renders turns into the text fed to extraction and
// summarization.
func transcriptOf(turns []core.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Line())
	}
	return strings.Join(lines, "\n")
}

// dominantSpeaker picks the most frequent human speaker in the snapshot,
// used as the episode's entity tag.
func dominantSpeaker(turns []core.Turn) string {
	counts := make(map[string]int)
	for _, t := range turns {
		if t.Role == core.RoleUser {
			counts[t.SpeakerID]++
		}
	}
	best, bestN := "", 0
	for id, n := range counts {
		if n > bestN {
			best, bestN = id, n
		}
	}
	return best
}

// retry runs fn with exponential backoff against transient failures.
// Configuration errors are never retried.
func retry[T any](ctx context.Context, maxTries uint, fn func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := fn()
		if err != nil {
			var confErr *ConfigurationError
			var dimErr *DimensionMismatchError
			if errors.As(err, &confErr) || errors.As(err, &dimErr) {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(maxTries))
}
