package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/laffeybot/laffey/core"
	"github.com/laffeybot/laffey/memory"
)

// Stats aggregates per-tier counts.
type Stats struct {
	WorkingConversations int
	WorkingTurns         int
	EpisodicRecords      int
	SemanticFacts        int
}

// ClearReport says what a full wipe removed.
type ClearReport struct {
	WorkingTurns    int
	EpisodicRecords int
	SemanticFacts   int
}

// InspectRecent returns up to n most recent turns of a conversation's
// working window. Unknown conversations yield an empty slice.
func (e *Engine) InspectRecent(conversationID string, n int) []core.Turn {
	turns := e.working.Read(conversationID)
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

// WipeWorkingMemory clears one conversation's window and reports how many
// turns it held. Durable tiers are untouched.
func (e *Engine) WipeWorkingMemory(conversationID string) int {
	mu := e.lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	n := e.working.Len(conversationID)
	e.working.Clear(conversationID)
	e.logger.Info("working memory wiped",
		zap.String("conversation_id", conversationID), zap.Int("turns", n))
	return n
}

// ForceConsolidation runs a consolidation pass immediately. An empty
// conversation id covers every active conversation.
func (e *Engine) ForceConsolidation(ctx context.Context, conversationID string) ([]memory.ConsolidationResult, error) {
	if conversationID == "" {
		return e.consolidator.ConsolidateAll(ctx), nil
	}
	res, err := e.consolidator.Consolidate(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return []memory.ConsolidationResult{res}, nil
}

// LastAssembledContext returns the context assembled for the
// conversation's most recent turn, for debugging what the agent saw.
func (e *Engine) LastAssembledContext(conversationID string) (AssembledContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ac, ok := e.lastContext[conversationID]
	return ac, ok
}

// Stats aggregates counts across the three tiers.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	episodes, err := e.episodic.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count episodes: %w", err)
	}
	facts, err := e.facts.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count facts: %w", err)
	}
	return Stats{
		WorkingConversations: len(e.working.Conversations()),
		WorkingTurns:         e.working.TotalTurns(),
		EpisodicRecords:      episodes,
		SemanticFacts:        facts,
	}, nil
}

// ClearAll wipes all three tiers and reports what it removed.
// Destructive and irreversible.
func (e *Engine) ClearAll(ctx context.Context) (ClearReport, error) {
	var report ClearReport

	report.WorkingTurns = e.working.TotalTurns()
	for _, id := range e.working.Conversations() {
		e.working.Clear(id)
	}

	episodes, err := e.episodic.Count(ctx)
	if err != nil {
		return report, fmt.Errorf("count episodes: %w", err)
	}
	if err := e.episodic.Reset(ctx, e.episodic.Dimensions()); err != nil {
		return report, err
	}
	report.EpisodicRecords = episodes

	facts, err := e.facts.Clear(ctx)
	if err != nil {
		return report, fmt.Errorf("clear facts: %w", err)
	}
	report.SemanticFacts = facts

	e.mu.Lock()
	e.lastContext = make(map[string]AssembledContext)
	e.interactions = make(map[string]int)
	e.mu.Unlock()

	e.logger.Warn("all memory tiers cleared",
		zap.Int("working_turns", report.WorkingTurns),
		zap.Int("episodes", report.EpisodicRecords),
		zap.Int("facts", report.SemanticFacts))
	return report, nil
}

// Learn writes explicitly taught knowledge as a high-salience learned
// record. Retrieval merges learned records ahead of ordinary episodes.
func (e *Engine) Learn(ctx context.Context, conversationID, entityID, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("learn: text is required")
	}
	emb, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("learn: embed: %w", err)
	}
	id, err := e.episodic.Write(ctx, memory.EpisodicRecord{
		Embedding:      emb,
		Summary:        text,
		ConversationID: conversationID,
		EntityID:       entityID,
		Timestamp:      time.Now().UTC(),
		Kind:           memory.KindLearned,
		Salience:       learnedSalience,
	})
	if err != nil {
		return "", fmt.Errorf("learn: %w", err)
	}
	e.metrics.ObserveEpisode()
	e.logger.Info("learned knowledge recorded",
		zap.String("id", id), zap.String("entity_id", entityID))
	return id, nil
}
