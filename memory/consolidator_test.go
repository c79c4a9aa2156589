package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laffeybot/laffey/memory"
)

type consolidatorFixture struct {
	working   *memory.WorkingStore
	episodic  *memory.EpisodicStore
	index     *fakeIndex
	facts     *fakeFacts
	embedder  *fakeEmbedder
	distiller *stubDistiller
	cons      *memory.Consolidator
}

func newConsolidatorFixture(t *testing.T, cfg memory.ConsolidatorConfig) *consolidatorFixture {
	t.Helper()
	index := newFakeIndex(3)
	episodic, err := memory.NewEpisodicStore(index, 3, nil)
	require.NoError(t, err)

	f := &consolidatorFixture{
		working:   memory.NewWorkingStore(20, nil),
		episodic:  episodic,
		index:     index,
		facts:     newFakeFacts(),
		embedder:  newFakeEmbedder(3),
		distiller: &stubDistiller{},
	}
	f.cons = memory.NewConsolidator(f.working, f.episodic, f.facts, f.embedder, f.distiller, cfg, nil, nil)
	return f
}

func (f *consolidatorFixture) fillConversation(t *testing.T, conv string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, _, err := f.working.Append(conv, userTurn(conv, fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
	}
}

func TestConsolidator_SkipsBelowMinTurns(t *testing.T) {
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{MinTurns: 3})
	f.fillConversation(t, "c1", 2)

	res, err := f.cons.Consolidate(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	n, err := f.episodic.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsolidator_WritesFactsAndEpisode(t *testing.T) {
	ctx := context.Background()
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{})
	f.distiller.facts = []memory.FactCandidate{
		{EntityID: "user-1", Category: "preference", Text: "likes sailing", Confidence: 0.9},
		{EntityID: "user-1", Category: "biography", Text: "lives in Lisbon", Confidence: 0.7},
	}
	f.fillConversation(t, "c1", 4)

	res, err := f.cons.Consolidate(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 4, res.ProcessedTurns)
	assert.Equal(t, 2, res.FactsUpserted)
	assert.NotEmpty(t, res.EpisodeID)

	facts, err := f.facts.Query(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, facts, 2)

	episodes, err := f.episodic.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, episodes)

	// The snapshot was marked; the window holds nothing unconsolidated.
	assert.Empty(t, f.working.Snapshot("c1").Turns)
}

func TestConsolidator_SecondRunOverSameTurnsIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{})
	f.fillConversation(t, "c1", 4)

	first, err := f.cons.Consolidate(ctx, "c1")
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := f.cons.Consolidate(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	episodes, err := f.episodic.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, episodes)
}

func TestConsolidator_RetryAfterFailureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{})
	f.distiller.facts = []memory.FactCandidate{
		{EntityID: "user-1", Category: "preference", Text: "likes sailing", Confidence: 0.9},
	}
	f.fillConversation(t, "c1", 4)

	// First run upserts facts, then fails writing the episode. The
	// snapshot must stay unmarked.
	f.index.failUpsert = fmt.Errorf("index unavailable")
	_, err := f.cons.Consolidate(ctx, "c1")
	require.Error(t, err)
	assert.Len(t, f.working.Snapshot("c1").Turns, 4)

	factsAfterFailure, err := f.facts.Query(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, factsAfterFailure, 1)
	firstUpdated := factsAfterFailure[0].UpdatedAt

	time.Sleep(5 * time.Millisecond)

	// Retry over the same snapshot: the fact refreshes instead of
	// duplicating and exactly one episode lands.
	f.index.failUpsert = nil
	res, err := f.cons.Consolidate(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	facts, err := f.facts.Query(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.True(t, facts[0].UpdatedAt.After(firstUpdated))

	episodes, err := f.episodic.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, episodes)
	assert.Empty(t, f.working.Snapshot("c1").Turns)
}

func TestConsolidator_TransientExtractionFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{})
	f.distiller.extractErrs = 2
	f.distiller.facts = []memory.FactCandidate{
		{EntityID: "user-1", Category: "preference", Text: "likes sailing", Confidence: 0.9},
	}
	f.fillConversation(t, "c1", 3)

	res, err := f.cons.Consolidate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FactsUpserted)
	assert.Equal(t, 3, f.distiller.extractN)
}

func TestConsolidator_SkipsCandidatesWithoutEntityOrText(t *testing.T) {
	ctx := context.Background()
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{})
	f.distiller.facts = []memory.FactCandidate{
		{EntityID: "", Category: "preference", Text: "orphaned"},
		{EntityID: "user-1", Category: "preference", Text: "   "},
		{EntityID: "user-1", Category: "preference", Text: "kept"},
	}
	f.fillConversation(t, "c1", 3)

	res, err := f.cons.Consolidate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FactsUpserted)
}

func TestConsolidator_PrivateConversationSalienceBoost(t *testing.T) {
	ctx := context.Background()
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{
		PrivateConversationID: "private",
		PrivateSalience:       2.0,
	})
	f.fillConversation(t, "private", 3)
	f.fillConversation(t, "public", 3)

	_, err := f.cons.Consolidate(ctx, "private")
	require.NoError(t, err)
	_, err = f.cons.Consolidate(ctx, "public")
	require.NoError(t, err)

	query := make([]float32, 3)
	query[0] = 1
	records, err := f.episodic.Query(ctx, query, 10, memory.EpisodicFilter{ConversationID: "private"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2.0, records[0].Record.Salience)

	records, err = f.episodic.Query(ctx, query, 10, memory.EpisodicFilter{ConversationID: "public"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1.0, records[0].Record.Salience)
}

func TestConsolidator_SimilarityPolicyFoldsNearDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{
		Policy:              memory.EquivalenceSimilarity,
		SimilarityThreshold: 0.9,
	})

	// Both phrasings embed almost identically.
	f.embedder.register("likes sailing", []float32{1, 0, 0})
	f.embedder.register("enjoys sailing a lot", []float32{0.99, 0.1, 0})

	f.distiller.facts = []memory.FactCandidate{
		{EntityID: "user-1", Category: "preference", Text: "likes sailing", Confidence: 0.9},
	}
	f.fillConversation(t, "c1", 3)
	_, err := f.cons.Consolidate(ctx, "c1")
	require.NoError(t, err)

	f.distiller.facts = []memory.FactCandidate{
		{EntityID: "user-1", Category: "preference", Text: "enjoys sailing a lot", Confidence: 0.9},
	}
	f.fillConversation(t, "c1", 3)
	_, err = f.cons.Consolidate(ctx, "c1")
	require.NoError(t, err)

	facts, err := f.facts.Query(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "likes sailing", facts[0].Text)
}

func TestConsolidator_ConsolidateAllCoversConversations(t *testing.T) {
	ctx := context.Background()
	f := newConsolidatorFixture(t, memory.ConsolidatorConfig{})
	f.fillConversation(t, "c1", 3)
	f.fillConversation(t, "c2", 3)
	f.fillConversation(t, "tiny", 1)

	results := f.cons.ConsolidateAll(ctx)
	assert.Len(t, results, 2)

	episodes, err := f.episodic.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, episodes)
}
