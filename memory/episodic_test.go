package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laffeybot/laffey/memory"
)

func newEpisodicStore(t *testing.T, dims int) (*memory.EpisodicStore, *fakeIndex) {
	t.Helper()
	index := newFakeIndex(dims)
	store, err := memory.NewEpisodicStore(index, dims, nil)
	require.NoError(t, err)
	return store, index
}

func TestNewEpisodicStore_DimensionDisagreementFails(t *testing.T) {
	index := newFakeIndex(384)
	_, err := memory.NewEpisodicStore(index, 1536, nil)

	var confErr *memory.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestEpisodicStore_WriteAndQuery(t *testing.T) {
	ctx := context.Background()
	store, _ := newEpisodicStore(t, 3)

	id, err := store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{1, 0, 0},
		Summary:        "talked about sailing",
		ConversationID: "c1",
		EntityID:       "user-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Query(ctx, []float32{1, 0, 0}, 5, memory.EpisodicFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].Record.ID)
	assert.Equal(t, "talked about sailing", got[0].Record.Summary)
	assert.Equal(t, memory.KindEpisode, got[0].Record.Kind)
	assert.Equal(t, 1.0, got[0].Record.Salience)
}

func TestEpisodicStore_WriteRejectsWrongDimensions(t *testing.T) {
	ctx := context.Background()
	store, index := newEpisodicStore(t, 3)

	_, err := store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{1, 0},
		Summary:        "short vector",
		ConversationID: "c1",
	})
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)

	var dimErr *memory.DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Want)
	assert.Equal(t, 2, dimErr.Got)

	// Nothing was partially written.
	n, err := index.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEpisodicStore_QueryRejectsWrongDimensions(t *testing.T) {
	ctx := context.Background()
	store, _ := newEpisodicStore(t, 3)

	_, err := store.Query(ctx, []float32{1, 0, 0, 0}, 5, memory.EpisodicFilter{})
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)
}

func TestEpisodicStore_QueryOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	store, _ := newEpisodicStore(t, 3)

	// Three records at known angles to the query vector (1,0,0).
	write := func(summary string, emb []float32) {
		_, err := store.Write(ctx, memory.EpisodicRecord{
			Embedding:      emb,
			Summary:        summary,
			ConversationID: "c1",
		})
		require.NoError(t, err)
	}
	write("far", []float32{0, 1, 0})
	write("near", []float32{1, 0.1, 0})
	write("exact", []float32{1, 0, 0})

	got, err := store.Query(ctx, []float32{1, 0, 0}, 3, memory.EpisodicFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "exact", got[0].Record.Summary)
	assert.Equal(t, "near", got[1].Record.Summary)
	assert.Equal(t, "far", got[2].Record.Summary)
}

func TestEpisodicStore_SimilarityTiesBreakNewerFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newEpisodicStore(t, 3)

	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	_, err := store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{1, 0, 0},
		Summary:        "older episode",
		ConversationID: "c1",
		Timestamp:      older,
	})
	require.NoError(t, err)
	_, err = store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{1, 0, 0},
		Summary:        "newer episode",
		ConversationID: "c1",
		Timestamp:      newer,
	})
	require.NoError(t, err)

	got, err := store.Query(ctx, []float32{1, 0, 0}, 2, memory.EpisodicFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newer episode", got[0].Record.Summary)
	assert.Equal(t, "older episode", got[1].Record.Summary)
}

func TestEpisodicStore_FilterByKindAndEntity(t *testing.T) {
	ctx := context.Background()
	store, _ := newEpisodicStore(t, 3)

	_, err := store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{1, 0, 0},
		Summary:        "ordinary episode",
		ConversationID: "c1",
		EntityID:       "user-1",
	})
	require.NoError(t, err)
	_, err = store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{1, 0, 0},
		Summary:        "taught knowledge",
		ConversationID: "c1",
		EntityID:       "user-1",
		Kind:           memory.KindLearned,
		Salience:       2.0,
	})
	require.NoError(t, err)

	learned, err := store.Query(ctx, []float32{1, 0, 0}, 5, memory.EpisodicFilter{Kind: memory.KindLearned})
	require.NoError(t, err)
	require.Len(t, learned, 1)
	assert.Equal(t, "taught knowledge", learned[0].Record.Summary)
	assert.Equal(t, 2.0, learned[0].Record.Salience)

	none, err := store.Query(ctx, []float32{1, 0, 0}, 5, memory.EpisodicFilter{EntityID: "stranger"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEpisodicStore_ResetAdoptsNewDimensions(t *testing.T) {
	ctx := context.Background()
	store, _ := newEpisodicStore(t, 3)

	_, err := store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{1, 0, 0},
		Summary:        "pre-migration",
		ConversationID: "c1",
	})
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, 4))
	assert.Equal(t, 4, store.Dimensions())

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Old dimensionality is now rejected, new accepted.
	_, err = store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{1, 0, 0},
		Summary:        "stale vector",
		ConversationID: "c1",
	})
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)

	_, err = store.Write(ctx, memory.EpisodicRecord{
		Embedding:      []float32{0, 1, 0, 0},
		Summary:        "post-migration",
		ConversationID: "c1",
	})
	require.NoError(t, err)
}

func TestEpisodicStore_ResetIsSafeAgainstConcurrentReads(t *testing.T) {
	ctx := context.Background()
	store, _ := newEpisodicStore(t, 3)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			d := store.Dimensions()
			assert.Contains(t, []int{3, 4}, d)
			_, _ = store.Query(ctx, make([]float32, d), 1, memory.EpisodicFilter{})
		}
	}()

	for i := 0; i < 50; i++ {
		dims := 3 + i%2
		require.NoError(t, store.Reset(ctx, dims))
	}
	close(stop)
	wg.Wait()
}
