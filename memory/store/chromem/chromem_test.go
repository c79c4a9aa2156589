package chromem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laffeybot/laffey/memory"
	"github.com/laffeybot/laffey/memory/store/chromem"
)

func newIndex(t *testing.T, dims int) *chromem.Index {
	t.Helper()
	ix, err := chromem.New(chromem.Config{Dimensions: dims})
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func doc(id string, emb []float32, content string, meta map[string]string) memory.VectorDoc {
	return memory.VectorDoc{ID: id, Embedding: emb, Content: content, Metadata: meta}
}

func TestNew_RequiresDimensions(t *testing.T) {
	_, err := chromem.New(chromem.Config{})
	var confErr *memory.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestIndex_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t, 3)

	require.NoError(t, ix.Upsert(ctx, doc("a", []float32{1, 0, 0}, "exact match", nil)))
	require.NoError(t, ix.Upsert(ctx, doc("b", []float32{0, 1, 0}, "orthogonal", nil)))

	hits, err := ix.Query(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestIndex_UpsertRejectsWrongDimensions(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t, 3)

	err := ix.Upsert(ctx, doc("a", []float32{1, 0}, "short", nil))
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)
}

func TestIndex_QueryEmptyIndex(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t, 3)

	hits, err := ix.Query(ctx, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_QueryClampsTopKToCount(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t, 3)

	require.NoError(t, ix.Upsert(ctx, doc("a", []float32{1, 0, 0}, "only doc", nil)))

	hits, err := ix.Query(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestIndex_QueryWithMetadataFilter(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t, 3)

	require.NoError(t, ix.Upsert(ctx, doc("a", []float32{1, 0, 0}, "episode one",
		map[string]string{"kind": "episode"})))
	require.NoError(t, ix.Upsert(ctx, doc("b", []float32{1, 0, 0}, "learned one",
		map[string]string{"kind": "learned"})))

	hits, err := ix.Query(ctx, []float32{1, 0, 0}, 5, map[string]string{"kind": "learned"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

func TestIndex_UpsertOverwritesSameID(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t, 3)

	require.NoError(t, ix.Upsert(ctx, doc("a", []float32{1, 0, 0}, "v1", nil)))
	require.NoError(t, ix.Upsert(ctx, doc("a", []float32{1, 0, 0}, "v2", nil)))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := ix.Query(ctx, []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "v2", hits[0].Content)
}

func TestIndex_ResetDropsDocumentsAndAdoptsDimensions(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t, 3)

	require.NoError(t, ix.Upsert(ctx, doc("a", []float32{1, 0, 0}, "pre reset", nil)))
	require.NoError(t, ix.Reset(ctx, 4))

	assert.Equal(t, 4, ix.Dimensions())
	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, ix.Upsert(ctx, doc("b", []float32{0, 1, 0, 0}, "post reset", nil)))
	err = ix.Upsert(ctx, doc("c", []float32{1, 0, 0}, "stale dims", nil))
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)
}
