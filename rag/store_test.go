package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *ChunkStore {
	store, err := OpenChunkStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testChunk(source string, index int, content string, embedding []float64) Chunk {
	return Chunk{
		ID:         source + "-" + string(rune('a'+index)),
		DocID:      source,
		Source:     source,
		ChunkIndex: index,
		Content:    content,
		Embedding:  embedding,
		Metadata: ChunkMetadata{
			Language: "ko",
			Keywords: []string{"배출권", "거래"},
			Domains:  []string{"탄소배출권"},
		},
	}
}

func TestChunkStore_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		testChunk("b.txt", 0, "두 번째 문서", []float64{0, 1, 0}),
		testChunk("a.txt", 1, "첫 문서 둘째 블록", []float64{1, 0, 0}),
		testChunk("a.txt", 0, "첫 문서 첫 블록", []float64{0, 0, 1}),
	}
	require.NoError(t, store.AddChunks(ctx, chunks))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// 快照按 (source, chunk_index) 排序
	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ChunkKey{Source: "a.txt", ChunkIndex: 0}, all[0].Key())
	assert.Equal(t, ChunkKey{Source: "a.txt", ChunkIndex: 1}, all[1].Key())
	assert.Equal(t, ChunkKey{Source: "b.txt", ChunkIndex: 0}, all[2].Key())

	// 元数据列表字段完整还原
	assert.Equal(t, []string{"배출권", "거래"}, all[0].Metadata.Keywords)
	assert.Equal(t, []string{"탄소배출권"}, all[0].Metadata.Domains)
	assert.Equal(t, []float64{0, 0, 1}, all[0].Embedding)
}

func TestChunkStore_AddChunksEmpty(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.AddChunks(context.Background(), nil))
}

func TestChunkStore_SampleEmbedding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// 空存储返回 (nil, nil)
	sample, err := store.SampleEmbedding(ctx)
	require.NoError(t, err)
	assert.Nil(t, sample)

	require.NoError(t, store.AddChunks(ctx, []Chunk{
		testChunk("a.txt", 0, "내용", []float64{0.1, 0.2, 0.3, 0.4}),
	}))

	sample, err = store.SampleEmbedding(ctx)
	require.NoError(t, err)
	assert.Len(t, sample, 4)
}

func TestChunkStore_GetByKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddChunks(ctx, []Chunk{
		testChunk("a.txt", 2, "세 번째 블록", []float64{1, 0}),
	}))

	chunk, err := store.GetByKey(ctx, ChunkKey{Source: "a.txt", ChunkIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, "세 번째 블록", chunk.Content)

	_, err = store.GetByKey(ctx, ChunkKey{Source: "a.txt", ChunkIndex: 9})
	assert.Error(t, err)
}

func TestChunkStore_SearchOrdersByDistance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddChunks(ctx, []Chunk{
		testChunk("a.txt", 0, "완전 일치", []float64{1, 0, 0}),
		testChunk("a.txt", 1, "직교", []float64{0, 1, 0}),
		testChunk("a.txt", 2, "부분 일치", []float64{0.8, 0.6, 0}),
	}))

	hits, err := store.Search(ctx, []float64{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, ChunkKey{Source: "a.txt", ChunkIndex: 0}, hits[0].Chunk.Key())
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-9)
	assert.Equal(t, ChunkKey{Source: "a.txt", ChunkIndex: 2}, hits[1].Chunk.Key())
	assert.Equal(t, ChunkKey{Source: "a.txt", ChunkIndex: 1}, hits[2].Chunk.Key())

	// topK 截断
	top, err := store.Search(ctx, []float64{1, 0, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestChunkStore_SearchEmptyStore(t *testing.T) {
	store := openTestStore(t)
	hits, err := store.Search(context.Background(), []float64{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChunkStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenChunkStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.AddChunks(ctx, []Chunk{
		testChunk("a.txt", 0, "지속성 확인", []float64{1}),
	}))
	require.NoError(t, store.Close())

	reopened, err := OpenChunkStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
