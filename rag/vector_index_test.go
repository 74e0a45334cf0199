package rag

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVectorIndex(t *testing.T, docs []RawDocument) *VectorIndex {
	dir := filepath.Join(t.TempDir(), "store")
	source := &stubSource{docs: docs}
	embedder := NewHashingEmbedder(HashingEmbedderConfig{Dimension: 32}, nil)
	chunker := NewSemanticChunker(DefaultChunkerConfig(), nil, nil)
	integrity := NewIntegrityManager(dir, DefaultIntegrityConfig(), embedder, chunker, source, nil)

	v := NewVectorIndex(DefaultVectorIndexConfig(), embedder, integrity, nil)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestVectorIndex_SearchScoresSimilarity(t *testing.T) {
	docs := koreanDocs()
	v := newTestVectorIndex(t, docs)

	hits, err := v.Search(context.Background(), docs[0].Text, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	// 与语料完全一致的查询排第一，相似度为 1
	assert.Equal(t, "policy.txt", hits[0].Source)
	assert.InDelta(t, 1.0, hits[0].VectorScore, 1e-6)
	assert.Equal(t, hits[0].VectorScore, hits[0].FinalScore)
}

func TestVectorIndex_EmptyCorpusUnavailable(t *testing.T) {
	v := newTestVectorIndex(t, nil)

	_, err := v.Search(context.Background(), "배출권", 5)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Equal(t, int64(0), v.Size(context.Background()))
}

func TestVectorIndex_BlankQuery(t *testing.T) {
	v := newTestVectorIndex(t, koreanDocs())

	hits, err := v.Search(context.Background(), "   ", 5)
	require.NoError(t, err)
	assert.Nil(t, hits)
}

func TestVectorIndex_SnapshotAndGeneration(t *testing.T) {
	v := newTestVectorIndex(t, koreanDocs())
	ctx := context.Background()

	snapshot, err := v.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
	assert.Equal(t, int64(1), v.Generation(), "首次填充后代数为 1")
}
