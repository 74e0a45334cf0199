package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource 固定文档集合的测试语料源。
type stubSource struct {
	docs    []RawDocument
	changed bool
}

func (s *stubSource) LoadDocuments(ctx context.Context) ([]RawDocument, error) {
	return s.docs, nil
}

func (s *stubSource) CorpusChangedSince(t time.Time) bool {
	return s.changed
}

func koreanDocs() []RawDocument {
	return []RawDocument{
		{ID: "policy.txt", Source: "policy.txt", Text: "탄소중립 기본법과 2050 넷제로 정책. 배출권 할당 제도와 규제 체계."},
		{ID: "market.txt", Source: "market.txt", Text: "배출권 시장 가격과 거래 변동성. 매수 매도 호가와 청산 구조."},
	}
}

func newTestIntegrity(t *testing.T, dir string, dimension int) (*IntegrityManager, *stubSource) {
	source := &stubSource{docs: koreanDocs()}
	embedder := NewHashingEmbedder(HashingEmbedderConfig{Dimension: dimension}, nil)
	chunker := NewSemanticChunker(DefaultChunkerConfig(), nil, nil)
	m := NewIntegrityManager(dir, DefaultIntegrityConfig(), embedder, chunker, source, nil)
	return m, source
}

func TestIntegrityManager_PopulatesEmptyStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, _ := newTestIntegrity(t, dir, 16)

	store, err := m.EnsureReady(context.Background(), nil)
	require.NoError(t, err)
	defer store.Close()

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(1), m.Generation())
	assert.True(t, m.LastRebuildTime().IsZero(), "首次填充不算重建")
}

func TestIntegrityManager_CompatibleStoreUntouched(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, _ := newTestIntegrity(t, dir, 16)
	ctx := context.Background()

	store, err := m.EnsureReady(ctx, nil)
	require.NoError(t, err)

	// 维度一致时再次校验不触发重建
	again, err := m.EnsureReady(ctx, store)
	require.NoError(t, err)
	defer again.Close()

	assert.Equal(t, int64(1), m.Generation())
	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "不应产生备份目录")
}

func TestIntegrityManager_DimensionMismatchRebuilds(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "store")
	ctx := context.Background()

	// 先用 16 维填充
	m16, _ := newTestIntegrity(t, dir, 16)
	store, err := m16.EnsureReady(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// 换成 32 维的嵌入模型 → 维度探测失败 → 备份后重建
	m32, _ := newTestIntegrity(t, dir, 32)
	rec := &recordingMetrics{}
	m32.SetMetrics(rec)
	rebuilt, err := m32.EnsureReady(ctx, nil)
	require.NoError(t, err)
	defer rebuilt.Close()

	sample, err := rebuilt.SampleEmbedding(ctx)
	require.NoError(t, err)
	assert.Len(t, sample, 32, "重建后的嵌入应为新维度")

	backups, err := filepath.Glob(dir + ".backup.*")
	require.NoError(t, err)
	assert.Len(t, backups, 1, "应保留时间戳命名的备份目录")
	assert.False(t, m32.LastRebuildTime().IsZero())
	assert.Equal(t, 1, rec.rebuilds, "重建应被计数")
}

func TestIntegrityManager_PrunesStaleBackups(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "store")

	// 预置 5 个伪备份，修改时间依次递增
	base := time.Now().Add(-time.Hour)
	var paths []string
	for i := 0; i < 5; i++ {
		p := dir + ".backup.2026010" + string(rune('1'+i)) + "_000000"
		require.NoError(t, os.MkdirAll(p, 0o755))
		mtime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mtime, mtime))
		paths = append(paths, p)
	}

	m, _ := newTestIntegrity(t, dir, 16)
	m.pruneBackups()

	remaining, err := filepath.Glob(dir + ".backup.*")
	require.NoError(t, err)
	assert.Len(t, remaining, 3)

	// 最旧的两个被清除
	for _, stale := range paths[:2] {
		_, err := os.Stat(stale)
		assert.True(t, os.IsNotExist(err), stale)
	}
	for _, kept := range paths[2:] {
		_, err := os.Stat(kept)
		assert.NoError(t, err, kept)
	}
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.db"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.db"), []byte("more"), 0o644))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, copyDir(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "a.db"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "nested", "b.db"))
	require.NoError(t, err)
	assert.Equal(t, "more", string(data))
}
