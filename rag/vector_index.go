package rag

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VectorIndexConfig 向量索引配置。
type VectorIndexConfig struct {
	// Overfetch 检索时的超取倍数：实际取 k × Overfetch 个候选，
	// 为后续的去重、阈值过滤和图扩展留余量。
	Overfetch int
}

// DefaultVectorIndexConfig 返回默认向量索引配置。
func DefaultVectorIndexConfig() VectorIndexConfig {
	return VectorIndexConfig{Overfetch: 3}
}

// VectorIndex 向量检索索引。
//
// 惰性初始化：首次访问时打开块存储并经完整性管理器校验维度、
// 必要时填充或重建。初始化由互斥锁保护，并发访问只构建一次。
type VectorIndex struct {
	config    VectorIndexConfig
	embedder  EmbeddingProvider
	integrity *IntegrityManager
	logger    *zap.Logger

	mu    sync.Mutex
	store *ChunkStore
}

// NewVectorIndex 创建向量索引。
func NewVectorIndex(config VectorIndexConfig, embedder EmbeddingProvider, integrity *IntegrityManager, logger *zap.Logger) *VectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Overfetch <= 0 {
		config.Overfetch = DefaultVectorIndexConfig().Overfetch
	}
	return &VectorIndex{
		config:    config,
		embedder:  embedder,
		integrity: integrity,
		logger:    logger.With(zap.String("component", "vector_index")),
	}
}

// ensureStore 保证底层存储可用。持锁期间可能触发完整性重建。
func (v *VectorIndex) ensureStore(ctx context.Context) (*ChunkStore, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	store, err := v.integrity.EnsureReady(ctx, v.store)
	if err != nil {
		v.store = nil
		return nil, err
	}
	v.store = store
	return store, nil
}

// Search 向量检索。返回距离升序的 topK×Overfetch 个命中，
// 每个命中的相似度按 clamp(1 - min(distance, 2), 0, 1) 映射。
func (v *VectorIndex) Search(ctx context.Context, query string, topK int) ([]ScoredChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	store, err := v.ensureStore(ctx)
	if err != nil {
		return nil, err
	}

	embedding, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := store.Search(ctx, embedding, topK*v.config.Overfetch)
	if err != nil {
		return nil, err
	}
	// 全量扫描对非空存储必然返回命中，零命中等于索引不可用。
	if len(hits) == 0 {
		return nil, ErrIndexUnavailable
	}

	results := make([]ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		similarity := distanceToSimilarity(hit.Distance)
		results = append(results, ScoredChunk{
			Chunk:       hit.Chunk,
			VectorScore: similarity,
			FinalScore:  similarity,
		})
	}
	return results, nil
}

// Snapshot 返回全部块的快照，供词法索引与概念图构建。
func (v *VectorIndex) Snapshot(ctx context.Context) ([]Chunk, error) {
	store, err := v.ensureStore(ctx)
	if err != nil {
		return nil, err
	}
	return store.All(ctx)
}

// GetByKey 按键取单个块（图扩展加载新增块的内容时使用）。
func (v *VectorIndex) GetByKey(ctx context.Context, key ChunkKey) (Chunk, error) {
	store, err := v.ensureStore(ctx)
	if err != nil {
		return Chunk{}, err
	}
	return store.GetByKey(ctx, key)
}

// Size 返回索引的块数。索引尚不可用时返回 0。
func (v *VectorIndex) Size(ctx context.Context) int64 {
	store, err := v.ensureStore(ctx)
	if err != nil {
		return 0
	}
	count, err := store.Count(ctx)
	if err != nil {
		return 0
	}
	return count
}

// Generation 返回当前索引代数，重建后递增。
func (v *VectorIndex) Generation() int64 {
	return v.integrity.Generation()
}

// LastRebuildTime 返回最近一次重建时间。
func (v *VectorIndex) LastRebuildTime() time.Time {
	return v.integrity.LastRebuildTime()
}

// Close 关闭底层存储。
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.store == nil {
		return nil
	}
	err := v.store.Close()
	v.store = nil
	return err
}
