package rag

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RawDocument 原始文档（由 loader 加载，尚未分块）。
type RawDocument struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Source string    `json:"source"`
	Mtime  time.Time `json:"mtime"`
}

// ChunkKey 块的唯一标识：(来源, 序号)。
// 一次检索的结果集中同一个 ChunkKey 最多出现一次。
type ChunkKey struct {
	Source     string `json:"source"`
	ChunkIndex int    `json:"chunk_index"`
}

// String 实现 fmt.Stringer，用于日志输出。
func (k ChunkKey) String() string {
	return fmt.Sprintf("%s#%d", k.Source, k.ChunkIndex)
}

// ChunkMetadata 块的派生元数据。
// 列表字段仅在持久化适配层 JSON 编码，业务逻辑中保持类型化。
type ChunkMetadata struct {
	Language     string   `json:"language"`
	Keywords     []string `json:"keywords,omitempty"`
	Domains      []string `json:"domains,omitempty"`
	SectionTitle string   `json:"section_title,omitempty"`
	Position     string   `json:"position,omitempty"` // beginning / middle / end / full
	TokenCount   int      `json:"token_count,omitempty"`
}

// Chunk 文档块，检索的原子单元。创建后不可变。
type Chunk struct {
	ID         string        `json:"id"`
	DocID      string        `json:"doc_id"`
	Source     string        `json:"source"`
	ChunkIndex int           `json:"chunk_index"`
	Content    string        `json:"content"`
	Embedding  []float64     `json:"embedding,omitempty"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// Key 返回块的唯一标识。
func (c Chunk) Key() ChunkKey {
	return ChunkKey{Source: c.Source, ChunkIndex: c.ChunkIndex}
}

// ScoredChunk 带有分数分解的检索结果。
type ScoredChunk struct {
	Chunk         `json:"chunk"`
	VectorScore   float64 `json:"vector_score"`
	LexicalScore  float64 `json:"lexical_score"`
	GraphBoost    float64 `json:"graph_boost"`
	FinalScore    float64 `json:"final_score"`
	GraphExpanded bool    `json:"is_graph_expanded"`
}

// SearchMode 检索模式。
type SearchMode string

const (
	ModeVectorOnly     SearchMode = "vector_only"     // 仅向量检索
	ModeHybridWeighted SearchMode = "hybrid_weighted" // 加权平均融合
	ModeHybridRRF      SearchMode = "hybrid_rrf"      // Reciprocal Rank Fusion
	ModeGraphHybrid    SearchMode = "graph_hybrid"    // 向量 + 图扩展
)

// EmbeddingProvider 外部嵌入提供者接口。
type EmbeddingProvider interface {
	// Embed 为文本生成嵌入向量。
	Embed(ctx context.Context, text string) ([]float64, error)

	// Dimension 返回嵌入向量维度。
	Dimension() int
}

// ErrIndexUnavailable 索引不可用（无文档或存储未构建）。
// 调用方应视为空结果而非失败。
var ErrIndexUnavailable = errors.New("rag: index unavailable")

// ErrDimensionMismatch 存储中的嵌入维度与当前模型不一致，需要重建。
var ErrDimensionMismatch = errors.New("rag: embedding dimension mismatch")

// RebuildFatalError 重建过程中旧存储删除失败、已从备份恢复的致命错误。
// 此类错误不可自动恢复，需要运维介入。
type RebuildFatalError struct {
	BackupDir string
	Cause     error
}

// Error 实现 error 接口。
func (e *RebuildFatalError) Error() string {
	return fmt.Sprintf("rag: rebuild failed, store restored from backup %s: %v", e.BackupDir, e.Cause)
}

// Unwrap 返回底层错误。
func (e *RebuildFatalError) Unwrap() error {
	return e.Cause
}

// clamp01 将 v 限制在 [0, 1] 区间。
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// distanceToSimilarity 将余弦距离转换为相似度。
// 余弦距离范围 [0, 2]，相似度 = clamp(1 - min(distance, 2), 0, 1)。
func distanceToSimilarity(distance float64) float64 {
	if distance > 2.0 {
		distance = 2.0
	}
	return clamp01(1.0 - distance)
}
