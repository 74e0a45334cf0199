package rag

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"go.uber.org/zap"
)

// HashingEmbedder 基于词袋哈希的确定性嵌入生成器。
// 不依赖外部嵌入服务，通过词频统计生成固定维度的 L2 归一化向量，
// 适用于本地开发、测试和不需要高质量嵌入的场景。
type HashingEmbedder struct {
	dimension int
	logger    *zap.Logger
}

// HashingEmbedderConfig 哈希嵌入器配置。
type HashingEmbedderConfig struct {
	// Dimension 嵌入向量维度，默认 256。
	Dimension int `json:"dimension"`
}

// NewHashingEmbedder 创建哈希嵌入器。
func NewHashingEmbedder(config HashingEmbedderConfig, logger *zap.Logger) *HashingEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := config.Dimension
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{
		dimension: dim,
		logger:    logger.With(zap.String("component", "hashing_embedder")),
	}
}

// Embed 为文本生成嵌入向量。
// 词经 FNV 哈希映射到固定维度，结果做 L2 归一化；对相同文本输出完全一致。
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, e.dimension)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec, nil
	}

	for _, word := range words {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[int(h.Sum32())%e.dimension] += 1.0
	}
	normalize(vec)

	return vec, nil
}

// Dimension 返回嵌入向量维度。
func (e *HashingEmbedder) Dimension() int {
	return e.dimension
}

// normalize 对向量做 L2 归一化。
func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}

// cosineSimilarity 计算余弦相似度。维度不一致时返回 0。
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
