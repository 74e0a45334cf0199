package rag

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// ConceptLink 概念关联：目标块及共享的概念标签。
type ConceptLink struct {
	Key            ChunkKey
	SharedConcepts []string
}

// RelatedChunks 某锚点块的关联集合。
// 概念关联优先于位置邻接：同一目标两者皆有时只按概念处理。
type RelatedChunks struct {
	ConceptLinked []ConceptLink
	Neighbors     []ChunkKey
}

// GraphIndex 图关联索引。graph_hybrid 模式下对向量命中做扩展。
type GraphIndex interface {
	// Related 返回每个锚点的概念关联与位置邻接。
	Related(ctx context.Context, anchors []ChunkKey) (map[ChunkKey]RelatedChunks, error)
}

// ConceptGraphConfig 概念图配置。
type ConceptGraphConfig struct {
	// MaxConceptLinks 每个块保留的概念关联上限，
	// 按共享概念数降序、键升序排序后截断。
	MaxConceptLinks int
}

// DefaultConceptGraphConfig 返回默认概念图配置。
func DefaultConceptGraphConfig() ConceptGraphConfig {
	return ConceptGraphConfig{MaxConceptLinks: 5}
}

// ConceptGraph 内存概念图。
//
// 两类边：
//   - 概念边：两个块共享至少一个领域标签；
//   - 邻接边：同一来源文档中 chunk_index 相邻（±1）的块。
//
// 在语料快照上一次性构建，重建后由上层重新构建。
type ConceptGraph struct {
	config ConceptGraphConfig
	logger *zap.Logger

	conceptLinks map[ChunkKey][]ConceptLink
	neighbors    map[ChunkKey][]ChunkKey
}

var _ GraphIndex = (*ConceptGraph)(nil)

// NewConceptGraph 在块快照上构建概念图。
func NewConceptGraph(config ConceptGraphConfig, chunks []Chunk, logger *zap.Logger) *ConceptGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConceptLinks <= 0 {
		config.MaxConceptLinks = DefaultConceptGraphConfig().MaxConceptLinks
	}

	g := &ConceptGraph{
		config:       config,
		logger:       logger.With(zap.String("component", "concept_graph")),
		conceptLinks: make(map[ChunkKey][]ConceptLink),
		neighbors:    make(map[ChunkKey][]ChunkKey),
	}

	// 概念倒排：领域标签 → 含有该标签的块。
	byConcept := make(map[string][]ChunkKey)
	exists := make(map[ChunkKey]bool, len(chunks))
	for _, c := range chunks {
		key := c.Key()
		exists[key] = true
		for _, domain := range c.Metadata.Domains {
			byConcept[domain] = append(byConcept[domain], key)
		}
	}

	// 概念边：按共享标签聚合。
	shared := make(map[ChunkKey]map[ChunkKey][]string)
	for concept, members := range byConcept {
		for _, a := range members {
			for _, b := range members {
				if a == b {
					continue
				}
				if shared[a] == nil {
					shared[a] = make(map[ChunkKey][]string)
				}
				shared[a][b] = append(shared[a][b], concept)
			}
		}
	}
	for key, targets := range shared {
		links := make([]ConceptLink, 0, len(targets))
		for target, concepts := range targets {
			sort.Strings(concepts)
			links = append(links, ConceptLink{Key: target, SharedConcepts: concepts})
		}
		sort.Slice(links, func(i, j int) bool {
			if len(links[i].SharedConcepts) != len(links[j].SharedConcepts) {
				return len(links[i].SharedConcepts) > len(links[j].SharedConcepts)
			}
			return links[i].Key.String() < links[j].Key.String()
		})
		if len(links) > g.config.MaxConceptLinks {
			links = links[:g.config.MaxConceptLinks]
		}
		g.conceptLinks[key] = links
	}

	// 邻接边：同源文档内 chunk_index ±1。
	for key := range exists {
		for _, delta := range []int{-1, 1} {
			neighbor := ChunkKey{Source: key.Source, ChunkIndex: key.ChunkIndex + delta}
			if exists[neighbor] {
				g.neighbors[key] = append(g.neighbors[key], neighbor)
			}
		}
		sort.Slice(g.neighbors[key], func(i, j int) bool {
			return g.neighbors[key][i].ChunkIndex < g.neighbors[key][j].ChunkIndex
		})
	}

	g.logger.Debug("concept graph built",
		zap.Int("chunks", len(chunks)),
		zap.Int("concepts", len(byConcept)))
	return g
}

// Related 实现 GraphIndex。缺失的锚点返回空关联而非错误。
func (g *ConceptGraph) Related(ctx context.Context, anchors []ChunkKey) (map[ChunkKey]RelatedChunks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	related := make(map[ChunkKey]RelatedChunks, len(anchors))
	for _, anchor := range anchors {
		related[anchor] = RelatedChunks{
			ConceptLinked: g.conceptLinks[anchor],
			Neighbors:     g.neighbors[anchor],
		}
	}
	return related, nil
}
