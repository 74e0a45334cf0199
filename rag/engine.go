package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// cachePrefix 检索结果缓存的键前缀。
const cachePrefix = "rag"

// rrfK RRF（倒数排名融合）的平滑常数。
const rrfK = 60.0

// ResultCache 检索结果缓存。内容经哈希后与前缀、作用域组合成键。
// nil 等价于不缓存。
type ResultCache interface {
	// GetJSON 命中时将缓存值解码到 dest 并返回 true。
	GetJSON(ctx context.Context, prefix, content, scope string, dest any) bool
	// SetJSON 将值编码后写入缓存。
	SetJSON(ctx context.Context, prefix, content, scope string, value any, ttl time.Duration)
	// Clear 按前缀批量失效，返回删除的条目数。
	Clear(ctx context.Context, prefix string) int
	// HitRate 返回累计命中率 [0, 1]。
	HitRate() float64
}

// MetricsRecorder 检索指标采集。nil 等价于不采集。
type MetricsRecorder interface {
	RecordSearch(mode string, duration time.Duration, results int)
	RecordCacheLookup(hit bool)
	RecordRebuild()
	SetIndexSize(size int64)
}

// EngineConfig 融合引擎配置。
type EngineConfig struct {
	// TopK 默认返回结果数。
	TopK int
	// SimilarityThreshold 默认相似度阈值，低于此分数的结果被过滤。
	SimilarityThreshold float64
	// Alpha 加权融合中向量分数的权重，词法权重为 1-Alpha。
	Alpha float64
	// Overfetch 词法子检索的超取倍数。
	Overfetch int
	// GraphBoostFactor 图扩展的提升系数：概念关联按
	// 父块分数 × 系数提升，位置邻接减半。
	GraphBoostFactor float64
	// SubsystemTimeout 单个子检索（向量/词法/图）的超时。
	SubsystemTimeout time.Duration
	// CacheTTL 正向结果的缓存时长。
	CacheTTL time.Duration
	// NegativeCacheTTL 空结果的缓存时长，短于正向以便语料补充后尽快生效。
	NegativeCacheTTL time.Duration
}

// DefaultEngineConfig 返回默认引擎配置。
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TopK:                5,
		SimilarityThreshold: 0.7,
		Alpha:               0.5,
		Overfetch:           3,
		GraphBoostFactor:    0.3,
		SubsystemTimeout:    5 * time.Second,
		CacheTTL:            24 * time.Hour,
		NegativeCacheTTL:    time.Hour,
	}
}

// SearchOptions 单次检索的选项。未设置的字段回退到引擎配置的默认值。
type SearchOptions struct {
	TopK int
	// Threshold 相似度阈值。nil 回退到引擎默认；显式 0 表示不过滤。
	Threshold *float64
	Mode      SearchMode
	// Alpha 加权融合中向量分数的权重。nil 回退到引擎默认；
	// 显式 0 表示纯词法加权。
	Alpha *float64
	// Scope 缓存作用域（如租户 ID），空值为 "global"。
	Scope string
}

// searchParams 补全默认值后的检索参数。
type searchParams struct {
	TopK      int
	Threshold float64
	Mode      SearchMode
	Alpha     float64
	Scope     string
}

// EngineStats 引擎运行时统计。
type EngineStats struct {
	IndexSize    int64     `json:"index_size"`
	CacheHitRate float64   `json:"cache_hit_rate"`
	Fusions      int64     `json:"fusions"`
	LastRebuild  time.Time `json:"last_rebuild"`
}

// cachedResults 缓存载体。区分"未缓存"与"已缓存的空结果"（负缓存）。
type cachedResults struct {
	Results []ScoredChunk `json:"results"`
}

// Engine 混合检索融合引擎。
//
// 四种模式：
//   - vector_only：纯向量检索；
//   - hybrid_weighted：向量与词法线性加权融合；
//   - hybrid_rrf：倒数排名融合，排序用 RRF 分、阈值用原始分均值；
//   - graph_hybrid：向量检索 + 概念图扩展提升。
//
// 向量与词法子检索经 errgroup 并发执行，各自带超时；单个子信号
// 超时或失败时降级为剩余信号，只有存储损坏级别的失败
// （*RebuildFatalError）向上传播。词法索引与概念图在语料快照上
// 惰性构建，索引代数变化（重建）后自动刷新。
type Engine struct {
	config EngineConfig
	vector *VectorIndex
	cache  ResultCache
	source DocumentSource
	logger *zap.Logger

	metrics MetricsRecorder
	fusions atomic.Int64

	mu         sync.Mutex
	lexical    *LexicalIndex
	graph      GraphIndex
	customGrph bool
	builtGen   int64
	corpusSeen time.Time
}

// NewEngine 创建融合引擎。cache、source 可为 nil。
func NewEngine(config EngineConfig, vector *VectorIndex, cache ResultCache, source DocumentSource, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultEngineConfig()
	if config.TopK <= 0 {
		config.TopK = def.TopK
	}
	if config.Overfetch <= 0 {
		config.Overfetch = def.Overfetch
	}
	if config.GraphBoostFactor <= 0 {
		config.GraphBoostFactor = def.GraphBoostFactor
	}
	if config.SubsystemTimeout <= 0 {
		config.SubsystemTimeout = def.SubsystemTimeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.NegativeCacheTTL <= 0 {
		config.NegativeCacheTTL = def.NegativeCacheTTL
	}

	return &Engine{
		config:     config,
		vector:     vector,
		cache:      cache,
		source:     source,
		logger:     logger.With(zap.String("component", "fusion_engine")),
		corpusSeen: time.Now(),
	}
}

// SetMetrics 注入指标采集器。
func (e *Engine) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// SetGraphIndex 注入自定义图索引，替代默认的内存概念图。
func (e *Engine) SetGraphIndex(g GraphIndex) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph = g
	e.customGrph = true
}

// FusionCount 返回实际执行融合（未命中缓存）的次数。
func (e *Engine) FusionCount() int64 {
	return e.fusions.Load()
}

// Search 执行混合检索。空白查询返回 (nil, nil)。
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]ScoredChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	params := e.fillDefaults(opts)
	start := time.Now()
	normalized := normalizeQuery(query)

	e.invalidateOnCorpusChange(ctx)

	cacheContent := fmt.Sprintf("%s|k=%d|t=%.4f|mode=%s|alpha=%.4f",
		normalized, params.TopK, params.Threshold, params.Mode, params.Alpha)

	if e.cache != nil {
		var cached cachedResults
		if e.cache.GetJSON(ctx, cachePrefix, cacheContent, params.Scope, &cached) {
			e.recordCacheLookup(true)
			e.recordSearch(string(params.Mode), time.Since(start), len(cached.Results))
			return cached.Results, nil
		}
		e.recordCacheLookup(false)
	}

	e.fusions.Add(1)
	results, err := e.fuse(ctx, normalized, params)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		ttl := e.config.CacheTTL
		if len(results) == 0 {
			ttl = e.config.NegativeCacheTTL
		}
		e.cache.SetJSON(ctx, cachePrefix, cacheContent, params.Scope, cachedResults{Results: results}, ttl)
	}

	e.recordSearch(string(params.Mode), time.Since(start), len(results))
	return results, nil
}

// fillDefaults 用引擎配置补全未设置的选项。指针选项的显式零值
// 原样保留：阈值 0 不过滤，alpha 0 为纯词法加权。
func (e *Engine) fillDefaults(opts SearchOptions) searchParams {
	params := searchParams{
		TopK:      opts.TopK,
		Threshold: e.config.SimilarityThreshold,
		Mode:      opts.Mode,
		Alpha:     e.config.Alpha,
		Scope:     opts.Scope,
	}
	if params.TopK <= 0 {
		params.TopK = e.config.TopK
	}
	if opts.Threshold != nil {
		params.Threshold = clamp01(*opts.Threshold)
	}
	if params.Mode == "" {
		params.Mode = ModeHybridRRF
	}
	if opts.Alpha != nil {
		params.Alpha = clamp01(*opts.Alpha)
	}
	return params
}

// fuse 执行子检索并融合。
func (e *Engine) fuse(ctx context.Context, query string, opts searchParams) ([]ScoredChunk, error) {
	needLexical := opts.Mode == ModeHybridWeighted || opts.Mode == ModeHybridRRF
	needGraph := opts.Mode == ModeGraphHybrid

	var (
		vectorHits  []ScoredChunk
		lexicalHits []LexicalHit
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		subCtx, cancel := context.WithTimeout(groupCtx, e.config.SubsystemTimeout)
		defer cancel()
		hits, err := e.vector.Search(subCtx, query, opts.TopK)
		if err != nil {
			// 只有存储损坏级别的失败向上传播，其余降级。
			var fatal *RebuildFatalError
			if errors.As(err, &fatal) {
				return fmt.Errorf("vector search: %w", err)
			}
			e.logger.Warn("vector search degraded", zap.Error(err))
			return nil
		}
		vectorHits = hits
		return nil
	})
	if needLexical {
		g.Go(func() error {
			subCtx, cancel := context.WithTimeout(groupCtx, e.config.SubsystemTimeout)
			defer cancel()
			lex, err := e.ensureLexical(subCtx)
			if err != nil {
				// 词法失败降级为纯向量结果。
				e.logger.Warn("lexical search degraded", zap.Error(err))
				return nil
			}
			lexicalHits = lex.Search(query, opts.TopK*e.config.Overfetch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		results []ScoredChunk
		rrf     map[ChunkKey]float64
	)
	switch opts.Mode {
	case ModeVectorOnly, ModeGraphHybrid:
		results = dedupeChunks(vectorHits)
	case ModeHybridWeighted:
		results = e.mergeWeighted(vectorHits, lexicalHits, opts.Alpha)
	case ModeHybridRRF:
		results, rrf = e.mergeRRF(vectorHits, lexicalHits)
	default:
		return nil, fmt.Errorf("unknown search mode %q", opts.Mode)
	}

	if needGraph {
		results = e.expandGraph(ctx, results)
	}

	filtered := results[:0]
	for _, r := range results {
		if r.FinalScore >= opts.Threshold {
			filtered = append(filtered, r)
		}
	}
	results = filtered

	if opts.Mode == ModeHybridRRF {
		sort.SliceStable(results, func(i, j int) bool {
			return rrf[results[i].Key()] > rrf[results[j].Key()]
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].FinalScore > results[j].FinalScore
		})
	}

	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// ensureLexical 保证词法索引与概念图基于当前索引代数构建。
func (e *Engine) ensureLexical(ctx context.Context) (*LexicalIndex, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	gen := e.vector.Generation()
	if e.lexical != nil && e.builtGen == gen && gen != 0 {
		return e.lexical, nil
	}

	snapshot, err := e.vector.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	e.lexical = NewLexicalIndex(DefaultLexicalIndexConfig(), snapshot, e.logger)
	if !e.customGrph {
		e.graph = NewConceptGraph(DefaultConceptGraphConfig(), snapshot, e.logger)
	}
	e.builtGen = e.vector.Generation()
	return e.lexical, nil
}

// ensureGraph 保证图索引就绪。
func (e *Engine) ensureGraph(ctx context.Context) (GraphIndex, error) {
	e.mu.Lock()
	custom := e.customGrph
	graph := e.graph
	e.mu.Unlock()
	if custom {
		return graph, nil
	}
	if _, err := e.ensureLexical(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph, nil
}

// dedupeChunks 按键去重，保留首次出现的结果。
func dedupeChunks(hits []ScoredChunk) []ScoredChunk {
	seen := make(map[ChunkKey]bool, len(hits))
	out := hits[:0:0]
	for _, h := range hits {
		key := h.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

// mergeWeighted 线性加权融合：final = alpha·vector + (1-alpha)·lexical。
// 结果顺序：向量命中序在前，仅词法命中按词法序补后。
func (e *Engine) mergeWeighted(vectorHits []ScoredChunk, lexicalHits []LexicalHit, alpha float64) []ScoredChunk {
	index := make(map[ChunkKey]int)
	merged := make([]ScoredChunk, 0, len(vectorHits)+len(lexicalHits))

	for _, h := range vectorHits {
		key := h.Key()
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = len(merged)
		merged = append(merged, h)
	}
	for _, h := range lexicalHits {
		key := h.Chunk.Key()
		if i, ok := index[key]; ok {
			merged[i].LexicalScore = h.Score
			continue
		}
		index[key] = len(merged)
		merged = append(merged, ScoredChunk{Chunk: h.Chunk, LexicalScore: h.Score})
	}

	for i := range merged {
		merged[i].FinalScore = alpha*merged[i].VectorScore + (1.0-alpha)*merged[i].LexicalScore
	}
	return merged
}

// mergeRRF 倒数排名融合。
//
// 每个候选的 RRF 分为 1/(k+vrank+1) + 1/(k+lrank+1)，k=60，
// 缺席的一侧取列表长度作排名。排序使用 RRF 分；阈值过滤使用
// 原始向量分与词法分的均值（两者刻度不同，属有意为之）。
func (e *Engine) mergeRRF(vectorHits []ScoredChunk, lexicalHits []LexicalHit) ([]ScoredChunk, map[ChunkKey]float64) {
	vRank := make(map[ChunkKey]int, len(vectorHits))
	for i, h := range vectorHits {
		key := h.Key()
		if _, ok := vRank[key]; !ok {
			vRank[key] = i
		}
	}
	lRank := make(map[ChunkKey]int, len(lexicalHits))
	for i, h := range lexicalHits {
		key := h.Chunk.Key()
		if _, ok := lRank[key]; !ok {
			lRank[key] = i
		}
	}

	index := make(map[ChunkKey]int)
	merged := make([]ScoredChunk, 0, len(vectorHits)+len(lexicalHits))
	for _, h := range vectorHits {
		key := h.Key()
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = len(merged)
		merged = append(merged, h)
	}
	for _, h := range lexicalHits {
		key := h.Chunk.Key()
		if i, ok := index[key]; ok {
			merged[i].LexicalScore = h.Score
			continue
		}
		index[key] = len(merged)
		merged = append(merged, ScoredChunk{Chunk: h.Chunk, LexicalScore: h.Score})
	}

	rrf := make(map[ChunkKey]float64, len(merged))
	for i := range merged {
		key := merged[i].Key()
		vr, ok := vRank[key]
		if !ok {
			vr = len(vectorHits)
		}
		lr, ok := lRank[key]
		if !ok {
			lr = len(lexicalHits)
		}
		rrf[key] = 1.0/(rrfK+float64(vr)+1.0) + 1.0/(rrfK+float64(lr)+1.0)
		merged[i].FinalScore = (merged[i].VectorScore + merged[i].LexicalScore) / 2.0
	}
	return merged, rrf
}

// expandGraph 图扩展提升。
//
// 规则：
//   - 概念关联：boost = 父块分数 × GraphBoostFactor；
//   - 位置邻接：概念提升的一半；
//   - 同一目标概念优先于邻接；多个父块取最大提升；
//   - 已在结果中的块在自身分数上累加提升，上限 1.0；
//   - 不在结果中的块以提升值为最终分数新增，内容从存储加载。
func (e *Engine) expandGraph(ctx context.Context, results []ScoredChunk) []ScoredChunk {
	graph, err := e.ensureGraph(ctx)
	if err != nil || graph == nil {
		if err != nil {
			e.logger.Warn("graph expansion degraded", zap.Error(err))
		}
		return results
	}

	anchors := make([]ChunkKey, 0, len(results))
	parentScore := make(map[ChunkKey]float64, len(results))
	for _, r := range results {
		key := r.Key()
		anchors = append(anchors, key)
		parentScore[key] = r.FinalScore
	}

	subCtx, cancel := context.WithTimeout(ctx, e.config.SubsystemTimeout)
	defer cancel()
	related, err := graph.Related(subCtx, anchors)
	if err != nil {
		e.logger.Warn("graph expansion degraded", zap.Error(err))
		return results
	}

	// 同一目标多个父块取最大提升；概念关联存在时忽略邻接提升。
	conceptBoost := make(map[ChunkKey]float64)
	neighborBoost := make(map[ChunkKey]float64)
	for _, anchor := range anchors {
		rel := related[anchor]
		base := parentScore[anchor] * e.config.GraphBoostFactor
		for _, link := range rel.ConceptLinked {
			if base > conceptBoost[link.Key] {
				conceptBoost[link.Key] = base
			}
		}
		for _, neighbor := range rel.Neighbors {
			if half := base / 2.0; half > neighborBoost[neighbor] {
				neighborBoost[neighbor] = half
			}
		}
	}
	boosts := conceptBoost
	for key, boost := range neighborBoost {
		if _, ok := boosts[key]; !ok {
			boosts[key] = boost
		}
	}

	inResults := make(map[ChunkKey]int, len(results))
	for i, r := range results {
		inResults[r.Key()] = i
	}

	// 已有结果累加提升，上限 1.0。
	for key, boost := range boosts {
		if i, ok := inResults[key]; ok {
			results[i].GraphBoost = boost
			results[i].GraphExpanded = true
			results[i].FinalScore = math.Min(results[i].FinalScore+boost, 1.0)
			delete(boosts, key)
		}
	}

	// 新增块按键序加入，内容从存储加载。
	newKeys := make([]ChunkKey, 0, len(boosts))
	for key := range boosts {
		newKeys = append(newKeys, key)
	}
	sort.Slice(newKeys, func(i, j int) bool {
		return newKeys[i].String() < newKeys[j].String()
	})
	for _, key := range newKeys {
		chunk, err := e.vector.GetByKey(ctx, key)
		if err != nil {
			e.logger.Warn("load expanded chunk failed",
				zap.String("key", key.String()), zap.Error(err))
			continue
		}
		results = append(results, ScoredChunk{
			Chunk:         chunk,
			GraphBoost:    boosts[key],
			FinalScore:    math.Min(boosts[key], 1.0),
			GraphExpanded: true,
		})
	}
	return results
}

// invalidateOnCorpusChange 语料变化时按前缀失效缓存。
func (e *Engine) invalidateOnCorpusChange(ctx context.Context) {
	if e.source == nil || e.cache == nil {
		return
	}
	e.mu.Lock()
	since := e.corpusSeen
	e.mu.Unlock()

	if !e.source.CorpusChangedSince(since) {
		return
	}

	removed := e.cache.Clear(ctx, cachePrefix)
	e.mu.Lock()
	e.corpusSeen = time.Now()
	e.mu.Unlock()
	e.logger.Info("corpus changed, cache invalidated", zap.Int("removed", removed))
}

// InvalidateCache 按前缀手动失效缓存。空前缀失效全部检索结果。
func (e *Engine) InvalidateCache(ctx context.Context, prefix string) int {
	if e.cache == nil {
		return 0
	}
	if prefix == "" {
		prefix = cachePrefix
	}
	return e.cache.Clear(ctx, prefix)
}

// Stats 返回引擎统计。
func (e *Engine) Stats(ctx context.Context) EngineStats {
	stats := EngineStats{
		IndexSize:   e.vector.Size(ctx),
		Fusions:     e.fusions.Load(),
		LastRebuild: e.vector.LastRebuildTime(),
	}
	if e.cache != nil {
		stats.CacheHitRate = e.cache.HitRate()
	}
	if e.metrics != nil {
		e.metrics.SetIndexSize(stats.IndexSize)
	}
	return stats
}

func (e *Engine) recordSearch(mode string, d time.Duration, results int) {
	if e.metrics != nil {
		e.metrics.RecordSearch(mode, d, results)
	}
}

func (e *Engine) recordCacheLookup(hit bool) {
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(hit)
	}
}

// normalizeQuery 压缩空白，保证等价查询命中同一缓存键。
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
