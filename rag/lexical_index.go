package rag

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// lexicalTokenPattern 词法分词：小写化后的韩文/拉丁/数字连续串。
var lexicalTokenPattern = regexp.MustCompile(`[가-힣a-z0-9]+`)

// LexicalHit 词法检索命中。分数已按批次最大值归一化到 [0, 1]。
type LexicalHit struct {
	Chunk Chunk
	Score float64
}

// LexicalIndexConfig BM25 参数。
type LexicalIndexConfig struct {
	K1 float64
	B  float64
}

// DefaultLexicalIndexConfig 返回标准 BM25 参数。
func DefaultLexicalIndexConfig() LexicalIndexConfig {
	return LexicalIndexConfig{K1: 1.5, B: 0.75}
}

// LexicalIndex 基于 BM25 的词法倒排索引。
// 在语料快照上一次性构建，语料变化（重建）后由上层重新构建。
type LexicalIndex struct {
	config LexicalIndexConfig
	logger *zap.Logger

	chunks    []Chunk
	termFreqs []map[string]int
	docLens   []int
	avgDocLen float64
	idf       map[string]float64
}

// NewLexicalIndex 在块快照上构建词法索引。
func NewLexicalIndex(config LexicalIndexConfig, chunks []Chunk, logger *zap.Logger) *LexicalIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.K1 <= 0 {
		config = DefaultLexicalIndexConfig()
	}

	idx := &LexicalIndex{
		config:    config,
		logger:    logger.With(zap.String("component", "lexical_index")),
		chunks:    chunks,
		termFreqs: make([]map[string]int, len(chunks)),
		docLens:   make([]int, len(chunks)),
		idf:       make(map[string]float64),
	}

	docFreq := make(map[string]int)
	totalLen := 0
	for i, c := range chunks {
		tokens := tokenizeLexical(c.Content)
		freqs := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freqs[tok]++
		}
		idx.termFreqs[i] = freqs
		idx.docLens[i] = len(tokens)
		totalLen += len(tokens)
		for term := range freqs {
			docFreq[term]++
		}
	}
	if len(chunks) > 0 {
		idx.avgDocLen = float64(totalLen) / float64(len(chunks))
	}

	n := float64(len(chunks))
	for term, df := range docFreq {
		idx.idf[term] = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
	}

	idx.logger.Debug("lexical index built",
		zap.Int("chunks", len(chunks)),
		zap.Int("vocabulary", len(docFreq)))
	return idx
}

// Size 返回索引的块数。
func (x *LexicalIndex) Size() int {
	return len(x.chunks)
}

// Search 对全部块做 BM25 打分，返回分数降序的前 topK 个命中。
// 批次内分数按最大值归一化；最大分为 0（无任何匹配）时返回空。
func (x *LexicalIndex) Search(query string, topK int) []LexicalHit {
	queryTerms := tokenizeLexical(query)
	if len(queryTerms) == 0 || len(x.chunks) == 0 {
		return nil
	}

	scores := make([]float64, len(x.chunks))
	maxScore := 0.0
	for i := range x.chunks {
		score := x.scoreDoc(i, queryTerms)
		scores[i] = score
		if score > maxScore {
			maxScore = score
		}
	}
	if maxScore == 0 {
		return nil
	}

	hits := make([]LexicalHit, 0, len(x.chunks))
	for i, score := range scores {
		if score == 0 {
			continue
		}
		hits = append(hits, LexicalHit{
			Chunk: x.chunks[i],
			Score: score / maxScore,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// scoreDoc 单文档 BM25 分数。
func (x *LexicalIndex) scoreDoc(doc int, queryTerms []string) float64 {
	freqs := x.termFreqs[doc]
	docLen := float64(x.docLens[doc])

	score := 0.0
	for _, term := range queryTerms {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}
		idf := x.idf[term]
		norm := x.config.K1 * (1.0 - x.config.B + x.config.B*docLen/x.avgDocLen)
		score += idf * tf * (x.config.K1 + 1.0) / (tf + norm)
	}
	return score
}

// tokenizeLexical 小写化并提取韩文/拉丁/数字词元。
func tokenizeLexical(text string) []string {
	return lexicalTokenPattern.FindAllString(strings.ToLower(text), -1)
}
