package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexicalCorpus() []Chunk {
	return []Chunk{
		testChunk("a.txt", 0, "배출권 거래 제도는 탄소 가격을 형성한다. 배출권 할당은 경매로 이뤄진다.", nil),
		testChunk("a.txt", 1, "재생에너지 기술과 수소 경제가 성장한다.", nil),
		testChunk("b.txt", 0, "시장 가격 변동성과 거래 리스크를 관리한다.", nil),
		testChunk("b.txt", 1, "MRV monitoring and verification for emission inventories.", nil),
	}
}

func TestLexicalIndex_RanksByTermRelevance(t *testing.T) {
	idx := NewLexicalIndex(DefaultLexicalIndexConfig(), lexicalCorpus(), nil)

	hits := idx.Search("배출권 할당", 10)
	require.NotEmpty(t, hits)

	// "배출권" 两次 + "할당" 命中的块应排第一
	assert.Equal(t, ChunkKey{Source: "a.txt", ChunkIndex: 0}, hits[0].Chunk.Key())
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9, "批次内最大分归一化为 1")

	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i].Score, hits[i-1].Score)
		assert.Greater(t, hits[i].Score, 0.0)
	}
}

func TestLexicalIndex_NoMatchReturnsEmpty(t *testing.T) {
	idx := NewLexicalIndex(DefaultLexicalIndexConfig(), lexicalCorpus(), nil)

	assert.Empty(t, idx.Search("전혀없는단어조합", 10))
	assert.Empty(t, idx.Search("", 10))
	assert.Empty(t, idx.Search("   ", 10))
}

func TestLexicalIndex_EmptyCorpus(t *testing.T) {
	idx := NewLexicalIndex(DefaultLexicalIndexConfig(), nil, nil)
	assert.Empty(t, idx.Search("배출권", 10))
	assert.Equal(t, 0, idx.Size())
}

func TestLexicalIndex_TopKTruncation(t *testing.T) {
	idx := NewLexicalIndex(DefaultLexicalIndexConfig(), lexicalCorpus(), nil)

	hits := idx.Search("거래 가격", 1)
	assert.Len(t, hits, 1)
}

func TestLexicalIndex_CaseInsensitiveEnglish(t *testing.T) {
	idx := NewLexicalIndex(DefaultLexicalIndexConfig(), lexicalCorpus(), nil)

	hits := idx.Search("MRV VERIFICATION", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, ChunkKey{Source: "b.txt", ChunkIndex: 1}, hits[0].Chunk.Key())
}

func TestTokenizeLexical(t *testing.T) {
	tokens := tokenizeLexical("배출권 Market-Price 2050! (거래)")
	assert.Equal(t, []string{"배출권", "market", "price", "2050", "거래"}, tokens)
}
