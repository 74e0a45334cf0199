package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestChunker() *SemanticChunker {
	return NewSemanticChunker(DefaultChunkerConfig(), NewEstimatorTokenizer(), nil)
}

func TestChunkDocument_EmptyText(t *testing.T) {
	c := newTestChunker()

	assert.Nil(t, c.ChunkDocument(RawDocument{ID: "d1", Text: ""}))
	assert.Nil(t, c.ChunkDocument(RawDocument{ID: "d1", Text: "   \n\n  \t "}))
}

func TestChunkDocument_ShortTextSingleChunk(t *testing.T) {
	c := newTestChunker()

	doc := RawDocument{ID: "d1", Source: "a.txt", Text: "탄소중립 기본법은 2050 넷제로 달성을 목표로 한다."}
	chunks := c.ChunkDocument(doc)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "full", chunks[0].Metadata.Position)
	assert.Equal(t, "a.txt", chunks[0].Source)
	assert.Equal(t, "d1", chunks[0].DocID)
	assert.NotEmpty(t, chunks[0].ID)
	assert.Greater(t, chunks[0].Metadata.TokenCount, 0)
}

func TestChunkDocument_RespectsMaxSize(t *testing.T) {
	c := newTestChunker()

	// 无段落边界的超长文本必须被强制切分
	long := strings.Repeat("배출권 거래제는 탄소 가격을 형성한다. ", 200)
	chunks := c.ChunkDocument(RawDocument{ID: "d1", Source: "a.txt", Text: long})

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk.Content)), DefaultChunkerConfig().MaxChunkSize,
			"chunk %d exceeds max size", chunk.ChunkIndex)
	}
}

func TestChunkDocument_Positions(t *testing.T) {
	c := newTestChunker()

	paragraphs := make([]string, 6)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat("온실가스 감축 기술과 재생에너지 전환이 필요하다. ", 20)
	}
	chunks := c.ChunkDocument(RawDocument{ID: "d1", Source: "a.txt", Text: strings.Join(paragraphs, "\n\n")})

	require.Greater(t, len(chunks), 2)
	assert.Equal(t, "beginning", chunks[0].Metadata.Position)
	assert.Equal(t, "end", chunks[len(chunks)-1].Metadata.Position)
	for _, mid := range chunks[1 : len(chunks)-1] {
		assert.Equal(t, "middle", mid.Metadata.Position)
	}
}

func TestChunkDocument_TrailingShortChunkMerged(t *testing.T) {
	c := newTestChunker()

	big := strings.Repeat("시장 거래 가격 변동성 분석. ", 50)
	tiny := "짧은 꼬리."
	chunks := c.ChunkDocument(RawDocument{ID: "d1", Source: "a.txt", Text: big + "\n\n" + tiny})

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Contains(t, last.Content, "짧은 꼬리", "低于下限的尾块应并入前一块")
	for _, chunk := range chunks {
		if len(chunks) > 1 {
			assert.GreaterOrEqual(t, len([]rune(chunk.Content)), DefaultChunkerConfig().MinChunkSize)
		}
	}
}

func TestChunkDocument_ChunkIndexesSequential(t *testing.T) {
	c := newTestChunker()

	long := strings.Repeat("MRV 검증 체계는 측정, 보고, 검증으로 구성된다. ", 120)
	chunks := c.ChunkDocument(RawDocument{ID: "d1", Source: "a.txt", Text: long})

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, ChunkKey{Source: "a.txt", ChunkIndex: i}, chunk.Key())
	}
}

func TestChunkDocument_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := newTestChunker()

		numParas := rapid.IntRange(1, 8).Draw(rt, "numParas")
		paras := make([]string, numParas)
		for i := range paras {
			sentence := rapid.SampledFrom([]string{
				"탄소배출권 할당과 거래 제도.",
				"재생에너지 기술 혁신이 가속화된다.",
				"carbon credits are traded on the market.",
				"기후변화협약에 따른 국가계획 수립.",
			}).Draw(rt, "sentence")
			repeats := rapid.IntRange(1, 60).Draw(rt, "repeats")
			paras[i] = strings.Repeat(sentence+" ", repeats)
		}
		doc := RawDocument{ID: "d1", Source: "a.txt", Text: strings.Join(paras, "\n\n")}

		first := c.ChunkDocument(doc)
		second := c.ChunkDocument(doc)

		require.Equal(t, len(first), len(second))
		for i := range first {
			// 块 ID 随机生成，其余全部确定
			assert.Equal(t, first[i].Content, second[i].Content)
			assert.Equal(t, first[i].ChunkIndex, second[i].ChunkIndex)
			assert.Equal(t, first[i].Metadata.Keywords, second[i].Metadata.Keywords)
			assert.Equal(t, first[i].Metadata.Domains, second[i].Metadata.Domains)
			assert.Equal(t, first[i].Metadata.Language, second[i].Metadata.Language)
		}
	})
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"pure korean", "탄소중립 정책과 배출권 거래", "ko"},
		{"pure english", "carbon neutral policy and emission trading", "en"},
		{"mixed mostly korean", "탄소중립 net-zero 정책은 배출권 거래와 감축 기술을 포함한다", "ko"},
		{"no letters", "2050 + 100%", "ko"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectLanguage(tt.text))
		})
	}
}

func TestExtractKeywords(t *testing.T) {
	text := "배출권 거래 배출권 할당 배출권 시장 거래 this is the 2050"
	keywords := extractKeywords(text, 10)

	require.NotEmpty(t, keywords)
	// 频次最高的词排在最前
	assert.Equal(t, "배출권", keywords[0])
	assert.Equal(t, "거래", keywords[1])
	// 停用词与纯数字被过滤
	assert.NotContains(t, keywords, "this")
	assert.NotContains(t, keywords, "the")
	assert.NotContains(t, keywords, "2050")
}

func TestExtractKeywords_Limit(t *testing.T) {
	words := []string{"하나", "둘셋", "넷다섯", "여섯", "일곱", "여덟"}
	keywords := extractKeywords(strings.Join(words, " "), 3)
	assert.Len(t, keywords, 3)
}

func TestDetectDomains(t *testing.T) {
	// 两个领域各命中 ≥2 个关键词
	text := "배출권 할당 제도와 ETS 체계에서 시장 가격과 거래 변동성을 분석한다"
	domains := detectDomains(text, 3)

	assert.Contains(t, domains, "탄소배출권")
	assert.Contains(t, domains, "시장거래")
	assert.LessOrEqual(t, len(domains), 3)
}

func TestDetectDomains_SingleBestFallback(t *testing.T) {
	// 只有一个领域命中且只命中 1 个关键词 → 保留最高分的一个
	domains := detectDomains("수소 에너지는 미래를 바꾼다", 3)
	assert.Equal(t, []string{"감축기술"}, domains)
}

func TestDetectDomains_NoMatch(t *testing.T) {
	assert.Nil(t, detectDomains("아침에 커피를 마셨다", 3))
}

func TestExtractSectionTitle(t *testing.T) {
	assert.Equal(t, "배출권 개요", extractSectionTitle("## 배출권 개요\n본문 내용"))
	assert.Equal(t, "", extractSectionTitle("본문만 있는 블록"))
	// 标题只在前 3 行内查找
	assert.Equal(t, "", extractSectionTitle("1\n2\n3\n# 늦은 제목"))
}

func TestFindSplitPoint(t *testing.T) {
	// 句子边界优先
	text := strings.Repeat("가", 60) + ". " + strings.Repeat("나", 60)
	at := findSplitPoint(text, 100)
	assert.Equal(t, 61, at)

	// 无任何边界时硬切
	hard := strings.Repeat("가", 200)
	assert.Equal(t, 100, findSplitPoint(hard, 100))

	// 文本短于上限时不切
	assert.Equal(t, 10, findSplitPoint(strings.Repeat("가", 10), 100))
}
