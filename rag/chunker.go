package rag

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChunkerConfig 分块配置。
type ChunkerConfig struct {
	MaxChunkSize int `json:"max_chunk_size"` // 块最大字符数
	ChunkOverlap int `json:"chunk_overlap"`  // 块间重叠字符数
	MinChunkSize int `json:"min_chunk_size"` // 块最小字符数
	MaxKeywords  int `json:"max_keywords"`   // 每块最大关键词数
	MaxDomains   int `json:"max_domains"`    // 每块最大领域标签数
}

// DefaultChunkerConfig 返回默认分块配置。
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MaxChunkSize: 800,
		ChunkOverlap: 150,
		MinChunkSize: 100,
		MaxKeywords:  10,
		MaxDomains:   3,
	}
}

// domainKeywords 领域标签的关键词集合。块中命中 ≥2 个关键词的领域才会入选；
// 若没有领域满足条件，保留得分最高的一个。
var domainKeywords = map[string][]string{
	"정책법규": {
		"법", "규정", "조례", "지침", "고시", "법률", "법령", "규제", "정책",
		"제도", "기본계획", "국가계획", "NDC", "2050", "탄소중립", "넷제로",
		"파리협정", "기후변화협약", "UNFCCC", "COP", "교토의정서",
	},
	"탄소배출권": {
		"배출권", "할당", "크레딧", "상쇄", "offset", "ETS", "cap-and-trade",
		"배출량", "허용량", "거래량", "인증", "감축량", "잉여", "이월", "차입",
		"KAU", "KCU", "KOC", "EU-ETS", "K-ETS",
	},
	"시장거래": {
		"시장", "거래", "가격", "선물", "옵션", "헤지", "투자", "수익률",
		"변동성", "리스크", "포트폴리오", "시세", "매수", "매도", "호가",
		"경매", "중개", "브로커", "청산", "결제",
	},
	"감축기술": {
		"기술", "혁신", "CCS", "CCUS", "수소", "재생에너지", "태양광", "풍력",
		"전기차", "EV", "배터리", "에너지효율", "스마트그리드", "히트펌프",
		"바이오연료", "그린암모니아", "DAC", "탄소포집",
	},
	"MRV검증": {
		"MRV", "모니터링", "보고", "검증", "측정", "인벤토리", "배출계수",
		"활동자료", "불확도", "검증기관", "제3자검증", "IPCC", "가이드라인",
		"Tier", "방법론", "Scope", "배출원", "흡수원",
	},
}

// stopwords 关键词抽取用停用词（韩语 + 英语）。
var stopwords = map[string]struct{}{
	"것": {}, "수": {}, "등": {}, "및": {}, "또는": {}, "그": {}, "이": {}, "저": {},
	"위": {}, "의": {}, "를": {}, "을": {}, "에": {}, "에서": {}, "로": {}, "으로": {},
	"와": {}, "과": {}, "는": {}, "은": {}, "가": {}, "이다": {}, "있다": {},
	"하다": {}, "되다": {}, "한다": {}, "한": {}, "할": {}, "함": {}, "하는": {},
	"있는": {}, "없는": {}, "때문": {}, "경우": {}, "대해": {}, "대한": {},
	"통해": {}, "통한": {}, "따라": {}, "따른": {}, "위한": {}, "위해": {},
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "have": {}, "has": {}, "had": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "can": {}, "of": {}, "to": {},
	"in": {}, "for": {}, "on": {}, "with": {}, "at": {}, "by": {}, "from": {},
	"or": {}, "and": {}, "as": {}, "that": {}, "this": {}, "it": {}, "its": {},
}

var (
	spaceRun     = regexp.MustCompile(`[ \t]+`)
	newlineRun   = regexp.MustCompile(`\n{3,}`)
	paragraphSep = regexp.MustCompile(`\n\s*\n`)
	wordPattern  = regexp.MustCompile(`[가-힣a-zA-Z0-9]+(?:-[가-힣a-zA-Z0-9]+)*`)
)

// SemanticChunker 语义分块器。
// 对相同的输入与配置，输出的块边界完全确定。
type SemanticChunker struct {
	config    ChunkerConfig
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewSemanticChunker 创建语义分块器。tokenizer 可为 nil（跳过 token 计数）。
func NewSemanticChunker(config ChunkerConfig, tokenizer Tokenizer, logger *zap.Logger) *SemanticChunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticChunker{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "chunker")),
	}
}

// ChunkDocument 将文档切分为块序列。
// 段落累积至上限，超长段落在句子/从句边界强制切分，
// 低于下限的尾块并入前一块。
func (c *SemanticChunker) ChunkDocument(doc RawDocument) []Chunk {
	text := normalizeText(doc.Text)
	if text == "" {
		return nil
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	maxSize := c.config.MaxChunkSize
	overlap := c.config.ChunkOverlap
	minSize := c.config.MinChunkSize

	var contents []string
	current := ""

	for _, para := range paragraphs {
		if runeLen(current)+runeLen(para)+1 <= maxSize {
			if current == "" {
				current = para
			} else {
				current += "\n\n" + para
			}
			continue
		}

		if runeLen(current) >= minSize {
			contents = append(contents, current)

			// 重叠延续：前一块的尾部带入下一块
			tail := runeTail(current, overlap)
			if tail != "" {
				current = tail + "\n\n" + para
			} else {
				current = para
			}
		} else if current != "" {
			current = current + "\n\n" + para
		} else {
			current = para
		}

		// 超长段落强制切分
		for runeLen(current) > maxSize {
			splitAt := findSplitPoint(current, maxSize)
			contents = append(contents, strings.TrimSpace(runeSlice(current, 0, splitAt)))
			from := splitAt - overlap
			if from < 0 {
				from = 0
			}
			current = strings.TrimSpace(runeSlice(current, from, runeLen(current)))
		}
	}

	// 尾块：达标则输出，不达标则并入前一块
	if current != "" {
		if runeLen(current) >= minSize || len(contents) == 0 {
			contents = append(contents, current)
		} else {
			contents[len(contents)-1] = contents[len(contents)-1] + "\n\n" + current
		}
	}

	chunks := make([]Chunk, 0, len(contents))
	for i, content := range contents {
		chunks = append(chunks, c.buildChunk(doc, content, i, len(contents)))
	}

	c.logger.Debug("document chunked",
		zap.String("doc_id", doc.ID),
		zap.Int("chunks", len(chunks)))

	return chunks
}

// buildChunk 构造单个块并派生元数据。
func (c *SemanticChunker) buildChunk(doc RawDocument, content string, index, total int) Chunk {
	position := "middle"
	switch {
	case total == 1:
		position = "full"
	case index == 0:
		position = "beginning"
	case index == total-1:
		position = "end"
	}

	tokenCount := 0
	if c.tokenizer != nil {
		tokenCount = c.tokenizer.CountTokens(content)
	}

	return Chunk{
		ID:         uuid.New().String(),
		DocID:      doc.ID,
		Source:     doc.Source,
		ChunkIndex: index,
		Content:    content,
		Metadata: ChunkMetadata{
			Language:     detectLanguage(content),
			Keywords:     extractKeywords(content, c.config.MaxKeywords),
			Domains:      detectDomains(content, c.config.MaxDomains),
			SectionTitle: extractSectionTitle(content),
			Position:     position,
			TokenCount:   tokenCount,
		},
	}
}

// normalizeText 文本归一化：折叠空白、压缩连续空行、去除首尾空白。
func normalizeText(text string) string {
	text = spaceRun.ReplaceAllString(text, " ")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// splitParagraphs 以空行为界切分段落。
func splitParagraphs(text string) []string {
	parts := paragraphSep.Split(text, -1)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// findSplitPoint 在 maxLength 之内寻找切分点。
// 优先句子结尾，其次从句（逗号），再次空格；均须落在后半段，否则硬切。
func findSplitPoint(text string, maxLength int) int {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return len(runes)
	}
	window := string(runes[:maxLength])

	sentenceEnd := lastIndexAny(window, []string{". ", "! ", "? ", "。"})
	if sentenceEnd > maxLength/2 {
		return sentenceEnd + 1
	}

	commaPos := lastIndexAny(window, []string{", ", "， "})
	if commaPos > maxLength/2 {
		return commaPos + 1
	}

	spacePos := lastIndexRune(window, ' ')
	if spacePos > maxLength/2 {
		return spacePos + 1
	}

	return maxLength
}

// lastIndexAny 返回各分隔符在字符串中的最大 rune 索引，不存在时为 -1。
func lastIndexAny(s string, seps []string) int {
	best := -1
	for _, sep := range seps {
		if idx := strings.LastIndex(s, sep); idx >= 0 {
			runeIdx := runeLen(s[:idx])
			if runeIdx > best {
				best = runeIdx
			}
		}
	}
	return best
}

// lastIndexRune 返回指定 rune 的最大索引（rune 单位），不存在时为 -1。
func lastIndexRune(s string, r rune) int {
	best := -1
	for i, ch := range []rune(s) {
		if ch == r {
			best = i
		}
	}
	return best
}

// detectLanguage 语言检测：韩文字母占字母总数的比例 > 0.3 判定为 ko。
func detectLanguage(text string) string {
	hangul, total := 0, 0
	for _, r := range text {
		switch {
		case r >= 0xAC00 && r <= 0xD7A3:
			hangul++
			total++
		case unicode.IsLetter(r):
			total++
		}
	}
	if total == 0 {
		return "ko"
	}
	if float64(hangul)/float64(total) > 0.3 {
		return "ko"
	}
	return "en"
}

// extractKeywords 提取频次最高的关键词。
// 过滤停用词、长度 <2 的词与纯数字；频次相同时按首次出现顺序排序。
func extractKeywords(text string, maxKeywords int) []string {
	words := wordPattern.FindAllString(text, -1)

	type wordStat struct {
		word  string
		count int
		first int
	}
	stats := make(map[string]*wordStat)
	order := make([]*wordStat, 0)

	for i, word := range words {
		lower := strings.ToLower(word)
		if _, stop := stopwords[lower]; stop {
			continue
		}
		if runeLen(word) < 2 {
			continue
		}
		if isDigits(word) {
			continue
		}
		if s, ok := stats[word]; ok {
			s.count++
		} else {
			s := &wordStat{word: word, count: 1, first: i}
			stats[word] = s
			order = append(order, s)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})

	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	keywords := make([]string, len(order))
	for i, s := range order {
		keywords[i] = s.word
	}
	return keywords
}

// detectDomains 领域标签检测。
// 领域得分 = 命中的关键词数；得分 ≥2 才入选，若全部不达标则保留最高分的一个。
func detectDomains(text string, maxDomains int) []string {
	textLower := strings.ToLower(text)

	type domainScore struct {
		domain string
		score  int
	}
	scores := make([]domainScore, 0, len(domainKeywords))
	for domain, keywords := range domainKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(textLower, strings.ToLower(kw)) {
				score++
			}
		}
		if score > 0 {
			scores = append(scores, domainScore{domain: domain, score: score})
		}
	}
	if len(scores) == 0 {
		return nil
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].domain < scores[j].domain
	})

	domains := make([]string, 0, maxDomains)
	for _, s := range scores {
		if s.score >= 2 {
			domains = append(domains, s.domain)
		}
	}
	if len(domains) == 0 {
		domains = append(domains, scores[0].domain)
	}
	if len(domains) > maxDomains {
		domains = domains[:maxDomains]
	}
	return domains
}

// extractSectionTitle 从块的前 3 行中提取 Markdown 标题。
func extractSectionTitle(content string) string {
	lines := strings.Split(content, "\n")
	limit := 3
	if len(lines) < limit {
		limit = len(lines)
	}
	for _, line := range lines[:limit] {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

// isDigits 判断是否为纯数字。
func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// runeLen 返回字符串的 rune 数。
func runeLen(s string) int {
	return len([]rune(s))
}

// runeSlice 按 rune 索引切片。
func runeSlice(s string, from, to int) string {
	runes := []rune(s)
	if from < 0 {
		from = 0
	}
	if to > len(runes) {
		to = len(runes)
	}
	if from >= to {
		return ""
	}
	return string(runes[from:to])
}

// runeTail 返回字符串末尾 n 个 rune。
func runeTail(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) == 0 {
		return ""
	}
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}
