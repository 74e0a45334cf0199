package rag

import (
	"fmt"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer 分块专用分词器接口。
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenTokenizer 基于 tiktoken 编码的分词器。
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenTokenizer 创建 tiktoken 分词器。
// model 指定编码模型（如 "gpt-4o"）；编码数据不可用时返回错误，
// 调用方应回退到 NewEstimatorTokenizer。
func NewTiktokenTokenizer(model string, logger *zap.Logger) (*TiktokenTokenizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("create tiktoken encoding for %q: %w", model, err)
	}
	logger.With(zap.String("component", "tokenizer")).
		Info("tiktoken encoding ready", zap.String("model", model))
	return &TiktokenTokenizer{encoding: enc}, nil
}

// CountTokens 返回文本的 token 数。
func (t *TiktokenTokenizer) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// EstimatorTokenizer CJK 感知的 token 估算器。
// 不依赖外部编码数据：CJK/韩文字符约 1 字符 1 token，其余约 4 字符 1 token。
type EstimatorTokenizer struct{}

// NewEstimatorTokenizer 创建估算分词器。
func NewEstimatorTokenizer() *EstimatorTokenizer {
	return &EstimatorTokenizer{}
}

// CountTokens 估算文本的 token 数。
func (t *EstimatorTokenizer) CountTokens(text string) int {
	wide, narrow := 0, 0
	for _, r := range text {
		if unicode.In(r, unicode.Hangul, unicode.Han, unicode.Hiragana, unicode.Katakana) {
			wide++
		} else {
			narrow++
		}
	}
	return wide + narrow/4
}
