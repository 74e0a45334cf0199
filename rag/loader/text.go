package loader

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/esketch-ai/carbon-ai-chatbot/rag"
)

// TextLoader loads plain text files verbatim.
type TextLoader struct{}

// NewTextLoader creates a plain text loader.
func NewTextLoader() *TextLoader {
	return &TextLoader{}
}

// Extensions implements DocumentLoader.
func (l *TextLoader) Extensions() []string {
	return []string{".txt"}
}

// Load implements DocumentLoader.
func (l *TextLoader) Load(ctx context.Context, path, source string) (rag.RawDocument, error) {
	return loadFile(ctx, path, source, func(text string) string { return text })
}

// MarkdownLoader loads markdown files, stripping a leading YAML front
// matter block if present. Heading markers are kept so the chunker can
// pick up section titles.
type MarkdownLoader struct{}

// NewMarkdownLoader creates a markdown loader.
func NewMarkdownLoader() *MarkdownLoader {
	return &MarkdownLoader{}
}

// Extensions implements DocumentLoader.
func (l *MarkdownLoader) Extensions() []string {
	return []string{".md", ".markdown"}
}

// Load implements DocumentLoader.
func (l *MarkdownLoader) Load(ctx context.Context, path, source string) (rag.RawDocument, error) {
	return loadFile(ctx, path, source, stripFrontMatter)
}

// loadFile reads a file and builds a RawDocument with the file's
// modification time. The source path doubles as the document ID.
func loadFile(ctx context.Context, path, source string, transform func(string) string) (rag.RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return rag.RawDocument{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rag.RawDocument{}, fmt.Errorf("read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return rag.RawDocument{}, fmt.Errorf("stat %s: %w", path, err)
	}

	return rag.RawDocument{
		ID:     source,
		Text:   transform(string(data)),
		Source: source,
		Mtime:  info.ModTime(),
	}, nil
}

// stripFrontMatter removes a leading "---" delimited YAML block.
func stripFrontMatter(text string) string {
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return text
	}
	rest := text[strings.Index(text, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return text
	}
	after := rest[end+len("\n---"):]
	if nl := strings.Index(after, "\n"); nl >= 0 {
		return strings.TrimLeft(after[nl+1:], "\n")
	}
	return ""
}
