// Package loader provides document loading for the retrieval corpus.
//
// A DocumentLoader turns a single file into a RawDocument. The Registry
// maps file extensions to loaders, and DirectoryLoader walks a corpus
// root applying the registry, which makes it a rag.DocumentSource.
package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/esketch-ai/carbon-ai-chatbot/rag"
)

// DocumentLoader loads a single file into a RawDocument.
type DocumentLoader interface {
	// Load reads the file at path. Source is the corpus-relative path.
	Load(ctx context.Context, path, source string) (rag.RawDocument, error)
	// Extensions lists the file extensions this loader handles,
	// lowercase with the leading dot (".md").
	Extensions() []string
}

// Registry maps file extensions to document loaders.
type Registry struct {
	loaders map[string]DocumentLoader
}

// NewRegistry creates a registry with the given loaders. Later loaders
// override earlier ones for the same extension.
func NewRegistry(loaders ...DocumentLoader) *Registry {
	r := &Registry{loaders: make(map[string]DocumentLoader)}
	for _, l := range loaders {
		r.Register(l)
	}
	return r
}

// DefaultRegistry returns a registry with the built-in loaders.
func DefaultRegistry() *Registry {
	return NewRegistry(NewTextLoader(), NewMarkdownLoader())
}

// Register adds a loader for each of its extensions.
func (r *Registry) Register(l DocumentLoader) {
	for _, ext := range l.Extensions() {
		r.loaders[strings.ToLower(ext)] = l
	}
}

// For returns the loader for a file extension, or nil if unsupported.
func (r *Registry) For(ext string) DocumentLoader {
	return r.loaders[strings.ToLower(ext)]
}

// DirectoryLoader walks a corpus root directory and loads every file
// whose extension has a registered loader. It implements
// rag.DocumentSource.
type DirectoryLoader struct {
	root     string
	registry *Registry
	logger   *zap.Logger
}

var _ rag.DocumentSource = (*DirectoryLoader)(nil)

// NewDirectoryLoader creates a directory loader rooted at root.
// A nil registry falls back to DefaultRegistry.
func NewDirectoryLoader(root string, registry *Registry, logger *zap.Logger) *DirectoryLoader {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryLoader{
		root:     root,
		registry: registry,
		logger:   logger.With(zap.String("component", "directory_loader")),
	}
}

// LoadDocuments walks the corpus root and loads all supported files,
// sorted by corpus-relative path for deterministic ordering. Files
// that fail to load are skipped with a warning.
func (d *DirectoryLoader) LoadDocuments(ctx context.Context) ([]rag.RawDocument, error) {
	var paths []string
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if d.registry.For(filepath.Ext(path)) != nil {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk corpus root %s: %w", d.root, err)
	}
	sort.Strings(paths)

	docs := make([]rag.RawDocument, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		source, err := filepath.Rel(d.root, path)
		if err != nil {
			source = path
		}
		source = filepath.ToSlash(source)

		doc, err := d.registry.For(filepath.Ext(path)).Load(ctx, path, source)
		if err != nil {
			d.logger.Warn("skip unloadable document",
				zap.String("path", path), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}

	d.logger.Info("corpus loaded", zap.Int("documents", len(docs)))
	return docs, nil
}

// CorpusChangedSince reports whether any supported file under the
// corpus root was modified after t. Walk errors count as changed so
// callers err on the side of invalidation.
func (d *DirectoryLoader) CorpusChangedSince(t time.Time) bool {
	changed := false
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || d.registry.For(filepath.Ext(path)) == nil {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(t) {
			changed = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		return true
	}
	return changed
}
