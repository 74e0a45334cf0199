package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// backupTimestampLayout 备份目录后缀的时间格式。
const backupTimestampLayout = "20060102_150405"

// dimensionProbeText 维度探针使用的固定探测文本。
const dimensionProbeText = "dimension probe"

// DocumentSource 提供语料文档。索引构建与重建时的唯一真实来源。
type DocumentSource interface {
	// LoadDocuments 加载全部语料文档。
	LoadDocuments(ctx context.Context) ([]RawDocument, error)
	// CorpusChangedSince 判断语料自给定时间后是否有变化。
	CorpusChangedSince(t time.Time) bool
}

// IntegrityConfig 索引完整性管理配置。
type IntegrityConfig struct {
	// KeepBackups 保留的最新备份数，按修改时间排序。
	KeepBackups int
}

// DefaultIntegrityConfig 返回默认完整性配置。
func DefaultIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{KeepBackups: 3}
}

// IntegrityManager 索引完整性管理器。
//
// 职责：
//   - 维度兼容性探测：用探针文本的嵌入维度对比已存储向量的维度；
//   - 不兼容时备份后重建：备份目录命名 <store>.backup.<timestamp>；
//   - 删除失败时从备份恢复并返回致命错误（*RebuildFatalError）；
//   - 重建完成后只保留最新 KeepBackups 个备份。
//
// 重建由互斥锁串行化，并在独立上下文中执行：调用方取消不会中断
// 进行中的重建，避免索引处于半重建状态。
type IntegrityManager struct {
	storeDir string
	config   IntegrityConfig
	embedder EmbeddingProvider
	chunker  *SemanticChunker
	source   DocumentSource
	logger   *zap.Logger
	metrics  MetricsRecorder

	mu          sync.Mutex // 串行化构建与重建
	generation  atomic.Int64
	lastRebuild atomic.Int64 // unix 纳秒，0 表示从未重建
}

// NewIntegrityManager 创建完整性管理器。
func NewIntegrityManager(storeDir string, config IntegrityConfig, embedder EmbeddingProvider, chunker *SemanticChunker, source DocumentSource, logger *zap.Logger) *IntegrityManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeepBackups <= 0 {
		config.KeepBackups = DefaultIntegrityConfig().KeepBackups
	}
	return &IntegrityManager{
		storeDir: storeDir,
		config:   config,
		embedder: embedder,
		chunker:  chunker,
		source:   source,
		logger:   logger.With(zap.String("component", "integrity_manager")),
	}
}

// SetMetrics 注入指标采集器，每次成功重建计数一次。
func (m *IntegrityManager) SetMetrics(rec MetricsRecorder) {
	m.metrics = rec
}

// Generation 返回当前索引代数。每次成功构建或重建后递增，
// 上层据此判断派生索引（词法、概念图）是否需要重建。
func (m *IntegrityManager) Generation() int64 {
	return m.generation.Load()
}

// LastRebuildTime 返回最近一次重建的时间。从未重建时返回零值。
func (m *IntegrityManager) LastRebuildTime() time.Time {
	ns := m.lastRebuild.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// EnsureReady 保证返回一个可用且维度兼容的块存储。
//
// 传入的 store 为当前打开的存储（可为 nil，表示尚未打开）。流程：
//  1. 打开存储（必要时）；
//  2. 空存储视为兼容，直接填充；
//  3. 非空存储做维度探测，不匹配则备份后重建。
func (m *IntegrityManager) EnsureReady(ctx context.Context, store *ChunkStore) (*ChunkStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if store == nil {
		store, err = OpenChunkStore(m.storeDir, m.logger)
		if err != nil {
			return nil, err
		}
	}

	count, err := store.Count(ctx)
	if err != nil {
		return nil, err
	}

	if count == 0 {
		if err := m.populate(store); err != nil {
			return nil, err
		}
		m.generation.Add(1)
		return store, nil
	}

	switch err := m.checkCompatibility(ctx, store); {
	case errors.Is(err, ErrDimensionMismatch):
		m.logger.Warn("embedding dimension mismatch, rebuilding index",
			zap.Int("provider_dimension", m.embedder.Dimension()))
		return m.rebuild(store)
	case err != nil:
		return nil, err
	}

	if m.generation.Load() == 0 {
		m.generation.Add(1)
	}
	return store, nil
}

// checkCompatibility 维度探测：探针文本的嵌入维度与已存储向量对比。
// 空存储视为兼容；探针自身失败只告警并保留现有存储。
func (m *IntegrityManager) checkCompatibility(ctx context.Context, store *ChunkStore) error {
	stored, err := store.SampleEmbedding(ctx)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}

	probe, err := m.embedder.Embed(ctx, dimensionProbeText)
	if err != nil {
		m.logger.Warn("dimension probe failed, keeping existing store", zap.Error(err))
		return nil
	}
	if len(probe) != len(stored) {
		return ErrDimensionMismatch
	}
	return nil
}

// rebuild 备份 → 删除 → 重建。调用方必须持有 m.mu。
//
// 删除失败时从备份恢复并返回 *RebuildFatalError（不可自动恢复，
// 需要人工介入）。重建全程使用独立上下文，不受调用方取消影响。
func (m *IntegrityManager) rebuild(old *ChunkStore) (*ChunkStore, error) {
	if err := old.Close(); err != nil {
		m.logger.Warn("close store before rebuild failed", zap.Error(err))
	}

	backupDir := fmt.Sprintf("%s.backup.%s", m.storeDir, time.Now().Format(backupTimestampLayout))
	if err := copyDir(m.storeDir, backupDir); err != nil {
		return nil, fmt.Errorf("backup store: %w", err)
	}
	m.logger.Info("store backed up", zap.String("backup_dir", backupDir))

	if err := os.RemoveAll(m.storeDir); err != nil {
		m.logger.Error("delete store failed, restoring from backup", zap.Error(err))
		if restoreErr := copyDir(backupDir, m.storeDir); restoreErr != nil {
			m.logger.Error("restore from backup failed", zap.Error(restoreErr))
		}
		return nil, &RebuildFatalError{BackupDir: backupDir, Cause: err}
	}

	store, err := OpenChunkStore(m.storeDir, m.logger)
	if err != nil {
		return nil, fmt.Errorf("reopen store after rebuild: %w", err)
	}
	if err := m.populate(store); err != nil {
		return nil, fmt.Errorf("repopulate store: %w", err)
	}

	m.generation.Add(1)
	m.lastRebuild.Store(time.Now().UnixNano())
	m.pruneBackups()
	if m.metrics != nil {
		m.metrics.RecordRebuild()
	}

	m.logger.Info("index rebuilt", zap.Int64("generation", m.generation.Load()))
	return store, nil
}

// populate 加载语料、分块、嵌入并写入存储。
// 使用独立上下文：一旦开始填充就执行到底。
func (m *IntegrityManager) populate(store *ChunkStore) error {
	ctx := context.Background()

	docs, err := m.source.LoadDocuments(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}

	var chunks []Chunk
	for _, doc := range docs {
		docChunks := m.chunker.ChunkDocument(doc)
		for i := range docChunks {
			embedding, err := m.embedder.Embed(ctx, docChunks[i].Content)
			if err != nil {
				return fmt.Errorf("embed chunk %s: %w", docChunks[i].Key(), err)
			}
			docChunks[i].Embedding = embedding
		}
		chunks = append(chunks, docChunks...)
	}

	if err := store.AddChunks(ctx, chunks); err != nil {
		return err
	}

	m.logger.Info("store populated",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(chunks)))
	return nil
}

// pruneBackups 只保留最新 KeepBackups 个备份，按修改时间降序。
// 清理失败只记录日志，不影响重建结果。
func (m *IntegrityManager) pruneBackups() {
	parent := filepath.Dir(m.storeDir)
	prefix := filepath.Base(m.storeDir) + ".backup."

	entries, err := os.ReadDir(parent)
	if err != nil {
		m.logger.Warn("list backups failed", zap.Error(err))
		return
	}

	type backup struct {
		path  string
		mtime time.Time
	}
	var backups []backup
	for _, entry := range entries {
		if !entry.IsDir() || len(entry.Name()) <= len(prefix) || entry.Name()[:len(prefix)] != prefix {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:  filepath.Join(parent, entry.Name()),
			mtime: info.ModTime(),
		})
	}

	if len(backups) <= m.config.KeepBackups {
		return
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].mtime.After(backups[j].mtime)
	})
	for _, stale := range backups[m.config.KeepBackups:] {
		if err := os.RemoveAll(stale.path); err != nil {
			m.logger.Warn("remove stale backup failed",
				zap.String("path", stale.path), zap.Error(err))
			continue
		}
		m.logger.Info("stale backup removed", zap.String("path", stale.path))
	}
}

// copyDir 递归复制目录。
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
