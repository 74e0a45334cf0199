package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// storeFileName 块存储在目录内的数据库文件名。
const storeFileName = "chunks.db"

// chunkRecord 块的持久化行。列表字段在此边界 JSON 编码，
// 业务逻辑中使用类型化的 Chunk / ChunkMetadata。
type chunkRecord struct {
	ID           string `gorm:"primaryKey"`
	DocID        string `gorm:"index"`
	Source       string `gorm:"uniqueIndex:idx_source_chunk"`
	ChunkIndex   int    `gorm:"uniqueIndex:idx_source_chunk"`
	Content      string
	Embedding    string // JSON []float64
	Keywords     string // JSON []string
	Domains      string // JSON []string
	Language     string
	SectionTitle string
	Position     string
	TokenCount   int
	Mtime        time.Time
}

// TableName 指定表名。
func (chunkRecord) TableName() string {
	return "chunks"
}

// VectorHit 向量检索命中：块 + 余弦距离。
type VectorHit struct {
	Chunk    Chunk
	Distance float64
}

// ChunkStore 磁盘持久化的块存储。
// 以目录为单位管理，重建备份以 <dir>.backup.<timestamp> 命名。
type ChunkStore struct {
	db     *gorm.DB
	dir    string
	logger *zap.Logger
}

// OpenChunkStore 打开（或创建）目录下的块存储。
func OpenChunkStore(dir string, logger *zap.Logger) (*ChunkStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, storeFileName)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	if err := db.AutoMigrate(&chunkRecord{}); err != nil {
		return nil, fmt.Errorf("migrate chunk store: %w", err)
	}

	return &ChunkStore{
		db:     db,
		dir:    dir,
		logger: logger.With(zap.String("component", "chunk_store")),
	}, nil
}

// Dir 返回存储目录。
func (s *ChunkStore) Dir() string {
	return s.dir
}

// AddChunks 批量写入块。
func (s *ChunkStore) AddChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	records := make([]chunkRecord, 0, len(chunks))
	for _, c := range chunks {
		rec, err := encodeChunk(c)
		if err != nil {
			return fmt.Errorf("encode chunk %s: %w", c.Key(), err)
		}
		records = append(records, rec)
	}

	if err := s.db.WithContext(ctx).CreateInBatches(records, 200).Error; err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	s.logger.Info("chunks added to store", zap.Int("count", len(chunks)))
	return nil
}

// All 返回全部块的快照（词法索引与概念图的构建输入）。
// 按 (source, chunk_index) 排序，保证快照顺序确定。
func (s *ChunkStore) All(ctx context.Context) ([]Chunk, error) {
	var records []chunkRecord
	if err := s.db.WithContext(ctx).Order("source, chunk_index").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	chunks := make([]Chunk, 0, len(records))
	for _, rec := range records {
		c, err := decodeChunk(rec)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %s#%d: %w", rec.Source, rec.ChunkIndex, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Count 返回存储的块数。
func (s *ChunkStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&chunkRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// SampleEmbedding 返回任意一个已存储的嵌入向量，供维度探针比较。
// 存储为空时返回 (nil, nil)。
func (s *ChunkStore) SampleEmbedding(ctx context.Context) ([]float64, error) {
	var rec chunkRecord
	err := s.db.WithContext(ctx).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sample embedding: %w", err)
	}

	var embedding []float64
	if err := json.Unmarshal([]byte(rec.Embedding), &embedding); err != nil {
		return nil, fmt.Errorf("decode sample embedding: %w", err)
	}
	return embedding, nil
}

// GetByKey 按 (source, chunk_index) 查询单个块。
func (s *ChunkStore) GetByKey(ctx context.Context, key ChunkKey) (Chunk, error) {
	var rec chunkRecord
	err := s.db.WithContext(ctx).
		Where("source = ? AND chunk_index = ?", key.Source, key.ChunkIndex).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return Chunk{}, fmt.Errorf("chunk %s not found", key)
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("get chunk %s: %w", key, err)
	}
	return decodeChunk(rec)
}

// Search 余弦距离全量扫描检索，返回距离升序的前 topK 个命中。
func (s *ChunkStore) Search(ctx context.Context, queryEmbedding []float64, topK int) ([]VectorHit, error) {
	chunks, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	hits := make([]VectorHit, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		hits = append(hits, VectorHit{
			Chunk:    c,
			Distance: 1.0 - cosineSimilarity(queryEmbedding, c.Embedding),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})

	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Close 关闭存储。
func (s *ChunkStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying db: %w", err)
	}
	return sqlDB.Close()
}

// encodeChunk 将 Chunk 编码为持久化行（列表 → JSON）。
func encodeChunk(c Chunk) (chunkRecord, error) {
	embedding, err := json.Marshal(c.Embedding)
	if err != nil {
		return chunkRecord{}, err
	}
	keywords, err := json.Marshal(c.Metadata.Keywords)
	if err != nil {
		return chunkRecord{}, err
	}
	domains, err := json.Marshal(c.Metadata.Domains)
	if err != nil {
		return chunkRecord{}, err
	}

	return chunkRecord{
		ID:           c.ID,
		DocID:        c.DocID,
		Source:       c.Source,
		ChunkIndex:   c.ChunkIndex,
		Content:      c.Content,
		Embedding:    string(embedding),
		Keywords:     string(keywords),
		Domains:      string(domains),
		Language:     c.Metadata.Language,
		SectionTitle: c.Metadata.SectionTitle,
		Position:     c.Metadata.Position,
		TokenCount:   c.Metadata.TokenCount,
	}, nil
}

// decodeChunk 将持久化行还原为 Chunk（JSON → 列表）。
func decodeChunk(rec chunkRecord) (Chunk, error) {
	var embedding []float64
	if rec.Embedding != "" {
		if err := json.Unmarshal([]byte(rec.Embedding), &embedding); err != nil {
			return Chunk{}, err
		}
	}
	var keywords []string
	if rec.Keywords != "" {
		if err := json.Unmarshal([]byte(rec.Keywords), &keywords); err != nil {
			return Chunk{}, err
		}
	}
	var domains []string
	if rec.Domains != "" {
		if err := json.Unmarshal([]byte(rec.Domains), &domains); err != nil {
			return Chunk{}, err
		}
	}

	return Chunk{
		ID:         rec.ID,
		DocID:      rec.DocID,
		Source:     rec.Source,
		ChunkIndex: rec.ChunkIndex,
		Content:    rec.Content,
		Embedding:  embedding,
		Metadata: ChunkMetadata{
			Language:     rec.Language,
			Keywords:     keywords,
			Domains:      domains,
			SectionTitle: rec.SectionTitle,
			Position:     rec.Position,
			TokenCount:   rec.TokenCount,
		},
	}, nil
}
