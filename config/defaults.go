// =============================================================================
// 📦 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Corpus:    DefaultCorpusConfig(),
		Store:     DefaultStoreConfig(),
		Chunker:   DefaultChunkerConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Engine:    DefaultEngineConfig(),
		Cache:     DefaultCacheConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultCorpusConfig 返回默认语料配置
func DefaultCorpusConfig() CorpusConfig {
	return CorpusConfig{
		Root: "./knowledge",
	}
}

// DefaultStoreConfig 返回默认块存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Dir:         "./chroma_db",
		KeepBackups: 3,
	}
}

// DefaultChunkerConfig 返回默认分块配置
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MaxChunkSize: 800,
		ChunkOverlap: 150,
		MinChunkSize: 100,
		MaxKeywords:  10,
		MaxDomains:   3,
	}
}

// DefaultEmbeddingConfig 返回默认嵌入配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Dimension:      256,
		TokenizerModel: "gpt-3.5-turbo",
	}
}

// DefaultEngineConfig 返回默认融合引擎配置
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
		DefaultMode:         "hybrid_rrf",
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Addr:          "",
		Password:      "",
		DB:            0,
		PoolSize:      10,
		LocalCapacity: 2048,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "console",
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: "carbonrag",
	}
}
