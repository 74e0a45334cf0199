// =============================================================================
// 📦 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CARBONRAG").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 检索服务的完整配置结构
type Config struct {
	// Corpus 语料配置
	Corpus CorpusConfig `yaml:"corpus" env:"CORPUS"`

	// Store 块存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Chunker 分块配置
	Chunker ChunkerConfig `yaml:"chunker" env:"CHUNKER"`

	// Embedding 嵌入配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Engine 融合引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Cache 结果缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// CorpusConfig 语料配置
type CorpusConfig struct {
	// 语料根目录
	Root string `yaml:"root" env:"ROOT"`
}

// StoreConfig 块存储配置
type StoreConfig struct {
	// 存储目录
	Dir string `yaml:"dir" env:"DIR"`
	// 保留的重建备份数
	KeepBackups int `yaml:"keep_backups" env:"KEEP_BACKUPS"`
}

// ChunkerConfig 分块配置
type ChunkerConfig struct {
	// 最大块长（字符）
	MaxChunkSize int `yaml:"max_chunk_size" env:"MAX_CHUNK_SIZE"`
	// 相邻块重叠（字符）
	ChunkOverlap int `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
	// 最小块长（字符）
	MinChunkSize int `yaml:"min_chunk_size" env:"MIN_CHUNK_SIZE"`
	// 每块关键词上限
	MaxKeywords int `yaml:"max_keywords" env:"MAX_KEYWORDS"`
	// 每块领域标签上限
	MaxDomains int `yaml:"max_domains" env:"MAX_DOMAINS"`
}

// EmbeddingConfig 嵌入配置
type EmbeddingConfig struct {
	// 嵌入向量维度
	Dimension int `yaml:"dimension" env:"DIMENSION"`
	// Token 计数模型（tiktoken 编码选择）
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
}

// EngineConfig 融合引擎配置
type EngineConfig struct {
	// 默认返回结果数
	TopK int `yaml:"top_k" env:"TOP_K"`
	// 默认相似度阈值
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	// 加权融合的向量权重
	Alpha float64 `yaml:"alpha" env:"ALPHA"`
	// 子检索超取倍数
	Overfetch int `yaml:"overfetch" env:"OVERFETCH"`
	// 图扩展提升系数
	GraphBoostFactor float64 `yaml:"graph_boost_factor" env:"GRAPH_BOOST_FACTOR"`
	// 单个子检索超时
	SubsystemTimeout time.Duration `yaml:"subsystem_timeout" env:"SUBSYSTEM_TIMEOUT"`
	// 正向结果缓存时长
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 空结果缓存时长
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl" env:"NEGATIVE_CACHE_TTL"`
	// 默认检索模式: vector_only, hybrid_weighted, hybrid_rrf, graph_hybrid
	DefaultMode string `yaml:"default_mode" env:"DEFAULT_MODE"`
}

// CacheConfig 结果缓存配置
type CacheConfig struct {
	// Redis 地址，空值表示直接使用内存 LRU
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 内存回退存储的容量
	LocalCapacity int `yaml:"local_capacity" env:"LOCAL_CAPACITY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "CARBONRAG"}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置。文件不存在时保持默认值。
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Chunker.MaxChunkSize <= 0 {
		errs = append(errs, "max_chunk_size must be positive")
	}
	if c.Chunker.ChunkOverlap < 0 || c.Chunker.ChunkOverlap >= c.Chunker.MaxChunkSize {
		errs = append(errs, "chunk_overlap must be in [0, max_chunk_size)")
	}
	if c.Engine.Alpha < 0 || c.Engine.Alpha > 1 {
		errs = append(errs, "alpha must be between 0 and 1")
	}
	if c.Engine.SimilarityThreshold < 0 || c.Engine.SimilarityThreshold > 1 {
		errs = append(errs, "similarity_threshold must be between 0 and 1")
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, "embedding dimension must be positive")
	}
	switch c.Engine.DefaultMode {
	case "vector_only", "hybrid_weighted", "hybrid_rrf", "graph_hybrid":
	default:
		errs = append(errs, fmt.Sprintf("unknown default_mode %q", c.Engine.DefaultMode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
