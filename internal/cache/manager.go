// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 缓存管理器
// =============================================================================

// Manager 缓存管理器。
// 优先使用 Redis；连接失败时回退到内存 LRU 存储（只在回退时记录一次告警）。
// 键为内容哈希：prefix:scope:sha256(content)[:16]。
type Manager struct {
	redis  *redis.Client
	local  *LRUStore
	config Config
	logger *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Config 缓存配置
type Config struct {
	// Redis 地址，空值表示直接使用内存 LRU
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 内存回退存储的容量
	LocalCapacity int `yaml:"local_capacity" json:"local_capacity"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		Password:      "",
		DB:            0,
		DefaultTTL:    24 * time.Hour,
		MaxRetries:    3,
		PoolSize:      10,
		LocalCapacity: 2048,
	}
}

// NewManager 创建缓存管理器。
// Redis 连接失败不返回错误，而是回退到内存 LRU。
func NewManager(config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}

	m := &Manager{
		local:  NewLRUStore(config.LocalCapacity),
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}

	if config.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:       config.Addr,
			Password:   config.Password,
			DB:         config.DB,
			MaxRetries: config.MaxRetries,
			PoolSize:   config.PoolSize,
		})

		// 测试连接
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			m.logger.Warn("redis unavailable, falling back to in-memory LRU cache",
				zap.String("addr", config.Addr), zap.Error(err))
			_ = client.Close()
		} else {
			m.redis = client
			m.logger.Info("cache manager initialized",
				zap.String("backend", "redis"),
				zap.String("addr", config.Addr),
			)
		}
	}
	if m.redis == nil {
		m.logger.Info("cache manager initialized",
			zap.String("backend", "memory"),
			zap.Int("capacity", config.LocalCapacity),
		)
	}

	return m
}

// =============================================================================
// 🔑 键构造
// =============================================================================

// BuildKey 构造缓存键：prefix:scope:sha256(content)[:16]。
// scope 为空时取 "global"。
func BuildKey(prefix, content, scope string) string {
	if scope == "" {
		scope = "global"
	}
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s:%s:%s", prefix, scope, hex.EncodeToString(sum[:])[:16])
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// GetJSON 获取 JSON 缓存值，命中时解码到 dest 并返回 true。
// Redis 错误视为未命中，不向上传播。
func (m *Manager) GetJSON(ctx context.Context, prefix, content, scope string, dest any) bool {
	if m.isClosed() {
		return false
	}

	key := BuildKey(prefix, content, scope)
	raw, ok := m.get(ctx, key)
	if !ok {
		m.misses.Add(1)
		return false
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		m.logger.Warn("cache value unmarshal failed", zap.String("key", key), zap.Error(err))
		m.delete(ctx, key)
		m.misses.Add(1)
		return false
	}

	m.hits.Add(1)
	return true
}

// SetJSON 将值编码后写入缓存。ttl <= 0 时使用默认 TTL。
// 写入失败只记录日志：缓存不可用不应影响检索。
func (m *Manager) SetJSON(ctx context.Context, prefix, content, scope string, value any, ttl time.Duration) {
	if m.isClosed() {
		return
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("cache value marshal failed", zap.Error(err))
		return
	}

	key := BuildKey(prefix, content, scope)
	if m.redis != nil {
		if err := m.redis.Set(ctx, key, string(data), ttl).Err(); err != nil {
			m.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
		return
	}
	m.local.Set(key, string(data), ttl)
}

// Clear 按前缀批量失效（prefix:*），返回删除的条目数
func (m *Manager) Clear(ctx context.Context, prefix string) int {
	if m.isClosed() {
		return 0
	}

	if m.redis == nil {
		return m.local.ClearPrefix(prefix + ":")
	}

	pattern := prefix + ":*"
	removed := 0
	var cursor uint64
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			m.logger.Warn("cache clear scan failed", zap.String("pattern", pattern), zap.Error(err))
			return removed
		}
		if len(keys) > 0 {
			deleted, err := m.redis.Del(ctx, keys...).Result()
			if err != nil {
				m.logger.Warn("cache clear delete failed", zap.Error(err))
			}
			removed += int(deleted)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed
}

// Sweep 清除内存存储中所有已过期条目，返回清除数。
// Redis 后端由服务端自行过期，返回 0。
func (m *Manager) Sweep() int {
	if m.redis != nil {
		return 0
	}
	return m.local.Sweep()
}

// HitRate 返回累计命中率 [0, 1]
func (m *Manager) HitRate() float64 {
	hits := m.hits.Load()
	total := hits + m.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Close 关闭缓存管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing cache manager")

	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 缓存统计信息
type Stats struct {
	Backend string  `json:"backend"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Keys    int64   `json:"keys"`
}

// GetStats 获取缓存统计信息
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	if m.isClosed() {
		return nil, fmt.Errorf("cache manager is closed")
	}

	stats := &Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		HitRate: m.HitRate(),
	}

	if m.redis != nil {
		stats.Backend = "redis"
		keys, err := m.redis.DBSize(ctx).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get redis dbsize: %w", err)
		}
		stats.Keys = keys
		return stats, nil
	}

	stats.Backend = "memory"
	stats.Keys = int64(m.local.Len())
	return stats, nil
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// get 读取原始值。Redis 错误降级为未命中。
func (m *Manager) get(ctx context.Context, key string) (string, bool) {
	if m.redis != nil {
		val, err := m.redis.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", false
		}
		if err != nil {
			m.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
			return "", false
		}
		return val, true
	}
	return m.local.Get(key)
}

// delete 删除单个键
func (m *Manager) delete(ctx context.Context, key string) {
	if m.redis != nil {
		_ = m.redis.Del(ctx, key).Err()
		return
	}
	m.local.Delete(key)
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
