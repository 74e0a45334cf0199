// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 检索指标
	searchesTotal  *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	searchResults  *prometheus.HistogramVec

	// 缓存指标
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// 索引指标
	rebuildsTotal prometheus.Counter
	indexSize     prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 检索指标
	c.searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Total number of searches by mode",
		},
		[]string{"mode"},
	)

	c.searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"mode"},
	)

	c.searchResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of results returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"mode"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of result cache hits",
		},
	)

	c.cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of result cache misses",
		},
	)

	// 索引指标
	c.rebuildsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_rebuilds_total",
			Help:      "Total number of index rebuilds",
		},
	)

	c.indexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_chunks",
			Help:      "Number of chunks in the index",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordSearch 记录一次检索
func (c *Collector) RecordSearch(mode string, duration time.Duration, results int) {
	c.searchesTotal.WithLabelValues(mode).Inc()
	c.searchDuration.WithLabelValues(mode).Observe(duration.Seconds())
	c.searchResults.WithLabelValues(mode).Observe(float64(results))
}

// RecordCacheLookup 记录一次缓存查询
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheHits.Inc()
		return
	}
	c.cacheMisses.Inc()
}

// RecordRebuild 记录一次索引重建
func (c *Collector) RecordRebuild() {
	c.rebuildsTotal.Inc()
}

// SetIndexSize 更新索引块数
func (c *Collector) SetIndexSize(size int64) {
	c.indexSize.Set(float64(size))
}
