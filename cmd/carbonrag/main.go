// =============================================================================
// carbonrag 主入口
// =============================================================================
// 混合检索命令行工具：索引构建、检索、统计
//
// 使用方法:
//
//	carbonrag index                        # 构建（或校验）索引
//	carbonrag index --config config.yaml   # 指定配置文件
//	carbonrag search --query "탄소배출권"   # 混合检索
//	carbonrag stats                        # 运行时统计
//	carbonrag version                      # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/esketch-ai/carbon-ai-chatbot/config"
	"github.com/esketch-ai/carbon-ai-chatbot/internal/cache"
	"github.com/esketch-ai/carbon-ai-chatbot/internal/metrics"
	"github.com/esketch-ai/carbon-ai-chatbot/rag"
	"github.com/esketch-ai/carbon-ai-chatbot/rag/loader"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "index":
		runIndex(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🧱 组合根
// =============================================================================

// components 装配完成的运行时组件
type components struct {
	engine *rag.Engine
	cache  *cache.Manager
	logger *zap.Logger
}

// build 按配置显式装配全部组件
func build(cfg *config.Config) (*components, error) {
	logger := initLogger(cfg.Log)

	tokenizer, err := rag.NewTiktokenTokenizer(cfg.Embedding.TokenizerModel, logger)
	var tok rag.Tokenizer = tokenizer
	if err != nil {
		logger.Warn("tiktoken unavailable, using estimator tokenizer", zap.Error(err))
		tok = rag.NewEstimatorTokenizer()
	}

	chunker := rag.NewSemanticChunker(rag.ChunkerConfig{
		MaxChunkSize: cfg.Chunker.MaxChunkSize,
		ChunkOverlap: cfg.Chunker.ChunkOverlap,
		MinChunkSize: cfg.Chunker.MinChunkSize,
		MaxKeywords:  cfg.Chunker.MaxKeywords,
		MaxDomains:   cfg.Chunker.MaxDomains,
	}, tok, logger)

	embedder := rag.NewHashingEmbedder(rag.HashingEmbedderConfig{
		Dimension: cfg.Embedding.Dimension,
	}, logger)

	source := loader.NewDirectoryLoader(cfg.Corpus.Root, loader.DefaultRegistry(), logger)

	integrity := rag.NewIntegrityManager(
		cfg.Store.Dir,
		rag.IntegrityConfig{KeepBackups: cfg.Store.KeepBackups},
		embedder, chunker, source, logger,
	)

	vector := rag.NewVectorIndex(
		rag.VectorIndexConfig{Overfetch: cfg.Engine.Overfetch},
		embedder, integrity, logger,
	)

	cacheManager := cache.NewManager(cache.Config{
		Addr:          cfg.Cache.Addr,
		Password:      cfg.Cache.Password,
		DB:            cfg.Cache.DB,
		PoolSize:      cfg.Cache.PoolSize,
		LocalCapacity: cfg.Cache.LocalCapacity,
		DefaultTTL:    cfg.Engine.CacheTTL,
	}, logger)

	engine := rag.NewEngine(rag.EngineConfig{
		TopK:                cfg.Engine.TopK,
		SimilarityThreshold: cfg.Engine.SimilarityThreshold,
		Alpha:               cfg.Engine.Alpha,
		Overfetch:           cfg.Engine.Overfetch,
		GraphBoostFactor:    cfg.Engine.GraphBoostFactor,
		SubsystemTimeout:    cfg.Engine.SubsystemTimeout,
		CacheTTL:            cfg.Engine.CacheTTL,
		NegativeCacheTTL:    cfg.Engine.NegativeCacheTTL,
	}, vector, cacheManager, source, logger)

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)
		engine.SetMetrics(collector)
		integrity.SetMetrics(collector)
	}

	return &components{engine: engine, cache: cacheManager, logger: logger}, nil
}

// =============================================================================
// 🗂️ index 命令
// =============================================================================

func runIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := config.MustLoad(*configPath)
	c, err := build(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build components: %v\n", err)
		os.Exit(1)
	}
	defer c.logger.Sync()
	defer c.cache.Close()

	// Stats 触发惰性构建：打开存储、维度校验、必要时填充或重建
	stats := c.engine.Stats(context.Background())
	fmt.Printf("Index ready: %d chunks\n", stats.IndexSize)
}

// =============================================================================
// 🔍 search 命令
// =============================================================================

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	query := fs.String("query", "", "Search query")
	mode := fs.String("mode", "", "Search mode: vector_only, hybrid_weighted, hybrid_rrf, graph_hybrid")
	topK := fs.Int("k", 0, "Number of results")
	threshold := fs.Float64("threshold", 0, "Similarity threshold (0 disables filtering)")
	alpha := fs.Float64("alpha", 0, "Vector weight for hybrid_weighted (0 is pure lexical)")
	asJSON := fs.Bool("json", false, "Output results as JSON")
	fs.Parse(args)

	if *query == "" {
		fmt.Fprintln(os.Stderr, "search requires --query")
		os.Exit(1)
	}

	cfg := config.MustLoad(*configPath)
	c, err := build(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build components: %v\n", err)
		os.Exit(1)
	}
	defer c.logger.Sync()
	defer c.cache.Close()

	searchMode := rag.SearchMode(*mode)
	if *mode == "" {
		searchMode = rag.SearchMode(cfg.Engine.DefaultMode)
	}

	opts := rag.SearchOptions{TopK: *topK, Mode: searchMode}
	// 只有显式给出的阈值/权重才覆盖配置默认值，--threshold 0 是合法的"不过滤"
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threshold":
			opts.Threshold = threshold
		case "alpha":
			opts.Alpha = alpha
		}
	})

	results, err := c.engine.Search(context.Background(), *query, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			fmt.Fprintf(os.Stderr, "Encode failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if len(results) == 0 {
		fmt.Println("No results")
		return
	}
	for i, r := range results {
		fmt.Printf("%d. [%.4f] %s\n", i+1, r.FinalScore, r.Key())
		if r.GraphExpanded {
			fmt.Printf("   graph boost: %.4f\n", r.GraphBoost)
		}
		fmt.Printf("   %s\n", snippet(r.Content, 120))
	}
}

// =============================================================================
// 📊 stats 命令
// =============================================================================

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := config.MustLoad(*configPath)
	c, err := build(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build components: %v\n", err)
		os.Exit(1)
	}
	defer c.logger.Sync()
	defer c.cache.Close()

	ctx := context.Background()
	engineStats := c.engine.Stats(ctx)
	cacheStats, err := c.cache.GetStats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get cache stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Index size:      %d chunks\n", engineStats.IndexSize)
	if !engineStats.LastRebuild.IsZero() {
		fmt.Printf("Last rebuild:    %s\n", engineStats.LastRebuild.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Cache backend:   %s\n", cacheStats.Backend)
	fmt.Printf("Cache keys:      %d\n", cacheStats.Keys)
	fmt.Printf("Cache hit rate:  %.2f%%\n", cacheStats.HitRate*100)
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("carbonrag %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`carbonrag - hybrid retrieval for the carbon knowledge base

Usage:
  carbonrag <command> [options]

Commands:
  index     Build or verify the chunk index
  search    Run a hybrid search against the index
  stats     Show index and cache statistics
  version   Show version information
  help      Show this help message

Options for 'search':
  --query <text>      Search query (required)
  --mode <mode>       vector_only, hybrid_weighted, hybrid_rrf, graph_hybrid
  --k <n>             Number of results
  --threshold <f>     Similarity threshold (0 disables filtering)
  --alpha <f>         Vector weight for hybrid_weighted
  --json              Output results as JSON

Examples:
  carbonrag index --config config.yaml
  carbonrag search --query "탄소배출권 거래" --mode hybrid_rrf --k 5
  carbonrag stats`)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
