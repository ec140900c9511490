// Package main is the entry point for the trading engine: price feed,
// strategy cycle, risk gate, execution against a paper broker, and the
// HTTP/WebSocket control surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantframe/trading-core/internal/allocator"
	"github.com/quantframe/trading-core/internal/api"
	"github.com/quantframe/trading-core/internal/audit"
	"github.com/quantframe/trading-core/internal/backtest"
	"github.com/quantframe/trading-core/internal/broker"
	"github.com/quantframe/trading-core/internal/config"
	"github.com/quantframe/trading-core/internal/execution"
	"github.com/quantframe/trading-core/internal/feed"
	"github.com/quantframe/trading-core/internal/ledger"
	"github.com/quantframe/trading-core/internal/metrics"
	"github.com/quantframe/trading-core/internal/orchestrator"
	"github.com/quantframe/trading-core/internal/pricecache"
	"github.com/quantframe/trading-core/internal/risk"
	"github.com/quantframe/trading-core/internal/strategy"
	"github.com/quantframe/trading-core/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	autostart := flag.Bool("autostart", true, "Start the trading loop immediately")
	flag.Parse()

	bootLogger := setupLogger("info")
	store, err := config.NewStore(bootLogger, *configPath)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := store.Current()

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level)
	defer logger.Sync()

	logger.Info("Starting trading engine",
		zap.String("config", *configPath),
		zap.String("api_addr", cfg.APIAddr),
		zap.String("feed_mode", cfg.Feed.Mode),
		zap.Int("strategies", len(cfg.Strategies)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.Watch()

	cache := pricecache.New(logger, cfg.Engine.HistorySize)
	book := ledger.New(logger)
	auditLog := audit.NewLogger(logger)
	riskMgr := risk.NewManager(logger, cfg.Risk)
	registry := strategy.NewRegistry(logger)

	promRegistry := prometheus.NewRegistry()
	engineMetrics := metrics.New(promRegistry)

	paper := broker.NewPaper(logger, cache, cfg.Engine.InitialCash, cfg.Engine.SlippageBps)

	var orch *orchestrator.Orchestrator
	engine := execution.NewEngine(logger, cfg.Execution, paper, auditLog, func(fill types.Fill) {
		orch.HandleFill(fill)
	})
	alloc := allocator.New(logger, cfg.Allocator, auditLog)
	orch = orchestrator.New(logger, store, cache, registry, riskMgr, book, engine, alloc, paper, auditLog, engineMetrics)

	simulator := backtest.NewSimulator(logger, backtest.Config{
		InitialCapital: cfg.Engine.InitialCash,
		CommissionRate: decimal.NewFromFloat(0.001),
		SlippageBps:    cfg.Engine.SlippageBps,
	}, registry)

	ticks := startFeed(ctx, logger, cfg.Feed)
	go cache.Consume(ctx, ticks)
	go engine.ConsumeEvents(ctx)

	if *autostart {
		orch.Start(ctx)
	}

	server := api.NewServer(logger, orch, store, book, engine, riskMgr, cache, simulator, auditLog, promRegistry)
	go func() {
		if err := server.Start(ctx, cfg.APIAddr); err != nil {
			logger.Error("API server stopped", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("Shutdown signal received")
	case <-ctx.Done():
	}

	orch.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("API shutdown failed", zap.Error(err))
	}

	logger.Info("Trading engine stopped")
}

// startFeed launches the configured tick source and returns its stream.
func startFeed(ctx context.Context, logger *zap.Logger, cfg config.Feed) <-chan types.Tick {
	if cfg.Mode == "live" {
		live := feed.NewBinance(logger, feed.BinanceConfig{
			WSURL:   cfg.WSURL,
			Symbols: cfg.Symbols,
		})
		go live.Run(ctx)
		return live.Ticks()
	}

	start := make(map[string]decimal.Decimal, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		start[symbol] = decimal.NewFromInt(100)
	}
	sim := feed.NewSimulated(logger, start, cfg.TickInterval, time.Now().UnixNano())
	go sim.Run(ctx)
	return sim.Ticks()
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
