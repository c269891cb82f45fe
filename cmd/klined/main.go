// Kline ingestion daemon.
// This application backfills historical candlestick data over REST and then
// follows live kline events over a websocket stream, writing everything into
// a single idempotent candle store.
//
// Usage:
//
//	klined --env .env
//	klined --symbols BTCUSDT,ETHUSDT --interval 1m --storage duckdb
//
// Configuration comes from the environment (optionally a .env file); flags
// override the most common settings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-kline-ingest/internal/cache"
	"github.com/johnayoung/go-kline-ingest/internal/collector"
	"github.com/johnayoung/go-kline-ingest/internal/config"
	"github.com/johnayoung/go-kline-ingest/internal/exchange"
	"github.com/johnayoung/go-kline-ingest/internal/gaps"
	"github.com/johnayoung/go-kline-ingest/internal/logger"
	"github.com/johnayoung/go-kline-ingest/internal/models"
	"github.com/johnayoung/go-kline-ingest/internal/storage"
	"github.com/johnayoung/go-kline-ingest/internal/stream"
)

const (
	Version = "1.0.0"
	AppName = "klined"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitFatal         = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		envFile     = flag.String("env", "", "path to a .env file (optional)")
		symbols     = flag.String("symbols", "", "comma-separated trading pairs, overrides BACKFILL_SYMBOLS")
		interval    = flag.String("interval", "", "candle interval, e.g. 1m, overrides BACKFILL_INTERVAL")
		storageType = flag.String("storage", "", "storage backend: memory, duckdb, postgres")
		noStream    = flag.Bool("no-stream", false, "exit after backfill instead of streaming")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", AppName, Version)
		return ExitSuccess
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	if *symbols != "" {
		cfg.Backfill.Symbols = splitSymbols(*symbols)
	}
	if *interval != "" {
		cfg.Backfill.Interval = *interval
	}
	if *storageType != "" {
		cfg.Storage.Type = *storageType
	}
	if *noStream {
		cfg.Stream.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		return ExitConfigError
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting kline ingestion",
		"version", Version,
		"symbols", cfg.Backfill.Symbols,
		"interval", cfg.Backfill.Interval,
		"storage", cfg.Storage.Type)

	store, err := newStorage(ctx, cfg, log)
	if err != nil {
		log.Error("storage initialization failed", "error", err)
		return ExitConnectionErr
	}
	defer store.Close()

	adapter := exchange.NewBinanceAdapter(exchange.BinanceConfig{
		BaseURL:            cfg.Exchange.BaseURL,
		RequestsPerSecond:  cfg.Exchange.RequestsPerSecond,
		ThrottleBackoff:    cfg.Exchange.ThrottleBackoff,
		MaxThrottleRetries: cfg.Exchange.MaxThrottleRetries,
		Logger:             log.Logger,
	})
	if err := adapter.HealthCheck(ctx); err != nil {
		log.Error("exchange health check failed", "error", err)
		return ExitConnectionErr
	}

	candleInterval, err := models.ParseInterval(cfg.Backfill.Interval)
	if err != nil {
		log.Error("invalid interval", "error", err)
		return ExitConfigError
	}
	windowStart, err := cfg.WindowStart()
	if err != nil {
		log.Error("invalid backfill window start", "error", err)
		return ExitConfigError
	}
	scanner, err := gaps.NewScanner(store, candleInterval, windowStart)
	if err != nil {
		log.Error("failed to create gap scanner", "error", err)
		return ExitConfigError
	}

	var latestCache cache.LatestCache
	if cfg.Redis.Enabled {
		redisCache := cache.NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.TTL)
		if err := redisCache.Ping(ctx); err != nil {
			log.Error("redis ping failed", "addr", cfg.Redis.Addr, "error", err)
			return ExitConnectionErr
		}
		defer redisCache.Close()
		latestCache = redisCache
	}

	var streamClient collector.StreamRunner
	if cfg.Stream.Enabled {
		transport, err := exchange.NewBinanceStream(exchange.BinanceStreamConfig{
			StreamURL:   cfg.Stream.URL,
			ReadTimeout: cfg.Stream.ReadTimeout,
			Logger:      log.Logger,
		})
		if err != nil {
			log.Error("failed to create stream transport", "error", err)
			return ExitConfigError
		}
		client, err := stream.NewClient(stream.Config{
			Transport:            transport,
			Store:                store,
			Cache:                latestCache,
			Channels:             klineChannels(cfg.Backfill.Symbols, cfg.Backfill.Interval),
			ReconnectBase:        cfg.Stream.ReconnectBase,
			ReconnectCap:         cfg.Stream.ReconnectCap,
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			Logger:               log.Logger,
		})
		if err != nil {
			log.Error("failed to create streaming client", "error", err)
			return ExitConfigError
		}
		streamClient = client
	}

	orch, err := collector.NewOrchestrator(collector.Config{
		Symbols:      cfg.Backfill.Symbols,
		IntervalName: cfg.Backfill.Interval,
		Fetcher:      adapter,
		Store:        store,
		Scanner:      scanner,
		Stream:       streamClient,
		StoreRetries: uint64(cfg.Backfill.StoreRetries),
		Logger:       log.Logger,
	})
	if err != nil {
		log.Error("failed to create orchestrator", "error", err)
		return ExitConfigError
	}

	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, stream.ErrReconnectExhausted) {
			log.Error("streaming terminated", "error", err)
			return ExitFatal
		}
		log.Error("ingestion failed", "error", err)
		return ExitFatal
	}

	log.Info("shutdown complete")
	return ExitSuccess
}

// newStorage builds and initializes the configured storage backend.
func newStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.FullStorage, error) {
	var store storage.FullStorage
	switch cfg.Storage.Type {
	case "memory":
		store = storage.NewMemoryStorage()
	case "duckdb":
		duck, err := storage.NewDuckDBStorage(cfg.Storage.Path, log.Logger)
		if err != nil {
			return nil, err
		}
		store = duck
	case "postgres":
		pg, err := storage.NewPostgresStorage(storage.PostgresConfig{
			Host:     cfg.Storage.PostgresHost,
			Port:     cfg.Storage.PostgresPort,
			User:     cfg.Storage.PostgresUser,
			Password: cfg.Storage.PostgresPassword,
			DBName:   cfg.Storage.PostgresDB,
			SSLMode:  cfg.Storage.PostgresSSLMode,
			MaxConns: cfg.Storage.PostgresMaxConns,
		}, log.Logger)
		if err != nil {
			return nil, err
		}
		store = pg
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.Initialize(initCtx); err != nil {
		return nil, err
	}
	if err := store.HealthCheck(initCtx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// klineChannels builds the stream subscription set, e.g. "btcusdt@kline_1m".
func klineChannels(symbols []string, interval string) []string {
	channels := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		channels = append(channels, fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval))
	}
	return channels
}

func splitSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
