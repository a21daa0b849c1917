// The api command runs the fraud engine behind its HTTP surface: it
// wires the Postgres reference repositories, the result cache, the
// detector registry and the REST server, and serves until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/api/rest"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/detectors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/cache"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/database"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/repository"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/telemetry"
)

const serviceName = "nfe-fraud-api"

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	zlog, err := newZapLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("building infrastructure logger: %w", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx := context.Background()

	provider, err := telemetry.Initialize(ctx, &telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	pool, err := database.NewPool(ctx, &cfg.Database, zlog)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	references := repository.NewReferenceRepository(pool.Pgx(), zlog)
	transactions := repository.NewTransactionRepository(pool.Pgx(), zlog)
	analyses := repository.NewAnalysisRepository(pool.Pgx(), zlog)

	resultCache, stats, redisClient, err := buildCache(cfg, zlog)
	if err != nil {
		return fmt.Errorf("building result cache: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	engine, err := buildEngine(cfg, references, transactions, analyses, resultCache, logger)
	if err != nil {
		return fmt.Errorf("building detection engine: %w", err)
	}

	health := rest.NewHealthService(logger)
	health.RegisterCheck("database", pool.HealthCheck)
	if redisClient != nil {
		health.RegisterCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	var limiter cache.RateLimiter
	if redisClient != nil {
		limiter = cache.NewRedisRateLimiter(redisClient, zlog)
	}

	server, err := rest.NewServer(cfg, rest.Dependencies{
		Analyzer:     engine,
		Analyses:     analyses,
		Transactions: transactions,
		CacheStats:   stats,
		Health:       health,
		RateLimiter:  limiter,
		Instrument:   instrumentHTTP,
		Metrics:      metricsHandler(),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("building http server: %w", err)
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go pollStats(pollCtx, 15*time.Second, stats, pool)

	logger.Info("starting fraud engine api",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
		"cache_backend", cfg.Cache.Backend,
	)
	return server.Start(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path, false)
	}
	return config.Load()
}

func newZapLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// buildCache selects the result-cache backend. The redis client is
// returned so the caller can share it with the rate limiter and the
// health check; it is nil for the memory backend.
func buildCache(cfg *config.Config, zlog *zap.Logger) (detection.ResultCache, cache.StatsProvider, *redis.Client, error) {
	switch cfg.Cache.Backend {
	case "redis":
		client, err := cache.NewRedisClient(&cfg.Redis, zlog)
		if err != nil {
			return nil, nil, nil, err
		}
		rc, err := cache.NewRedisResultCache(client, zlog, cfg.Cache.TTL)
		if err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		return rc, rc, client, nil
	default:
		mc, err := cache.NewMemoryResultCache(cfg.Cache, invoice.RealClock{}, zlog)
		if err != nil {
			return nil, nil, nil, err
		}
		return mc, mc, nil, nil
	}
}

// buildEngine assembles the registry in orchestration order (document
// detectors first, then the per-item ones) and wires the refinement pass
// behind it.
func buildEngine(
	cfg *config.Config,
	references *repository.ReferenceRepository,
	transactions *repository.TransactionRepository,
	analyses *repository.AnalysisRepository,
	resultCache detection.ResultCache,
	logger *slog.Logger,
) (*detection.Service, error) {
	dc := cfg.Detection

	collusion, err := detectors.NewCollusion(dc.Collusion, transactions, references)
	if err != nil {
		return nil, err
	}
	splitting, err := detectors.NewSplitting(dc.Splitting)
	if err != nil {
		return nil, err
	}
	counterparty, err := detectors.NewCounterparty(dc.Counterparty)
	if err != nil {
		return nil, err
	}
	temporal, err := detectors.NewTemporal(dc.Temporal)
	if err != nil {
		return nil, err
	}
	consistency, err := detectors.NewValueConsistency(dc.ValueConsistency)
	if err != nil {
		return nil, err
	}
	underpricing, err := detectors.NewUnderpricing(dc.Underpricing, references, transactions, analyses)
	if err != nil {
		return nil, err
	}
	classification, err := detectors.NewClassification(dc.Classification, references, references, nil)
	if err != nil {
		return nil, err
	}

	registry := detection.NewRegistry()
	for _, d := range []detection.Detector{
		collusion, splitting, counterparty, temporal, consistency,
		underpricing, classification,
	} {
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}

	refiner, err := detectors.NewPatternRefiner(dc.Refinement, transactions)
	if err != nil {
		return nil, err
	}

	return detection.NewService(dc.Service, registry, refiner, resultCache, transactions, invoice.RealClock{}, logger)
}
