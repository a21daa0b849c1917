// Package database owns the PostgreSQL connection pool: pgx pool
// configuration, periodic health checks and the transaction helper the
// repositories build on.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
)

// Pool wraps a pgx pool with engine defaults and a background health
// check. One pool serves the whole process.
type Pool struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPool connects to cfg.URL and verifies the connection. The returned
// pool pings itself every 30 seconds and logs failures; callers decide
// what an unhealthy database means for them.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	applyPoolConfig(pc, cfg)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Pool{
		pool:   pool,
		logger: logger,
		stop:   make(chan struct{}),
	}
	go p.healthLoop()

	logger.Info("database pool initialized",
		zap.Int32("max_conns", pc.MaxConns),
		zap.Int32("min_conns", pc.MinConns))
	return p, nil
}

func applyPoolConfig(pc *pgxpool.Config, cfg *config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MinIdleConns > 0 {
		pc.MinConns = int32(cfg.MinIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 10 * time.Minute
	pc.HealthCheckPeriod = time.Minute

	pc.ConnConfig.ConnectTimeout = 5 * time.Second
	pc.ConnConfig.RuntimeParams = map[string]string{
		"application_name":                    "nfe_fraud_engine",
		"timezone":                            "UTC",
		"lock_timeout":                        "10s",
		"statement_timeout":                   "30s",
		"idle_in_transaction_session_timeout": "60s",
	}
}

// Pgx exposes the underlying pool to the repositories.
func (p *Pool) Pgx() *pgxpool.Pool {
	return p.pool
}

// HealthCheck pings the database; the readiness endpoint calls this.
func (p *Pool) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Stat snapshots pool counters for the metrics poller.
func (p *Pool) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Transaction runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (p *Pool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, fn)
}

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.pool.Ping(ctx); err != nil {
				p.logger.Error("database health check failed", zap.Error(err))
			}
			cancel()
		case <-p.stop:
			return
		}
	}
}

// Close stops the health loop and releases every connection.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.pool.Close()
	p.logger.Info("database pool closed")
}
