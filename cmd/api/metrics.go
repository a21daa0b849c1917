package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/cache"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/database"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nfe",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nfe",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"method"},
	)

	// Result-cache gauges, refreshed by the stats poller.
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nfe",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of cached analysis results",
		},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nfe",
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Total size of cached analysis results in bytes",
		},
	)

	cacheLookups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nfe",
			Subsystem: "cache",
			Name:      "lookups",
			Help:      "Cumulative cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	cacheEvictions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nfe",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cumulative cache evictions",
		},
	)

	dbConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      "connections",
			Help:      "Current number of connections in the pool",
		},
		[]string{"state"},
	)

	dbConnectionPoolMax = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgxpool",
			Name:      "max_conns",
			Help:      "Maximum number of connections in the pool",
		},
	)
)

// metricsHandler serves the Prometheus scrape endpoint.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// instrumentHTTP wraps the composed server handler with request counting
// and latency observation. Status is recorded by class so cardinality
// stays flat.
func instrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, statusCodeClass(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// pollStats refreshes the cache and pool gauges until the context dies.
func pollStats(ctx context.Context, interval time.Duration, stats cache.StatsProvider, pool *database.Pool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if stats != nil {
			if s, err := stats.Stats(ctx); err == nil {
				cacheEntries.Set(float64(s.Entries))
				cacheBytes.Set(float64(s.Bytes))
				cacheLookups.WithLabelValues("hit").Set(float64(s.Hits))
				cacheLookups.WithLabelValues("miss").Set(float64(s.Misses))
				cacheEvictions.Set(float64(s.Evictions))
			}
		}
		if pool != nil {
			stat := pool.Stat()
			dbConnectionPoolSize.WithLabelValues("acquired").Set(float64(stat.AcquiredConns()))
			dbConnectionPoolSize.WithLabelValues("idle").Set(float64(stat.IdleConns()))
			dbConnectionPoolSize.WithLabelValues("total").Set(float64(stat.TotalConns()))
			dbConnectionPoolMax.Set(float64(stat.MaxConns()))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func statusCodeClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
