// Package cache provides the result-cache backends behind
// detection.ResultCache — an in-memory store with a byte budget and a
// Redis adapter — plus the Redis sliding-window rate limiter the API
// layer uses.
package cache

import "context"

// Key prefixes keep engine keys separable in a shared Redis.
const (
	AnalysisPrefix  = "nfe:analysis:"
	RateLimitPrefix = "nfe:ratelimit:"
)

// Stats is a point-in-time snapshot of result-cache behavior. Fields a
// backend cannot observe stay zero.
type Stats struct {
	Entries        int     `json:"entries"`
	Bytes          int64   `json:"bytes"`
	MaxBytes       int64   `json:"max_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Evictions      int64   `json:"evictions"`
	AvgAccessCount float64 `json:"avg_access_count"`
}

// StatsProvider is implemented by both backends; the stats endpoint and
// the metrics poller read through it.
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
}
