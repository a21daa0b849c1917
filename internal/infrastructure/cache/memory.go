package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
)

// memoryEntry is one stored result plus the metadata the eviction policy
// and the stats endpoint read.
type memoryEntry struct {
	payload     []byte
	created     time.Time
	lastAccess  time.Time
	accessCount int64
}

// MemoryResultCache is the default result-cache backend: content-keyed
// entries under a TTL and a total byte budget. When a write would push the
// cache over budget, the oldest fifth of entries (by creation time) is
// evicted first. Entries that fail to decode are evicted on read.
type MemoryResultCache struct {
	maxBytes int64
	ttl      time.Duration
	clock    invoice.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	entries   map[string]*memoryEntry
	bytes     int64
	hits      int64
	misses    int64
	evictions int64
}

// NewMemoryResultCache builds the in-memory backend. MaxBytes 0 disables
// the byte budget, TTL 0 disables expiry; the clock is injectable for
// tests.
func NewMemoryResultCache(cfg config.CacheConfig, clock invoice.Clock, logger *zap.Logger) (*MemoryResultCache, error) {
	if cfg.MaxBytes < 0 {
		return nil, errors.NewValidationError("INVALID_CACHE_BUDGET", "max bytes cannot be negative")
	}
	if cfg.TTL < 0 {
		return nil, errors.NewValidationError("INVALID_CACHE_TTL", "ttl cannot be negative")
	}
	if logger == nil {
		return nil, errors.NewValidationError("NIL_LOGGER", "logger is required")
	}
	if clock == nil {
		clock = invoice.RealClock{}
	}

	return &MemoryResultCache{
		maxBytes: cfg.MaxBytes,
		ttl:      cfg.TTL,
		clock:    clock,
		logger:   logger,
		entries:  make(map[string]*memoryEntry),
	}, nil
}

// Get returns the cached result for key. It misses on absence, expiry and
// undecodable payloads; the latter two remove the entry.
func (c *MemoryResultCache) Get(_ context.Context, key string) (*fraud.AnalysisResult, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.ttl > 0 && now.Sub(e.created) > c.ttl {
		c.removeLocked(key, e)
		c.evictions++
		c.misses++
		return nil, false
	}

	var result fraud.AnalysisResult
	if err := json.Unmarshal(e.payload, &result); err != nil {
		c.removeLocked(key, e)
		c.evictions++
		c.misses++
		c.logger.Warn("evicted undecodable cache entry",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}

	e.accessCount++
	e.lastAccess = now
	c.hits++
	return &result, true
}

// Set stores the result under key, evicting the oldest entries first when
// the write would exceed the byte budget. Results larger than the whole
// budget are rejected.
func (c *MemoryResultCache) Set(_ context.Context, key string, result *fraud.AnalysisResult) error {
	if result == nil {
		return errors.NewValidationError("NIL_RESULT", "result cannot be nil")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.NewInternalError("failed to encode analysis result").WithCause(err)
	}
	size := int64(len(payload))
	if c.maxBytes > 0 && size > c.maxBytes {
		return errors.Wrap(errors.ErrCacheEntryTooLarge,
			fmt.Sprintf("%d byte entry against a %d byte budget", size, c.maxBytes))
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	for c.maxBytes > 0 && c.bytes+size > c.maxBytes && len(c.entries) > 0 {
		c.evictOldestLocked()
	}

	c.entries[key] = &memoryEntry{payload: payload, created: now, lastAccess: now}
	c.bytes += size
	return nil
}

// Stats snapshots the cache counters. The context and error exist only to
// satisfy StatsProvider; the memory backend cannot fail.
func (c *MemoryResultCache) Stats(context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:   len(c.entries),
		Bytes:     c.bytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if c.maxBytes > 0 {
		s.UsagePercent = float64(c.bytes) / float64(c.maxBytes) * 100
	}
	if len(c.entries) > 0 {
		var accesses int64
		for _, e := range c.entries {
			accesses += e.accessCount
		}
		s.AvgAccessCount = float64(accesses) / float64(len(c.entries))
	}
	return s, nil
}

// removeLocked drops one entry; callers decide whether it counts as an
// eviction (a Set replacing its own key does not).
func (c *MemoryResultCache) removeLocked(key string, e *memoryEntry) {
	c.bytes -= int64(len(e.payload))
	delete(c.entries, key)
}

// evictOldestLocked drops the oldest fifth of entries by creation time,
// at least one.
func (c *MemoryResultCache) evictOldestLocked() {
	type aged struct {
		key     string
		created time.Time
	}
	ordered := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		ordered = append(ordered, aged{key: key, created: e.created})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].created.Before(ordered[j].created)
	})

	drop := len(ordered) / 5
	if drop < 1 {
		drop = 1
	}
	var freed int64
	for _, a := range ordered[:drop] {
		freed += int64(len(c.entries[a.key].payload))
		delete(c.entries, a.key)
	}
	c.bytes -= freed
	c.evictions += int64(drop)

	c.logger.Info("evicted oldest cache entries",
		zap.Int("entries", drop), zap.Int64("freed_bytes", freed))
}
