package detection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
	"github.com/stretchr/testify/require"
)

// scriptedDetector is a document-level stub that records every scope it
// sees and replies with whatever the detect func says.
type scriptedDetector struct {
	name   string
	detect func(detection.Scope) ([]fraud.Detection, error)
	delay  time.Duration

	mu     sync.Mutex
	scopes []detection.Scope
}

func (d *scriptedDetector) Name() string { return d.name }

func (d *scriptedDetector) Method() fraud.DetectionMethod { return fraud.MethodRule }

func (d *scriptedDetector) Detect(_ context.Context, scope detection.Scope) ([]fraud.Detection, error) {
	d.mu.Lock()
	d.scopes = append(d.scopes, scope)
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.detect == nil {
		return nil, nil
	}
	return d.detect(scope)
}

func (d *scriptedDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.scopes)
}

func (d *scriptedDetector) seenScopes() []detection.Scope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]detection.Scope, len(d.scopes))
	copy(out, d.scopes)
	return out
}

// scriptedItemDetector marks the stub as per-item.
type scriptedItemDetector struct {
	scriptedDetector
}

func (d *scriptedItemDetector) ItemLevel() bool { return true }

// panickingDetector blows up on every call.
type panickingDetector struct{ name string }

func (d panickingDetector) Name() string { return d.name }

func (d panickingDetector) Method() fraud.DetectionMethod { return fraud.MethodRule }

func (d panickingDetector) Detect(context.Context, detection.Scope) ([]fraud.Detection, error) {
	panic("scripted panic")
}

func testDetection(t *testing.T, kind fraud.FraudKind, score, confidence float64) fraud.Detection {
	t.Helper()
	det, err := fraud.NewDetection(kind, score, confidence,
		"scripted finding", []string{"scripted evidence"}, fraud.MethodRule)
	require.NoError(t, err)
	return det
}

// stubCache is an in-memory ResultCache recording traffic.
type stubCache struct {
	mu      sync.Mutex
	entries map[string]*fraud.AnalysisResult
	hits    int
	sets    int
}

func newStubCache() *stubCache {
	return &stubCache{entries: make(map[string]*fraud.AnalysisResult)}
}

func (c *stubCache) Get(_ context.Context, key string) (*fraud.AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return result, ok
}

func (c *stubCache) Set(_ context.Context, key string, result *fraud.AnalysisResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = result
	c.sets++
	return nil
}

func (c *stubCache) hitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func (c *stubCache) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

// stubRefiner replays a fixed secondary pass.
type stubRefiner struct {
	detections []fraud.Detection
	err        error

	mu    sync.Mutex
	calls int
}

func (r *stubRefiner) Refine(context.Context, *invoice.Invoice, invoice.ClassificationSet, []fraud.TransactionRecord) ([]fraud.Detection, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.detections, r.err
}

// stubFeed serves a fixed historical record list.
type stubFeed struct {
	records []fraud.TransactionRecord
	err     error
}

func (s stubFeed) IssuerTransactions(_ context.Context, issuer values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []fraud.TransactionRecord
	for _, r := range s.records {
		if r.Issuer.Equal(issuer) && !r.IssuedAt.Before(since) && r.IssuedAt.Before(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s stubFeed) PartyTransactions(_ context.Context, party values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []fraud.TransactionRecord
	for _, r := range s.records {
		if (r.Issuer.Equal(party) || r.Recipient.Equal(party)) && !r.IssuedAt.Before(since) && r.IssuedAt.Before(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s stubFeed) PriceHistory(context.Context, values.NCM) (fraud.PriceStats, bool, error) {
	return fraud.PriceStats{}, false, s.err
}

// newTestService wires a service with sane test defaults and no tracing
// backend (otel no-ops without a configured provider).
func newTestService(t *testing.T, registry *detection.Registry, refiner detection.Refiner, cache detection.ResultCache, history detection.TransactionHistory) *detection.Service {
	t.Helper()
	svc, err := detection.NewService(detection.DefaultServiceConfig(), registry, refiner, cache, history,
		&invoice.MockClock{CurrentTime: time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)}, nil)
	require.NoError(t, err)
	return svc
}

func registryOf(t *testing.T, detectors ...detection.Detector) *detection.Registry {
	t.Helper()
	registry := detection.NewRegistry()
	for _, d := range detectors {
		require.NoError(t, registry.Register(d))
	}
	return registry
}
