package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/graph"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// MemoryReferenceData is the in-memory counterpart of ReferenceRepository,
// used by the CLI and anywhere an engine must run without PostgreSQL. All
// lookups follow the same ok=false-on-absent contract.
type MemoryReferenceData struct {
	mu            sync.RWMutex
	marketStats   map[string]fraud.PriceStats
	taxRates      map[string]float64
	descriptions  map[string]string
	relationships map[string]bool
}

// NewMemoryReferenceData creates an empty reference set.
func NewMemoryReferenceData() *MemoryReferenceData {
	return &MemoryReferenceData{
		marketStats:   make(map[string]fraud.PriceStats),
		taxRates:      make(map[string]float64),
		descriptions:  make(map[string]string),
		relationships: make(map[string]bool),
	}
}

// SetMarketStats registers the market distribution for the code.
func (m *MemoryReferenceData) SetMarketStats(stats fraud.PriceStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketStats[stats.NCM.String()] = stats
}

// SetTaxRate registers the combined tax rate for the code.
func (m *MemoryReferenceData) SetTaxRate(code values.NCM, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taxRates[code.String()] = rate
}

// SetDescription registers the catalog description for the code.
func (m *MemoryReferenceData) SetDescription(code values.NCM, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptions[code.String()] = description
}

// AddRelationship registers a known relationship between two companies.
// Lookups are symmetric regardless of argument order.
func (m *MemoryReferenceData) AddRelationship(a, b values.CNPJ) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relationships[relationshipKey(a, b)] = true
}

// MarketStats implements detection.MarketPriceProvider.
func (m *MemoryReferenceData) MarketStats(_ context.Context, code values.NCM) (fraud.PriceStats, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.marketStats[code.String()]
	return stats, ok, nil
}

// CombinedTaxRate implements detection.TaxRateProvider.
func (m *MemoryReferenceData) CombinedTaxRate(_ context.Context, code values.NCM) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rate, ok := m.taxRates[code.String()]
	return rate, ok, nil
}

// OfficialDescription implements detection.NCMCatalog.
func (m *MemoryReferenceData) OfficialDescription(_ context.Context, code values.NCM) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	description, ok := m.descriptions[code.String()]
	return description, ok, nil
}

// KnownRelationship implements detection.RelationshipProvider.
func (m *MemoryReferenceData) KnownRelationship(_ context.Context, a, b values.CNPJ) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relationships[relationshipKey(a, b)], nil
}

func relationshipKey(a, b values.CNPJ) string {
	first, second := a.String(), b.String()
	if second < first {
		first, second = second, first
	}
	return first + "|" + second
}

// MemoryTransactionHistory is the in-memory counterpart of
// TransactionRepository. Records are kept sorted by issue time so window
// queries return them oldest first, matching the SQL ORDER BY.
type MemoryTransactionHistory struct {
	mu      sync.RWMutex
	records []fraud.TransactionRecord
}

// NewMemoryTransactionHistory creates a history preloaded with records.
func NewMemoryTransactionHistory(records ...fraud.TransactionRecord) *MemoryTransactionHistory {
	h := &MemoryTransactionHistory{}
	h.Add(records...)
	return h
}

// Add appends records to the feed.
func (h *MemoryTransactionHistory) Add(records ...fraud.TransactionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, records...)
	sort.SliceStable(h.records, func(i, j int) bool {
		return h.records[i].IssuedAt.Before(h.records[j].IssuedAt)
	})
}

// IssuerTransactions implements detection.TransactionHistory.
func (h *MemoryTransactionHistory) IssuerTransactions(_ context.Context, issuer values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []fraud.TransactionRecord
	for _, record := range h.records {
		if record.Issuer.Equal(issuer) && inWindow(record.IssuedAt, since, until) {
			out = append(out, record)
		}
	}
	return out, nil
}

// PartyTransactions implements detection.TransactionHistory.
func (h *MemoryTransactionHistory) PartyTransactions(_ context.Context, party values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []fraud.TransactionRecord
	for _, record := range h.records {
		if (record.Issuer.Equal(party) || record.Recipient.Equal(party)) && inWindow(record.IssuedAt, since, until) {
			out = append(out, record)
		}
	}
	return out, nil
}

// PriceHistory implements detection.TransactionHistory.
func (h *MemoryTransactionHistory) PriceHistory(_ context.Context, code values.NCM) (fraud.PriceStats, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var prices []float64
	for _, record := range h.records {
		for _, item := range record.Items {
			if item.NCM.Equal(code) && item.Value > 0 {
				prices = append(prices, item.Value)
			}
		}
	}
	if len(prices) < priceHistoryMinSamples {
		return fraud.PriceStats{}, false, nil
	}
	return fraud.StatsFromPrices(code, prices, fraud.PriceSourceHistory), true, nil
}

// TransactionGraph implements detection.GraphProvider. The graph is built
// per call; in-memory feeds are small enough that caching is not worth the
// invalidation bookkeeping.
func (h *MemoryTransactionHistory) TransactionGraph(_ context.Context) (*graph.TransactionGraph, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return graph.NewTransactionGraph(h.records), nil
}

func inWindow(t, since, until time.Time) bool {
	return !t.Before(since) && t.Before(until)
}

// MemoryDetectionHistory is the in-memory counterpart of the analysis
// store's prior-detection feedback.
type MemoryDetectionHistory struct {
	mu     sync.RWMutex
	counts map[string]int
}

// NewMemoryDetectionHistory creates an empty detection history.
func NewMemoryDetectionHistory() *MemoryDetectionHistory {
	return &MemoryDetectionHistory{counts: make(map[string]int)}
}

// Record registers one confirmed finding against the issuer.
func (h *MemoryDetectionHistory) Record(issuer values.CNPJ, kind fraud.FraudKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[issuer.String()+"|"+string(kind)]++
}

// PriorDetectionCount implements detection.DetectionHistory.
func (h *MemoryDetectionHistory) PriorDetectionCount(_ context.Context, issuer values.CNPJ, kind fraud.FraudKind) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts[issuer.String()+"|"+string(kind)], nil
}
