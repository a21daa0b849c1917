package fraud

import (
	"math"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// TransactionRecord is one row of the historical feed: a past invoice
// reduced to the fields the document-level detectors and the counterparty
// graph consume. Values are plain float64 because the feed is analytical
// input, not money that moves.
type TransactionRecord struct {
	Issuer     values.CNPJ       `json:"issuer"`
	Recipient  values.CNPJ       `json:"recipient"`
	AccessKey  values.AccessKey  `json:"access_key"`
	TotalValue float64           `json:"total_value"`
	IssuedAt   time.Time         `json:"issued_at"`
	NCMCodes   []values.NCM      `json:"ncm_codes,omitempty"`
	CFOPs      []values.CFOP     `json:"cfops,omitempty"`
	Items      []TransactionItem `json:"items,omitempty"`
}

// TransactionItem carries the per-item detail some detectors need from
// history (description token matching, per-code value tracking).
type TransactionItem struct {
	Description string     `json:"description"`
	Value       float64    `json:"value"`
	NCM         values.NCM `json:"ncm,omitempty"`
}

// HasNCM reports whether any item on the record carries the code
func (t *TransactionRecord) HasNCM(code values.NCM) bool {
	if code.IsEmpty() {
		return false
	}
	for _, n := range t.NCMCodes {
		if n.Equal(code) {
			return true
		}
	}
	for _, item := range t.Items {
		if item.NCM.Equal(code) {
			return true
		}
	}
	return false
}

// Price source labels for PriceStats
const (
	PriceSourceMarket  = "market"
	PriceSourceHistory = "history"
)

// PriceStats is the reference distribution for one classification code,
// from the market table or reconstructed from own history.
type PriceStats struct {
	NCM         values.NCM `json:"ncm"`
	Mean        float64    `json:"mean"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`
	Std         float64    `json:"std"`
	SampleCount int        `json:"sample_count"`
	Source      string     `json:"source"`
}

// StatsFromPrices builds a PriceStats from raw observed prices. Std is the
// population standard deviation, matching how the market reference tables
// are produced.
func StatsFromPrices(code values.NCM, prices []float64, source string) PriceStats {
	stats := PriceStats{
		NCM:         code,
		SampleCount: len(prices),
		Source:      source,
	}
	if len(prices) == 0 {
		return stats
	}

	sum := 0.0
	stats.Min = prices[0]
	stats.Max = prices[0]
	for _, p := range prices {
		sum += p
		if p < stats.Min {
			stats.Min = p
		}
		if p > stats.Max {
			stats.Max = p
		}
	}
	stats.Mean = sum / float64(len(prices))

	if len(prices) >= 2 {
		sumSq := 0.0
		for _, p := range prices {
			d := p - stats.Mean
			sumSq += d * d
		}
		stats.Std = math.Sqrt(sumSq / float64(len(prices)))
	}
	return stats
}

// CoefficientOfVariation returns std/mean, 0 when the mean is 0.
// High CV means the reference distribution is too noisy to trust much.
func (p PriceStats) CoefficientOfVariation() float64 {
	if p.Mean == 0 {
		return 0
	}
	cv := p.Std / p.Mean
	if cv < 0 {
		return -cv
	}
	return cv
}

// ZScore positions a price within the distribution, 0 when std is 0.
func (p PriceStats) ZScore(price float64) float64 {
	if p.Std == 0 {
		return 0
	}
	return (price - p.Mean) / p.Std
}

// DeviationPercent returns (price-mean)/mean*100, 0 when the mean is 0.
func (p PriceStats) DeviationPercent(price float64) float64 {
	if p.Mean == 0 {
		return 0
	}
	return (price - p.Mean) / p.Mean * 100
}
