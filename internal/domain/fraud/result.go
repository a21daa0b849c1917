package fraud

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// AnalysisResult is the consolidated verdict for one invoice: every
// detection the run produced, the blended score, the tier it lands in and
// the actions that tier calls for. The struct is the cache payload and the
// API body, so its JSON must round-trip losslessly.
type AnalysisResult struct {
	ID             uuid.UUID        `json:"id"`
	AccessKey      values.AccessKey `json:"access_key"`
	InvoiceNumber  string           `json:"invoice_number"`
	Issuer         values.CNPJ      `json:"issuer"`
	RiskScore      float64          `json:"risk_score"`
	RiskLevel      RiskLevel        `json:"risk_level"`
	Detections     []Detection      `json:"detections"`
	SuspectItems   []int            `json:"suspect_items,omitempty"`
	Actions        []string         `json:"actions"`
	AnalyzedAt     time.Time        `json:"analyzed_at"`
	ProcessingTime time.Duration    `json:"processing_time"`
}

// HasDetections reports whether anything fired
func (r *AnalysisResult) HasDetections() bool {
	return len(r.Detections) > 0
}

// DetectionsOfKind filters the findings for one scheme
func (r *AnalysisResult) DetectionsOfKind(kind FraudKind) []Detection {
	var out []Detection
	for _, d := range r.Detections {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// DistinctKinds counts how many different schemes fired
func (r *AnalysisResult) DistinctKinds() int {
	kinds := make(map[FraudKind]bool, len(r.Detections))
	for _, d := range r.Detections {
		kinds[d.Kind] = true
	}
	return len(kinds)
}

// SuspectItemNumbers collects the sorted distinct item ordinals the
// detections reference.
func SuspectItemNumbers(detections []Detection) []int {
	seen := make(map[int]bool)
	for _, d := range detections {
		if d.ItemNumber != nil {
			seen[*d.ItemNumber] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}

	items := make([]int, 0, len(seen))
	for n := range seen {
		items = append(items, n)
	}
	sort.Ints(items)
	return items
}
