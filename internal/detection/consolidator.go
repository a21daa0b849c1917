package detection

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
)

// Bonus multipliers applied on top of the confidence-weighted mean.
// Multiple findings reinforce each other, distinct schemes more so; the
// running score is capped at 100 after each bonus.
const (
	countBonusTwo     = 1.1
	countBonusThree   = 1.2
	countBonusFourUp  = 1.3
	diversityBonus    = 1.15
	diversityMinKinds = 3
)

// ConsolidatedScore blends all findings of one analysis into the overall
// 0-100 risk score: Σ(score·confidence)/Σ(confidence), then the count and
// diversity bonuses in that order, rounded to two decimals. No findings,
// or findings that all carry zero confidence, score 0.
func ConsolidatedScore(detections []fraud.Detection) float64 {
	if len(detections) == 0 {
		return 0
	}

	var weighted, weight float64
	for _, d := range detections {
		weighted += d.Score * d.Confidence
		weight += d.Confidence
	}
	if weight == 0 {
		return 0
	}
	score := weighted / weight

	switch {
	case len(detections) >= 4:
		score = math.Min(score*countBonusFourUp, 100)
	case len(detections) == 3:
		score = math.Min(score*countBonusThree, 100)
	case len(detections) == 2:
		score = math.Min(score*countBonusTwo, 100)
	}

	kinds := make(map[fraud.FraudKind]bool, len(detections))
	for _, d := range detections {
		kinds[d.Kind] = true
	}
	if len(kinds) >= diversityMinKinds {
		score = math.Min(score*diversityBonus, 100)
	}

	return math.Round(score*100) / 100
}

// Consolidate assembles the final verdict for one invoice: overall score,
// tier, suspect items and the recommended actions the tier and the fired
// schemes call for. The detections keep the order they were produced in.
func Consolidate(inv *invoice.Invoice, detections []fraud.Detection, analyzedAt time.Time, elapsed time.Duration) *fraud.AnalysisResult {
	score := ConsolidatedScore(detections)
	level := fraud.RiskLevelForScore(score)

	return &fraud.AnalysisResult{
		ID:             uuid.New(),
		AccessKey:      inv.AccessKey,
		InvoiceNumber:  inv.Number,
		Issuer:         inv.Issuer,
		RiskScore:      score,
		RiskLevel:      level,
		Detections:     detections,
		SuspectItems:   fraud.SuspectItemNumbers(detections),
		Actions:        fraud.RecommendedActions(level, detections, inv.TotalAmount.ToFloat64()),
		AnalyzedAt:     analyzedAt,
		ProcessingTime: elapsed,
	}
}
