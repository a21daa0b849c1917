package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
)

// UnderpricingConfig carries the thresholds of the underpricing detector.
type UnderpricingConfig struct {
	MinScore               float64 `koanf:"min_score" validate:"gte=0,lte=100"`
	DeviationThreshold     float64 `koanf:"deviation_threshold" validate:"lt=0"`
	LargeValueDeviation    float64 `koanf:"large_value_deviation" validate:"lt=0"`
	LargeValueThreshold    float64 `koanf:"large_value_threshold" validate:"gt=0"`
	ZScoreThreshold        float64 `koanf:"zscore_threshold" validate:"lt=0"`
	MinHistorySamples      int     `koanf:"min_history_samples" validate:"gte=1"`
	PriorFindingsThreshold int     `koanf:"prior_findings_threshold" validate:"gte=1"`
}

// DefaultUnderpricingConfig returns the production thresholds
func DefaultUnderpricingConfig() UnderpricingConfig {
	return UnderpricingConfig{
		MinScore:               30,
		DeviationThreshold:     -30,
		LargeValueDeviation:    -20,
		LargeValueThreshold:    10_000,
		ZScoreThreshold:        -3,
		MinHistorySamples:      5,
		PriorFindingsThreshold: 2,
	}
}

// Underpricing flags line items priced suspiciously below their reference
// distribution: the market table when it covers the code, the company's
// own history otherwise.
type Underpricing struct {
	cfg     UnderpricingConfig
	market  detection.MarketPriceProvider
	history detection.TransactionHistory
	priors  detection.DetectionHistory
}

// NewUnderpricing builds the detector; priors may be nil when no analysis
// store feeds back confirmed findings.
func NewUnderpricing(
	cfg UnderpricingConfig,
	market detection.MarketPriceProvider,
	history detection.TransactionHistory,
	priors detection.DetectionHistory,
) (*Underpricing, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Underpricing{cfg: cfg, market: market, history: history, priors: priors}, nil
}

func (d *Underpricing) Name() string { return "underpricing" }

func (d *Underpricing) Method() fraud.DetectionMethod { return fraud.MethodStatistical }

// ItemLevel marks the detector as per-item
func (d *Underpricing) ItemLevel() bool { return true }

func (d *Underpricing) Detect(ctx context.Context, scope detection.Scope) ([]fraud.Detection, error) {
	if !scope.ItemLevel() {
		return nil, nil
	}
	item := scope.Item

	unit := item.UnitPriceFloat()
	if unit <= 0 {
		// Non-positive prices belong to the pattern pass; a deviation
		// against them is meaningless.
		return nil, nil
	}
	if item.DeclaredNCM.IsEmpty() {
		return nil, nil
	}

	stats, ok, err := d.referenceStats(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	deviation := stats.DeviationPercent(unit)
	z := stats.ZScore(unit)
	lineTotal := item.TotalPriceFloat()

	score := 0.0
	var evidence []string

	if deviation < d.cfg.DeviationThreshold {
		score += minFloat(40, math.Abs(deviation)/2)
		evidence = append(evidence, fmt.Sprintf(
			"unit price R$%.2f deviates %.1f%% from the %s mean R$%.2f",
			unit, deviation, stats.Source, stats.Mean))
	}
	if stats.Min > 0 && unit < stats.Min {
		score += 30
		evidence = append(evidence, fmt.Sprintf(
			"unit price R$%.2f is below the observed minimum R$%.2f", unit, stats.Min))
	}
	if z < d.cfg.ZScoreThreshold {
		score += 30
		evidence = append(evidence, fmt.Sprintf(
			"z-score %.2f beyond the %.1f threshold", z, d.cfg.ZScoreThreshold))
	}
	if lineTotal > d.cfg.LargeValueThreshold && deviation < d.cfg.LargeValueDeviation {
		score += 20
		evidence = append(evidence, fmt.Sprintf(
			"high-value line R$%.2f with %.1f%% deviation", lineTotal, deviation))
	}
	if d.priors != nil {
		if n, err := d.priors.PriorDetectionCount(ctx, scope.Invoice.Issuer, fraud.KindUnderpricing); err == nil && n >= d.cfg.PriorFindingsThreshold {
			score += 15
			evidence = append(evidence, fmt.Sprintf(
				"issuer has %d prior underpricing findings", n))
		}
	}

	score = minFloat(score, 100)
	if score < d.cfg.MinScore || len(evidence) == 0 {
		return nil, nil
	}

	confidence := d.confidence(stats, len(evidence))
	justification := fmt.Sprintf(
		"Item %d is priced R$%.2f against a %s reference mean of R$%.2f (%.1f%% deviation)",
		item.Number, unit, stats.Source, stats.Mean, deviation)

	det, err := fraud.NewDetection(fraud.KindUnderpricing, score, confidence,
		justification, evidence, fraud.MethodStatistical)
	if err != nil {
		return nil, err
	}
	return []fraud.Detection{det.ForItem(item.Number)}, nil
}

// referenceStats prefers the market table, falling back to the code's own
// price history when the table has no row.
func (d *Underpricing) referenceStats(ctx context.Context, scope detection.Scope) (fraud.PriceStats, bool, error) {
	code := scope.Item.DeclaredNCM

	stats, ok, err := d.market.MarketStats(ctx, code)
	if err != nil {
		return fraud.PriceStats{}, false, err
	}
	if ok && stats.SampleCount > 0 {
		return stats, true, nil
	}

	stats, ok, err = d.history.PriceHistory(ctx, code)
	if err != nil {
		return fraud.PriceStats{}, false, err
	}
	if !ok || stats.SampleCount < d.cfg.MinHistorySamples {
		return fraud.PriceStats{}, false, nil
	}
	return stats, true, nil
}

// confidence grades how much to trust the reference distribution: source,
// sample size, dispersion, and how much independent evidence accumulated.
func (d *Underpricing) confidence(stats fraud.PriceStats, evidenceCount int) float64 {
	confidence := 0.7
	if stats.Source == fraud.PriceSourceMarket {
		confidence = 0.9
	}

	if stats.SampleCount < 10 {
		confidence *= 0.8
	}
	if stats.SampleCount > 100 {
		confidence *= 1.05
	}

	cv := stats.CoefficientOfVariation()
	if cv > 0.5 {
		confidence *= 0.8
	}
	if cv < 0.2 {
		confidence *= 1.1
	}

	confidence *= 1 + float64(evidenceCount-1)*0.05

	return fraud.ClampConfidence(confidence)
}
