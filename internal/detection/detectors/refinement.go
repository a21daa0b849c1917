package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
)

// Feature weights of the refinement pass. They sum to 1; the weighted
// score is compared against MinFeatureScore.
const (
	weightPriceDeviation     = 0.25
	weightTaxDeviation       = 0.20
	weightDescriptionQuality = 0.15
	weightClassificationConf = 0.20
	weightValuePattern       = 0.10
	weightTemporal           = 0.10
)

// RefinementConfig tunes the secondary pattern pass.
type RefinementConfig struct {
	MinFeatureScore      float64 `koanf:"min_feature_score" validate:"gt=0,lte=1"`
	ZThreshold           float64 `koanf:"z_threshold" validate:"lt=0"`
	LowConfidenceFloor   float64 `koanf:"low_confidence_floor" validate:"gt=0,lte=1"`
	HighConfidenceBar    float64 `koanf:"high_confidence_bar" validate:"gt=0,lte=1"`
	CalibrationHighTotal float64 `koanf:"calibration_high_total" validate:"gt=0"`
	CalibrationLowTotal  float64 `koanf:"calibration_low_total" validate:"gt=0"`
}

// DefaultRefinementConfig returns the production thresholds
func DefaultRefinementConfig() RefinementConfig {
	return RefinementConfig{
		MinFeatureScore:      0.7,
		ZThreshold:           -2.5,
		LowConfidenceFloor:   0.7,
		HighConfidenceBar:    0.8,
		CalibrationHighTotal: 10_000,
		CalibrationLowTotal:  100,
	}
}

// PatternRefiner is the secondary pass that runs after the registry,
// cross-checking every item against degenerate-price patterns, the
// all-history price distribution and a weighted multi-feature score.
// Everything it emits carries the pattern method tag.
type PatternRefiner struct {
	cfg     RefinementConfig
	history detection.TransactionHistory
}

// NewPatternRefiner builds the pass. The history provider may be nil; the
// statistical check and the price-deviation feature then contribute zero.
func NewPatternRefiner(cfg RefinementConfig, history detection.TransactionHistory) (*PatternRefiner, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &PatternRefiner{cfg: cfg, history: history}, nil
}

func (p *PatternRefiner) Refine(ctx context.Context, inv *invoice.Invoice, classifications invoice.ClassificationSet, history []fraud.TransactionRecord) ([]fraud.Detection, error) {
	total := inv.TotalAmount.ToFloat64()
	factor := 1.0
	switch {
	case total > p.cfg.CalibrationHighTotal:
		factor = 1.1
	case total < p.cfg.CalibrationLowTotal:
		factor = 0.9
	}

	var all []fraud.Detection
	for i := range inv.Items {
		item := &inv.Items[i]
		var cls *invoice.Classification
		if c, ok := classifications.ForItem(item.Number); ok {
			cls = &c
		}

		var raw []fraud.Detection
		patterns, err := p.patternChecks(item, cls)
		if err != nil {
			return nil, err
		}
		raw = append(raw, patterns...)

		if det, ok, err := p.statisticalCheck(ctx, item); err != nil {
			return nil, err
		} else if ok {
			raw = append(raw, det)
		}

		if det, ok, err := p.featureScore(ctx, inv, item, cls); err != nil {
			return nil, err
		} else if ok {
			raw = append(raw, det)
		}

		all = append(all, mergePerKind(calibrate(raw, factor))...)
	}
	return all, nil
}

// patternChecks applies the fixed degenerate-value rules.
func (p *PatternRefiner) patternChecks(item *invoice.LineItem, cls *invoice.Classification) ([]fraud.Detection, error) {
	var detections []fraud.Detection
	unit := item.UnitPriceFloat()
	lineTotal := item.TotalPriceFloat()

	if unit <= 0 {
		det, err := fraud.NewDetection(fraud.KindUnderpricing, 90, 0.75,
			fmt.Sprintf("Item %d has a non-positive unit price", item.Number),
			[]string{fmt.Sprintf("unit price R$%.2f", unit)},
			fraud.MethodPattern)
		if err != nil {
			return nil, err
		}
		detections = append(detections, det.ForItem(item.Number))
	} else if unit < 1 && lineTotal > 100 {
		det, err := fraud.NewDetection(fraud.KindUnderpricing, 70, 0.75,
			fmt.Sprintf("Item %d sells below R$1.00 yet totals R$%.2f", item.Number, lineTotal),
			[]string{fmt.Sprintf("unit price R$%.2f with line total R$%.2f", unit, lineTotal)},
			fraud.MethodPattern)
		if err != nil {
			return nil, err
		}
		detections = append(detections, det.ForItem(item.Number))
	}

	if cls != nil {
		if cls.Confidence < p.cfg.LowConfidenceFloor {
			det, err := fraud.NewDetection(fraud.KindWrongClassification, 60, 0.75,
				fmt.Sprintf("Item %d classification is uncertain (confidence %.2f)",
					item.Number, cls.Confidence),
				[]string{fmt.Sprintf("classification confidence %.2f below %.2f",
					cls.Confidence, p.cfg.LowConfidenceFloor)},
				fraud.MethodPattern)
			if err != nil {
				return nil, err
			}
			detections = append(detections, det.ForItem(item.Number))
		}
		if cls.Diverges() && cls.Confidence > p.cfg.HighConfidenceBar {
			det, err := fraud.NewDetection(fraud.KindWrongClassification, 80, 0.75,
				fmt.Sprintf("Item %d confidently classified as %s, not the declared %s",
					item.Number, cls.PredictedNCM.String(), cls.DeclaredNCM.String()),
				[]string{fmt.Sprintf("divergence at confidence %.2f", cls.Confidence)},
				fraud.MethodPattern)
			if err != nil {
				return nil, err
			}
			detections = append(detections, det.ForItem(item.Number))
		}
	}

	return detections, nil
}

// statisticalCheck scores the unit price against the all-history
// distribution for the item's code.
func (p *PatternRefiner) statisticalCheck(ctx context.Context, item *invoice.LineItem) (fraud.Detection, bool, error) {
	if p.history == nil || item.DeclaredNCM.IsEmpty() {
		return fraud.Detection{}, false, nil
	}
	stats, ok, err := p.history.PriceHistory(ctx, item.DeclaredNCM)
	if err != nil || !ok || stats.SampleCount == 0 {
		return fraud.Detection{}, false, nil
	}

	z := stats.ZScore(item.UnitPriceFloat())
	if z >= p.cfg.ZThreshold {
		return fraud.Detection{}, false, nil
	}

	var score float64
	switch abs := math.Abs(z); {
	case abs > 3:
		score = 90
	case abs > 2:
		score = 70
	default:
		score = 50
	}

	det, err := fraud.NewDetection(fraud.KindUnderpricing, score, 0.7,
		fmt.Sprintf("Item %d unit price is a statistical outlier for code %s",
			item.Number, item.DeclaredNCM.String()),
		[]string{fmt.Sprintf("unit price R$%.2f sits %.1f standard deviations below the historical mean R$%.2f (%d samples)",
			item.UnitPriceFloat(), math.Abs(z), stats.Mean, stats.SampleCount)},
		fraud.MethodPattern)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det.ForItem(item.Number), true, nil
}

// featureScore computes the weighted multi-feature score and emits a
// detection under the kind that contributed most.
func (p *PatternRefiner) featureScore(ctx context.Context, inv *invoice.Invoice, item *invoice.LineItem, cls *invoice.Classification) (fraud.Detection, bool, error) {
	type feature struct {
		name   string
		kind   fraud.FraudKind
		weight float64
		value  float64
	}

	features := []feature{
		{"price deviation", fraud.KindUnderpricing, weightPriceDeviation, p.priceDeviationFeature(ctx, item)},
		{"tax deviation", fraud.KindValueInconsistency, weightTaxDeviation, taxDeviationFeature(item)},
		{"description quality", fraud.KindWrongClassification, weightDescriptionQuality, descriptionQualityFeature(item.Description)},
		{"classification confidence", fraud.KindWrongClassification, weightClassificationConf, classificationConfidenceFeature(cls)},
		{"value pattern", fraud.KindValueInconsistency, weightValuePattern, valuePatternFeature(item.TotalPriceFloat())},
		{"temporal", fraud.KindTemporalAnomaly, weightTemporal, temporalFeature(inv)},
	}

	var weighted float64
	top := features[0]
	var evidence []string
	for _, f := range features {
		contribution := f.weight * f.value
		weighted += contribution
		if contribution > top.weight*top.value {
			top = f
		}
		if f.value > 0 {
			evidence = append(evidence, fmt.Sprintf("%s signal at %.2f", f.name, f.value))
		}
	}
	if weighted < p.cfg.MinFeatureScore || len(evidence) == 0 {
		return fraud.Detection{}, false, nil
	}

	det, err := fraud.NewDetection(top.kind, weighted*100, fraud.ClampConfidence(weighted),
		fmt.Sprintf("Item %d combines multiple weak fraud signals (weighted score %.2f)",
			item.Number, weighted),
		evidence, fraud.MethodPattern)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det.ForItem(item.Number), true, nil
}

// priceDeviationFeature grades how far below the historical mean the unit
// price sits, as a fraction in [0,1].
func (p *PatternRefiner) priceDeviationFeature(ctx context.Context, item *invoice.LineItem) float64 {
	if p.history == nil || item.DeclaredNCM.IsEmpty() {
		return 0
	}
	stats, ok, err := p.history.PriceHistory(ctx, item.DeclaredNCM)
	if err != nil || !ok || stats.Mean <= 0 {
		return 0
	}
	deviation := (stats.Mean - item.UnitPriceFloat()) / stats.Mean
	return clamp01(deviation)
}

// taxDeviationFeature grades the gap between declared tax and the
// declared rate applied to the line total.
func taxDeviationFeature(item *invoice.LineItem) float64 {
	lineTotal := item.TotalPriceFloat()
	if item.TaxRate <= 0 || lineTotal <= 0 {
		return 0
	}
	expected := item.TaxRate * lineTotal
	if expected == 0 {
		return 0
	}
	return clamp01(math.Abs(item.TaxAmount.ToFloat64()-expected) / expected)
}

// descriptionQualityFeature grades how uninformative the item text is.
func descriptionQualityFeature(description string) float64 {
	switch {
	case isGenericDescription(description):
		return 1
	case len(description) < 10:
		return 0.7
	case len(tokenize(description)) < 2:
		return 0.5
	default:
		return 0
	}
}

func classificationConfidenceFeature(cls *invoice.Classification) float64 {
	if cls == nil {
		return 0
	}
	return clamp01(1 - cls.Confidence)
}

// valuePatternFeature grades conspicuously round line totals.
func valuePatternFeature(lineTotal float64) float64 {
	switch zeros := trailingZeroDigits(lineTotal); {
	case zeros >= 3:
		return 1
	case zeros == 2 && lineTotal >= 100:
		return 0.5
	default:
		return 0
	}
}

// temporalFeature grades the emission instant of the parent document.
func temporalFeature(inv *invoice.Invoice) float64 {
	hour := inv.IssuedAt.Hour()
	var v float64
	switch {
	case hour <= 4:
		v = 1
	case hour >= 22 || hour <= 6:
		v = 0.6
	}
	if isWeekend(inv.IssuedAt) && v < 0.4 {
		v = 0.4
	}
	return v
}

// calibrate scales pattern scores by the invoice-size factor.
func calibrate(detections []fraud.Detection, factor float64) []fraud.Detection {
	if factor == 1 {
		return detections
	}
	out := make([]fraud.Detection, len(detections))
	for i, det := range detections {
		det.Score = fraud.ClampScore(det.Score * factor)
		out[i] = det
	}
	return out
}

// mergePerKind keeps the strongest detection of each kind for one item
// and unions the evidence of the ones it absorbs.
func mergePerKind(detections []fraud.Detection) []fraud.Detection {
	if len(detections) <= 1 {
		return detections
	}

	best := make(map[fraud.FraudKind]int)
	var order []fraud.FraudKind
	for i, det := range detections {
		j, seen := best[det.Kind]
		if !seen {
			best[det.Kind] = i
			order = append(order, det.Kind)
			continue
		}
		if det.Score > detections[j].Score {
			best[det.Kind] = i
		}
	}

	merged := make([]fraud.Detection, 0, len(order))
	for _, kind := range order {
		winner := detections[best[kind]]
		seen := make(map[string]struct{}, len(winner.Evidence))
		evidence := make([]string, 0, len(winner.Evidence))
		for _, e := range winner.Evidence {
			seen[e] = struct{}{}
			evidence = append(evidence, e)
		}
		for i, det := range detections {
			if det.Kind != kind || i == best[kind] {
				continue
			}
			for _, e := range det.Evidence {
				if _, dup := seen[e]; !dup {
					seen[e] = struct{}{}
					evidence = append(evidence, e)
				}
			}
		}
		winner.Evidence = evidence
		merged = append(merged, winner)
	}
	return merged
}

func clamp01(v float64) float64 {
	return maxFloat(0, minFloat(1, v))
}
