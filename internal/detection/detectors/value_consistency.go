package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
)

// ValueConsistencyConfig carries the arithmetic tolerances.
type ValueConsistencyConfig struct {
	Tolerance             float64 `koanf:"tolerance" validate:"gt=0"`
	RateTolerance         float64 `koanf:"rate_tolerance" validate:"gt=0"`
	TrailingZeroThreshold int     `koanf:"trailing_zero_threshold" validate:"gte=1"`
}

// DefaultValueConsistencyConfig returns the production tolerances
func DefaultValueConsistencyConfig() ValueConsistencyConfig {
	return ValueConsistencyConfig{
		Tolerance:             0.01,
		RateTolerance:         0.05,
		TrailingZeroThreshold: 3,
	}
}

// ValueConsistency cross-checks the document's own arithmetic: declared
// taxes against declared rates, item sums against document totals, and
// conspicuously round totals. Each broken rule is its own finding.
type ValueConsistency struct {
	cfg ValueConsistencyConfig
}

// NewValueConsistency builds the detector
func NewValueConsistency(cfg ValueConsistencyConfig) (*ValueConsistency, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &ValueConsistency{cfg: cfg}, nil
}

func (d *ValueConsistency) Name() string { return "value_consistency" }

func (d *ValueConsistency) Method() fraud.DetectionMethod { return fraud.MethodRule }

// ItemLevel marks the detector as running per item as well as per document
func (d *ValueConsistency) ItemLevel() bool { return true }

func (d *ValueConsistency) Detect(ctx context.Context, scope detection.Scope) ([]fraud.Detection, error) {
	if scope.ItemLevel() {
		return d.detectItem(scope)
	}
	return d.detectDocument(scope)
}

func (d *ValueConsistency) detectItem(scope detection.Scope) ([]fraud.Detection, error) {
	item := scope.Item
	var detections []fraud.Detection

	lineTotal := item.TotalPriceFloat()
	declaredTax := item.TaxAmount.ToFloat64()

	if item.TaxRate > 0 && lineTotal > 0 {
		expectedTax := item.TaxRate * lineTotal
		diff := math.Abs(declaredTax - expectedTax)
		if diff > d.cfg.Tolerance {
			score := minFloat(100, diff/lineTotal*1000)
			det, err := fraud.NewDetection(fraud.KindValueInconsistency, score, 0.8,
				fmt.Sprintf("Item %d declares R$%.2f of tax where the %.1f%% rate yields R$%.2f",
					item.Number, declaredTax, item.TaxRate*100, expectedTax),
				[]string{fmt.Sprintf("declared tax R$%.2f differs from computed R$%.2f by R$%.2f",
					declaredTax, expectedTax, diff)},
				fraud.MethodRule)
			if err != nil {
				return nil, err
			}
			detections = append(detections, det.ForItem(item.Number))
		}

		effectiveRate := declaredTax / lineTotal
		rateDiff := math.Abs(item.TaxRate - effectiveRate)
		if rateDiff > d.cfg.RateTolerance {
			score := minFloat(100, rateDiff*1000)
			det, err := fraud.NewDetection(fraud.KindValueInconsistency, score, 0.8,
				fmt.Sprintf("Item %d declares a %.1f%% rate but its tax works out to %.1f%%",
					item.Number, item.TaxRate*100, effectiveRate*100),
				[]string{fmt.Sprintf("declared rate %.1f%% vs effective rate %.1f%%",
					item.TaxRate*100, effectiveRate*100)},
				fraud.MethodRule)
			if err != nil {
				return nil, err
			}
			detections = append(detections, det.ForItem(item.Number))
		}
	}

	return detections, nil
}

func (d *ValueConsistency) detectDocument(scope detection.Scope) ([]fraud.Detection, error) {
	inv := scope.Invoice
	var detections []fraud.Detection

	total := inv.TotalAmount.ToFloat64()
	itemSum := inv.SumItemTotals().ToFloat64()

	if total > 0 {
		diff := math.Abs(itemSum - total)
		if diff > d.cfg.Tolerance {
			score := minFloat(100, diff/total*1000)
			det, err := fraud.NewDetection(fraud.KindValueInconsistency, score, 0.9,
				fmt.Sprintf("Line items add up to R$%.2f but the document declares R$%.2f",
					itemSum, total),
				[]string{fmt.Sprintf("item sum R$%.2f differs from declared total R$%.2f by R$%.2f",
					itemSum, total, diff)},
				fraud.MethodRule)
			if err != nil {
				return nil, err
			}
			detections = append(detections, det)
		}
	}

	goods := inv.GoodsAmount.ToFloat64()
	if goods > 0 {
		diff := math.Abs(goods - itemSum)
		if diff > d.cfg.Tolerance {
			score := minFloat(100, diff/goods*1000)
			det, err := fraud.NewDetection(fraud.KindValueInconsistency, score, 0.8,
				fmt.Sprintf("Declared goods value R$%.2f does not match the item sum R$%.2f",
					goods, itemSum),
				[]string{fmt.Sprintf("goods value R$%.2f differs from item sum R$%.2f by R$%.2f",
					goods, itemSum, diff)},
				fraud.MethodRule)
			if err != nil {
				return nil, err
			}
			detections = append(detections, det)
		}
	}

	if zeros := trailingZeroDigits(total); total > 0 && zeros >= d.cfg.TrailingZeroThreshold {
		score := minFloat(50, float64(zeros)*10)
		det, err := fraud.NewDetection(fraud.KindValueInconsistency, score, 0.6,
			fmt.Sprintf("Document total R$%.2f is suspiciously round", total),
			[]string{fmt.Sprintf("total R$%.2f ends in %d zero digits", total, zeros)},
			fraud.MethodRule)
		if err != nil {
			return nil, err
		}
		detections = append(detections, det)
	}

	return detections, nil
}
