package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// ClassificationConfig tunes the divergence scoring.
type ClassificationConfig struct {
	MinScore                float64       `koanf:"min_score" validate:"gte=0,lte=100"`
	MinConfidence           float64       `koanf:"min_confidence" validate:"gte=0,lte=1"`
	DefaultTaxRate          float64       `koanf:"default_tax_rate" validate:"gte=0,lte=1"`
	EconomyPercentThreshold float64       `koanf:"economy_percent_threshold" validate:"gte=0"`
	SimilarityThreshold     float64       `koanf:"similarity_threshold" validate:"gte=0,lte=1"`
	LargeEconomyThreshold   float64       `koanf:"large_economy_threshold" validate:"gt=0"`
	AdjusterMaxDelta        float64       `koanf:"adjuster_max_delta" validate:"gte=0,lte=100"`
	AdjusterTimeout         time.Duration `koanf:"adjuster_timeout" validate:"gt=0"`
}

// DefaultClassificationConfig returns the production thresholds
func DefaultClassificationConfig() ClassificationConfig {
	return ClassificationConfig{
		MinScore:                40,
		MinConfidence:           0.7,
		DefaultTaxRate:          0.15,
		EconomyPercentThreshold: 20,
		SimilarityThreshold:     0.3,
		LargeEconomyThreshold:   5_000,
		AdjusterMaxDelta:        20,
		AdjusterTimeout:         5 * time.Second,
	}
}

// Classification flags items whose declared fiscal code diverges from the
// classifier's prediction in a way that lowers the tax burden. It only
// trusts predictions at or above the confidence floor; an optional
// ContextAdjuster can nudge the rule score either way.
type Classification struct {
	cfg      ClassificationConfig
	rates    detection.TaxRateProvider
	catalog  detection.NCMCatalog
	adjuster detection.ContextAdjuster
}

// NewClassification builds the detector. The catalog and adjuster may be
// nil; the corresponding rules are skipped.
func NewClassification(cfg ClassificationConfig, rates detection.TaxRateProvider, catalog detection.NCMCatalog, adjuster detection.ContextAdjuster) (*Classification, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if rates == nil {
		return nil, errors.NewValidationError("INVALID_DETECTOR_CONFIG",
			"classification detector requires a tax rate provider")
	}
	return &Classification{cfg: cfg, rates: rates, catalog: catalog, adjuster: adjuster}, nil
}

func (d *Classification) Name() string { return "wrong_classification" }

func (d *Classification) Method() fraud.DetectionMethod { return fraud.MethodHybrid }

// ItemLevel marks the detector as running once per line item
func (d *Classification) ItemLevel() bool { return true }

func (d *Classification) Detect(ctx context.Context, scope detection.Scope) ([]fraud.Detection, error) {
	if !scope.ItemLevel() || scope.Classification == nil {
		return nil, nil
	}
	item := scope.Item
	cls := scope.Classification

	declared := cls.DeclaredNCM
	if declared.IsEmpty() {
		declared = item.DeclaredNCM
	}
	if declared.IsEmpty() || !cls.Diverges() || cls.Confidence < d.cfg.MinConfidence {
		return nil, nil
	}

	declaredRate := d.taxRate(ctx, declared)
	predictedRate := d.taxRate(ctx, cls.PredictedNCM)
	lineTotal := item.TotalPriceFloat()
	economy := (predictedRate - declaredRate) * lineTotal

	var score float64
	var evidence []string

	if predictedRate > 0 {
		economyPct := (predictedRate - declaredRate) / predictedRate * 100
		if economyPct > d.cfg.EconomyPercentThreshold {
			score += minFloat(50, economyPct)
			evidence = append(evidence, fmt.Sprintf(
				"declared code %s carries a %.1f%% rate against %.1f%% for %s (%.1f%% lower)",
				declared.String(), declaredRate*100, predictedRate*100,
				cls.PredictedNCM.String(), economyPct))
		}
	}

	if !declared.SameCategory(cls.PredictedNCM) {
		score += 30
		evidence = append(evidence, fmt.Sprintf(
			"codes belong to different categories (%s vs %s)",
			declared.Category(), cls.PredictedNCM.Category()))
	}

	if d.catalog != nil {
		if official, ok, err := d.catalog.OfficialDescription(ctx, declared); err == nil && ok {
			if sim := descriptionSimilarity(item.Description, official); sim < d.cfg.SimilarityThreshold {
				score += 20
				evidence = append(evidence, fmt.Sprintf(
					"item description matches the declared code's nomenclature at only %.2f", sim))
			}
		}
	}

	if economy > d.cfg.LargeEconomyThreshold {
		score += 15
		evidence = append(evidence, fmt.Sprintf(
			"estimated tax saving of R$%.2f on this item", economy))
	}

	method := fraud.MethodRule
	if d.adjuster != nil && score > 0 {
		if delta, note, ok := d.adjust(ctx, scope); ok {
			score += delta
			method = fraud.MethodHybrid
			if note != "" {
				evidence = append(evidence, note)
			}
		}
	}

	score = fraud.ClampScore(score)
	if score < d.cfg.MinScore || len(evidence) == 0 {
		return nil, nil
	}

	det, err := fraud.NewDetection(fraud.KindWrongClassification, score, cls.Confidence,
		fmt.Sprintf("Item %d declared under %s but classified as %s (confidence %.2f)",
			item.Number, declared.String(), cls.PredictedNCM.String(), cls.Confidence),
		evidence, method)
	if err != nil {
		return nil, err
	}
	return []fraud.Detection{det.ForItem(item.Number)}, nil
}

// taxRate resolves a code's combined rate, falling back to the default
// when the table has no row or the provider fails.
func (d *Classification) taxRate(ctx context.Context, code values.NCM) float64 {
	rate, ok, err := d.rates.CombinedTaxRate(ctx, code)
	if err != nil || !ok {
		return d.cfg.DefaultTaxRate
	}
	return rate
}

// adjust consults the external adjuster under its own deadline. It fails
// open: any error or timeout keeps the rule score untouched.
func (d *Classification) adjust(ctx context.Context, scope detection.Scope) (float64, string, bool) {
	adjCtx, cancel := context.WithTimeout(ctx, d.cfg.AdjusterTimeout)
	defer cancel()

	delta, note, err := d.adjuster.Adjust(adjCtx, scope)
	if err != nil {
		return 0, "", false
	}
	delta = maxFloat(-d.cfg.AdjusterMaxDelta, minFloat(d.cfg.AdjusterMaxDelta, delta))
	return delta, note, true
}
