package detectors_test

import (
	"context"
	"testing"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/detectors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/testutil/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRefiner(t *testing.T, history stubHistory) *detectors.PatternRefiner {
	t.Helper()
	r, err := detectors.NewPatternRefiner(detectors.DefaultRefinementConfig(), history)
	require.NoError(t, err)
	return r
}

func refine(t *testing.T, r *detectors.PatternRefiner, inv *invoice.Invoice, cls invoice.ClassificationSet) []fraud.Detection {
	t.Helper()
	detections, err := r.Refine(context.Background(), inv, cls, nil)
	require.NoError(t, err)
	return detections
}

func TestPatternRefiner_NonPositiveUnitPrice(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(
			fixtures.NewLineItemBuilder(t).WithUnitPrice(0).WithTotalPrice(0).WithTaxAmount(0).Build(),
			fixtures.NewLineItemBuilder(t).WithNumber(2).Build(),
		).
		Build()
	r := newRefiner(t, stubHistory{})

	detections := refine(t, r, inv, nil)
	require.Len(t, detections, 1)

	det := detections[0]
	assert.Equal(t, fraud.KindUnderpricing, det.Kind)
	assert.Equal(t, fraud.MethodPattern, det.Method)
	assert.InDelta(t, 90, det.Score, 1e-9)
	require.NotNil(t, det.ItemNumber)
	assert.Equal(t, 1, *det.ItemNumber)
}

func TestPatternRefiner_CheapUnitHighTotal(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithQuantity(1000).WithUnitPrice(0.5).Build()).
		Build()
	r := newRefiner(t, stubHistory{})

	detections := refine(t, r, inv, nil)
	require.Len(t, detections, 1)
	assert.InDelta(t, 70, detections[0].Score, 1e-9)
	assert.Contains(t, detections[0].Justification, "below R$1.00")
}

func TestPatternRefiner_LowClassificationConfidence(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := fixtures.ClassificationSetFor(t,
		fixtures.NewClassificationBuilder(t).WithConfidence(0.5).Build())
	r := newRefiner(t, stubHistory{})

	detections := refine(t, r, inv, cls)
	require.Len(t, detections, 1)

	assert.Equal(t, fraud.KindWrongClassification, detections[0].Kind)
	assert.InDelta(t, 60, detections[0].Score, 1e-9)
}

func TestPatternRefiner_ConfidentDivergence(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := fixtures.ClassificationSetFor(t,
		fixtures.NewClassificationBuilder(t).
			WithPredicted(phoneNCM).
			WithDeclared(fixtures.DefaultNCM).
			WithConfidence(0.9).
			Build())
	r := newRefiner(t, stubHistory{})

	detections := refine(t, r, inv, cls)
	require.Len(t, detections, 1)

	assert.Equal(t, fraud.KindWrongClassification, detections[0].Kind)
	assert.InDelta(t, 80, detections[0].Score, 1e-9)
}

func TestPatternRefiner_StatisticalOutlier(t *testing.T) {
	history := stubHistory{prices: map[string]fraud.PriceStats{
		fixtures.DefaultNCM: {
			Mean: 1000, Min: 500, Max: 1500, Std: 100,
			SampleCount: 30, Source: fraud.PriceSourceHistory,
		},
	}}
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithUnitPrice(600).Build()).
		Build()
	r := newRefiner(t, history)

	detections := refine(t, r, inv, nil)
	require.Len(t, detections, 1)

	// z = -4 lands in the strongest band.
	assert.Equal(t, fraud.KindUnderpricing, detections[0].Kind)
	assert.InDelta(t, 90, detections[0].Score, 1e-9)
	assert.Contains(t, detections[0].Evidence[0], "standard deviations below")
}

func TestPatternRefiner_FeatureScoreMergesWithStatistical(t *testing.T) {
	history := stubHistory{prices: map[string]fraud.PriceStats{
		fixtures.DefaultNCM: {
			Mean: 1000, Min: 900, Max: 1100, Std: 100,
			SampleCount: 30, Source: fraud.PriceSourceHistory,
		},
	}}
	nightIssue := time.Date(2025, 6, 10, 2, 0, 0, 0, time.UTC)
	inv := fixtures.NewInvoiceBuilder(t).
		WithIssuedAt(nightIssue).
		WithItems(fixtures.NewLineItemBuilder(t).
			WithDescription("PRODUTO").
			WithUnitPrice(100).
			WithTaxAmount(0).
			Build()).
		Build()
	cls := fixtures.ClassificationSetFor(t,
		fixtures.NewClassificationBuilder(t).WithConfidence(0.1).Build())
	r := newRefiner(t, history)

	detections := refine(t, r, inv, cls)
	require.Len(t, detections, 2)

	byKind := make(map[fraud.FraudKind]fraud.Detection, len(detections))
	for _, det := range detections {
		byKind[det.Kind] = det
	}

	// The low-confidence pattern check.
	wc, ok := byKind[fraud.KindWrongClassification]
	require.True(t, ok)
	assert.InDelta(t, 60, wc.Score, 1e-9)

	// Feature score 0.955 beats the z-band 90 for the underpricing kind;
	// the absorbed detection's evidence is kept.
	up, ok := byKind[fraud.KindUnderpricing]
	require.True(t, ok)
	assert.InDelta(t, 95.5, up.Score, 1e-9)

	var hasFeature, hasStatistical bool
	for _, e := range up.Evidence {
		if e == "price deviation signal at 0.90" {
			hasFeature = true
		}
		if len(e) > 10 && e[:10] == "unit price" {
			hasStatistical = true
		}
	}
	assert.True(t, hasFeature, "feature evidence present")
	assert.True(t, hasStatistical, "absorbed statistical evidence present")
}

func TestPatternRefiner_CalibratesByInvoiceSize(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(
			fixtures.NewLineItemBuilder(t).WithUnitPrice(0).WithTotalPrice(0).WithTaxAmount(0).Build(),
			fixtures.NewLineItemBuilder(t).WithNumber(2).WithUnitPrice(15_000).Build(),
		).
		Build()
	r := newRefiner(t, stubHistory{})

	detections := refine(t, r, inv, nil)
	require.Len(t, detections, 1)

	// The 90-point pattern is scaled by 1.1 on a R$15,000 document.
	assert.InDelta(t, 99, detections[0].Score, 1e-9)
}

func TestPatternRefiner_CleanInvoiceSilent(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	r := newRefiner(t, stubHistory{})

	assert.Empty(t, refine(t, r, inv, nil))
}

func TestNewPatternRefiner_ValidatesConfig(t *testing.T) {
	cfg := detectors.DefaultRefinementConfig()
	cfg.ZThreshold = 1

	_, err := detectors.NewPatternRefiner(cfg, stubHistory{})
	assert.Error(t, err)
}
