package detectors_test

import (
	"context"
	"testing"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/detectors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/testutil/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const phoneNCM = "85171231"

func newClassification(t *testing.T, rates stubRates, catalog detection.NCMCatalog, adjuster detection.ContextAdjuster) *detectors.Classification {
	t.Helper()
	d, err := detectors.NewClassification(detectors.DefaultClassificationConfig(), rates, catalog, adjuster)
	require.NoError(t, err)
	return d
}

func divergentClassification(t *testing.T, confidence float64) invoice.Classification {
	t.Helper()
	return fixtures.NewClassificationBuilder(t).
		WithPredicted(phoneNCM).
		WithDeclared(fixtures.DefaultNCM).
		WithConfidence(confidence).
		Build()
}

func TestClassification_TaxEconomyDivergence(t *testing.T) {
	rates := stubRates{fixtures.DefaultNCM: 0.05, phoneNCM: 0.25}
	catalog := stubCatalog{fixtures.DefaultNCM: "Maquinas automaticas para processamento de dados portateis"}
	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := divergentClassification(t, 0.9)
	d := newClassification(t, rates, catalog, nil)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, &cls))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	det := detections[0]
	assert.Equal(t, fraud.KindWrongClassification, det.Kind)
	assert.Equal(t, fraud.MethodRule, det.Method)
	require.NotNil(t, det.ItemNumber)
	assert.Equal(t, 1, *det.ItemNumber)

	// 80% economy (+50), category change (+30), alien description (+20).
	assert.InDelta(t, 100, det.Score, 1e-9)
	assert.InDelta(t, 0.9, det.Confidence, 1e-9)
	require.Len(t, det.Evidence, 3)
	assert.Contains(t, det.Evidence[0], "80.0% lower")
	assert.Contains(t, det.Evidence[1], "different categories")
}

func TestClassification_LargeEconomyAddsPoints(t *testing.T) {
	rates := stubRates{fixtures.DefaultNCM: 0.05, phoneNCM: 0.25}
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithUnitPrice(50_000).Build()).
		Build()
	cls := divergentClassification(t, 0.85)
	d := newClassification(t, rates, nil, nil)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, &cls))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	// Economy percentage (+50), category change (+30) and the R$10,000
	// line economy (+15).
	assert.InDelta(t, 95, detections[0].Score, 1e-9)
	assert.Contains(t, detections[0].Evidence[2], "R$10000.00")
}

func TestClassification_AdjusterRefinesScore(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := divergentClassification(t, 0.9)
	adjuster := stubAdjuster{delta: 15, note: "declared code family does not sell portable computers"}
	d := newClassification(t, stubRates{}, stubCatalog{fixtures.DefaultNCM: "Partes de aparelhos telefonicos"}, adjuster)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, &cls))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	det := detections[0]
	// Category change (+30) and description mismatch (+20) refined by +15.
	assert.InDelta(t, 65, det.Score, 1e-9)
	assert.Equal(t, fraud.MethodHybrid, det.Method)
	assert.Contains(t, det.Evidence, "declared code family does not sell portable computers")
}

func TestClassification_AdjusterTimeoutFallsBack(t *testing.T) {
	cfg := detectors.DefaultClassificationConfig()
	cfg.AdjusterTimeout = 20 * time.Millisecond
	adjuster := stubAdjuster{delta: 15, delay: 500 * time.Millisecond}
	d, err := detectors.NewClassification(cfg, stubRates{},
		stubCatalog{fixtures.DefaultNCM: "Partes de aparelhos telefonicos"}, adjuster)
	require.NoError(t, err)

	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := divergentClassification(t, 0.9)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, &cls))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	// Rule-only score survives the adjuster timeout.
	assert.InDelta(t, 50, detections[0].Score, 1e-9)
	assert.Equal(t, fraud.MethodRule, detections[0].Method)
}

func TestClassification_SkipsBelowConfidenceFloor(t *testing.T) {
	rates := stubRates{fixtures.DefaultNCM: 0.05, phoneNCM: 0.25}
	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := divergentClassification(t, 0.5)
	d := newClassification(t, rates, nil, nil)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, &cls))
	require.NoError(t, err)
	assert.Nil(t, detections)
}

func TestClassification_SkipsAgreement(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := fixtures.NewClassificationBuilder(t).WithConfidence(0.95).Build()
	d := newClassification(t, stubRates{}, nil, nil)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, &cls))
	require.NoError(t, err)
	assert.Nil(t, detections)
}

func TestClassification_SkipsWithoutClassification(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	d := newClassification(t, stubRates{}, nil, nil)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, nil))
	require.NoError(t, err)
	assert.Nil(t, detections)

	detections, err = d.Detect(context.Background(), docScope(inv))
	require.NoError(t, err)
	assert.Nil(t, detections)
}

func TestClassification_DefaultRatesNeutralizeEconomy(t *testing.T) {
	// Same category, unknown rates: no rule reaches the emission floor.
	inv := fixtures.NewInvoiceBuilder(t).Build()
	cls := fixtures.NewClassificationBuilder(t).
		WithPredicted("84713090").
		WithDeclared(fixtures.DefaultNCM).
		WithConfidence(0.9).
		Build()
	d := newClassification(t, stubRates{}, nil, nil)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, &cls))
	require.NoError(t, err)
	assert.Nil(t, detections)
}

func TestNewClassification_RequiresRateProvider(t *testing.T) {
	_, err := detectors.NewClassification(detectors.DefaultClassificationConfig(), nil, nil, nil)
	assert.Error(t, err)
}
