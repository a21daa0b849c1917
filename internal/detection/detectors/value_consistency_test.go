package detectors_test

import (
	"context"
	"testing"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/detectors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/testutil/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValueConsistency(t *testing.T) *detectors.ValueConsistency {
	t.Helper()
	d, err := detectors.NewValueConsistency(detectors.DefaultValueConsistencyConfig())
	require.NoError(t, err)
	return d
}

func TestValueConsistency_ItemTaxMismatch(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).
			WithUnitPrice(1000).
			WithTaxRate(0.18).
			WithTaxAmount(100).
			Build()).
		Build()
	d := newValueConsistency(t)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, nil))
	require.NoError(t, err)
	require.Len(t, detections, 2)

	// Declared R$100 against the computed R$180: 80/1000*1000.
	amount := detections[0]
	assert.Equal(t, fraud.KindValueInconsistency, amount.Kind)
	assert.InDelta(t, 80, amount.Score, 1e-9)
	assert.InDelta(t, 0.8, amount.Confidence, 1e-9)
	require.NotNil(t, amount.ItemNumber)
	assert.Equal(t, 1, *amount.ItemNumber)

	// Effective rate 10% against the declared 18%.
	rate := detections[1]
	assert.InDelta(t, 80, rate.Score, 1e-9)
	assert.Contains(t, rate.Evidence[0], "effective rate")
}

func TestValueConsistency_SmallRateGapOnlyFlagsAmount(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).
			WithUnitPrice(1000).
			WithTaxRate(0.18).
			WithTaxAmount(150).
			Build()).
		Build()
	d := newValueConsistency(t)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, nil))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	// R$30 gap fires the amount rule, but 3 percentage points stay
	// inside the rate tolerance.
	assert.InDelta(t, 30, detections[0].Score, 1e-9)
}

func TestValueConsistency_CleanItemSilent(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	d := newValueConsistency(t)

	detections, err := d.Detect(context.Background(), itemScope(t, inv, 1, nil))
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestValueConsistency_TotalMismatch(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithUnitPrice(1000).Build()).
		WithTotal(1234.56).
		Build()
	d := newValueConsistency(t)

	detections, err := d.Detect(context.Background(), docScope(inv))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	det := detections[0]
	assert.InDelta(t, 100, det.Score, 1e-9)
	assert.InDelta(t, 0.9, det.Confidence, 1e-9)
	assert.Nil(t, det.ItemNumber)
	assert.Contains(t, det.Justification, "R$1234.56")
}

func TestValueConsistency_GoodsMismatch(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithUnitPrice(987.65).Build()).
		WithGoodsAmount(900).
		Build()
	d := newValueConsistency(t)

	detections, err := d.Detect(context.Background(), docScope(inv))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	assert.InDelta(t, 97.39, detections[0].Score, 0.01)
	assert.InDelta(t, 0.8, detections[0].Confidence, 1e-9)
	assert.Contains(t, detections[0].Evidence[0], "goods value")
}

func TestValueConsistency_RoundTotal(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithUnitPrice(15_000).Build()).
		Build()
	d := newValueConsistency(t)

	detections, err := d.Detect(context.Background(), docScope(inv))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	// 15000.00 carries five trailing zero digits, capped at 50.
	assert.InDelta(t, 50, detections[0].Score, 1e-9)
	assert.InDelta(t, 0.6, detections[0].Confidence, 1e-9)
	assert.Contains(t, detections[0].Evidence[0], "zero digits")
}

func TestValueConsistency_CleanDocumentSilent(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).Build()
	d := newValueConsistency(t)

	detections, err := d.Detect(context.Background(), docScope(inv))
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestNewValueConsistency_ValidatesConfig(t *testing.T) {
	cfg := detectors.DefaultValueConsistencyConfig()
	cfg.Tolerance = 0

	_, err := detectors.NewValueConsistency(cfg)
	assert.Error(t, err)
}
