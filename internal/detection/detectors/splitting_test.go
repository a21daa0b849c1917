package detectors_test

import (
	"context"
	"testing"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/detectors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/testutil/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSplitting(t *testing.T) *detectors.Splitting {
	t.Helper()
	d, err := detectors.NewSplitting(detectors.DefaultSplittingConfig())
	require.NoError(t, err)
	return d
}

func TestSplitting_WindowSumOverCeiling(t *testing.T) {
	at := fixtures.DefaultIssuedAt
	history := []fraud.TransactionRecord{
		fixtures.NewTransactionBuilder(t).WithValue(5_000).WithIssuedAt(at.Add(-20 * time.Hour)).Build(),
		fixtures.NewTransactionBuilder(t).WithValue(5_000).WithIssuedAt(at.Add(-10 * time.Hour)).Build(),
	}
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithUnitPrice(5_000).Build()).
		Build()
	d := newSplitting(t)

	detections, err := d.Detect(context.Background(), docScope(inv, history...))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	det := detections[0]
	assert.Equal(t, fraud.KindValueSplitting, det.Kind)
	assert.InDelta(t, 0.8, det.Confidence, 1e-9)

	// Three invoices totalling 15,000 against a 10,000 ceiling: 75 for
	// the sum plus 30 for the count, clamped to 100.
	assert.InDelta(t, 100, det.Score, 1e-9)
	assert.GreaterOrEqual(t, det.Score, 50.0)
	assert.Contains(t, det.Evidence[0], "R$15000.00")
}

func TestSplitting_BurstWithoutCeiling(t *testing.T) {
	at := fixtures.DefaultIssuedAt
	history := []fraud.TransactionRecord{
		fixtures.NewTransactionBuilder(t).WithValue(2_000).WithIssuedAt(at.Add(-30 * time.Minute)).Build(),
		fixtures.NewTransactionBuilder(t).WithValue(2_000).WithIssuedAt(at.Add(-60 * time.Minute)).Build(),
		fixtures.NewTransactionBuilder(t).WithValue(2_000).WithIssuedAt(at.Add(-90 * time.Minute)).Build(),
	}
	inv := fixtures.NewInvoiceBuilder(t).Build()
	d := newSplitting(t)

	detections, err := d.Detect(context.Background(), docScope(inv, history...))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	// Four invoices inside two hours, combined value still under the
	// ceiling: count points only.
	assert.InDelta(t, 80, detections[0].Score, 1e-9)
	assert.Contains(t, detections[0].Evidence[0], "within 2 hours")
}

func TestSplitting_ProductClusterByCode(t *testing.T) {
	at := fixtures.DefaultIssuedAt
	history := []fraud.TransactionRecord{
		fixtures.NewTransactionBuilder(t).
			WithValue(4_000).
			WithIssuedAt(at.Add(-5*time.Hour)).
			AddItem("NOTEBOOK DELL INSPIRON 15 8GB", 4_000, fixtures.DefaultNCM).
			Build(),
	}
	inv := fixtures.NewInvoiceBuilder(t).Build()
	d := newSplitting(t)

	detections, err := d.Detect(context.Background(), docScope(inv, history...))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	// Two invoices, cluster value 5987.65: 2*15 + 5.99.
	assert.InDelta(t, 35.99, detections[0].Score, 0.01)
	assert.Contains(t, detections[0].Evidence[0], "2 invoices")
}

func TestSplitting_ProductClusterByDescription(t *testing.T) {
	at := fixtures.DefaultIssuedAt
	history := []fraud.TransactionRecord{
		fixtures.NewTransactionBuilder(t).
			WithValue(4_000).
			WithIssuedAt(at.Add(-5*time.Hour)).
			AddItem("NOTEBOOK DELL INSPIRON 15 8GB", 4_000, "84713090").
			Build(),
	}
	inv := fixtures.NewInvoiceBuilder(t).Build()
	d := newSplitting(t)

	detections, err := d.Detect(context.Background(), docScope(inv, history...))
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Contains(t, detections[0].Justification, "Similar products")
}

func TestSplitting_ResaleCodeConcentration(t *testing.T) {
	at := fixtures.DefaultIssuedAt
	history := []fraud.TransactionRecord{
		fixtures.NewTransactionBuilder(t).
			WithIssuedAt(at.Add(-3*time.Hour)).
			WithCFOPs("1102", "2102").
			Build(),
	}
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithCFOP("1102").Build()).
		Build()
	d := newSplitting(t)

	detections, err := d.Detect(context.Background(), docScope(inv, history...))
	require.NoError(t, err)
	require.Len(t, detections, 1)

	assert.InDelta(t, 100, detections[0].Score, 1e-9)
	assert.Contains(t, detections[0].Evidence[0], "resale codes")
}

func TestSplitting_IgnoresUnrelatedAndStaleRecords(t *testing.T) {
	at := fixtures.DefaultIssuedAt
	history := []fraud.TransactionRecord{
		// Different parties entirely.
		fixtures.NewTransactionBuilder(t).
			WithIssuer(thirdPartyCNPJ).
			WithRecipient("44555666000199").
			WithValue(50_000).
			WithIssuedAt(at.Add(-2 * time.Hour)).
			Build(),
		// Same parties, outside the 24h window.
		fixtures.NewTransactionBuilder(t).
			WithValue(50_000).
			WithIssuedAt(at.Add(-30 * time.Hour)).
			Build(),
	}
	inv := fixtures.NewInvoiceBuilder(t).Build()
	d := newSplitting(t)

	detections, err := d.Detect(context.Background(), docScope(inv, history...))
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestSplitting_SingleLargeInvoiceSilent(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		WithItems(fixtures.NewLineItemBuilder(t).WithUnitPrice(50_000).Build()).
		Build()
	d := newSplitting(t)

	detections, err := d.Detect(context.Background(), docScope(inv))
	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestNewSplitting_ValidatesConfig(t *testing.T) {
	cfg := detectors.DefaultSplittingConfig()
	cfg.Ceiling = 0

	_, err := detectors.NewSplitting(cfg)
	assert.Error(t, err)
}
