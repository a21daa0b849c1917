package detectors_test

import (
	"context"
	"testing"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/graph"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
	"github.com/stretchr/testify/require"
)

type stubMarket map[string]fraud.PriceStats

func (s stubMarket) MarketStats(_ context.Context, code values.NCM) (fraud.PriceStats, bool, error) {
	stats, ok := s[code.String()]
	return stats, ok, nil
}

type stubHistory struct {
	records []fraud.TransactionRecord
	prices  map[string]fraud.PriceStats
}

func (s stubHistory) IssuerTransactions(_ context.Context, issuer values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error) {
	var out []fraud.TransactionRecord
	for _, r := range s.records {
		if r.Issuer.Equal(issuer) && !r.IssuedAt.Before(since) && r.IssuedAt.Before(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s stubHistory) PartyTransactions(_ context.Context, party values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error) {
	var out []fraud.TransactionRecord
	for _, r := range s.records {
		if (r.Issuer.Equal(party) || r.Recipient.Equal(party)) && !r.IssuedAt.Before(since) && r.IssuedAt.Before(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s stubHistory) PriceHistory(_ context.Context, code values.NCM) (fraud.PriceStats, bool, error) {
	stats, ok := s.prices[code.String()]
	return stats, ok, nil
}

type stubRates map[string]float64

func (s stubRates) CombinedTaxRate(_ context.Context, code values.NCM) (float64, bool, error) {
	rate, ok := s[code.String()]
	return rate, ok, nil
}

type stubCatalog map[string]string

func (s stubCatalog) OfficialDescription(_ context.Context, code values.NCM) (string, bool, error) {
	text, ok := s[code.String()]
	return text, ok, nil
}

type stubRelationships map[string]bool

func relationshipKey(a, b values.CNPJ) string {
	if a.String() < b.String() {
		return a.String() + "|" + b.String()
	}
	return b.String() + "|" + a.String()
}

func (s stubRelationships) KnownRelationship(_ context.Context, a, b values.CNPJ) (bool, error) {
	return s[relationshipKey(a, b)], nil
}

type stubGraph struct {
	g *graph.TransactionGraph
}

func graphOf(records ...fraud.TransactionRecord) stubGraph {
	return stubGraph{g: graph.NewTransactionGraph(records)}
}

func (s stubGraph) TransactionGraph(_ context.Context) (*graph.TransactionGraph, error) {
	return s.g, nil
}

type stubPriors map[string]int

func (s stubPriors) PriorDetectionCount(_ context.Context, issuer values.CNPJ, kind fraud.FraudKind) (int, error) {
	return s[issuer.String()+"|"+string(kind)], nil
}

type stubAdjuster struct {
	delta float64
	note  string
	err   error
	delay time.Duration
}

func (s stubAdjuster) Adjust(ctx context.Context, _ detection.Scope) (float64, string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, "", ctx.Err()
		}
	}
	return s.delta, s.note, s.err
}

func docScope(inv *invoice.Invoice, history ...fraud.TransactionRecord) detection.Scope {
	return detection.Scope{Invoice: inv, History: history}
}

func itemScope(t *testing.T, inv *invoice.Invoice, number int, cls *invoice.Classification, history ...fraud.TransactionRecord) detection.Scope {
	t.Helper()
	item, ok := inv.Item(number)
	require.True(t, ok, "invoice has no item %d", number)
	return detection.Scope{Invoice: inv, Item: item, Classification: cls, History: history}
}
