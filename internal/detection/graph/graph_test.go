package graph_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/graph"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/testutil/fixtures"
)

const (
	companyA = "11111111000111"
	companyB = "22222222000122"
	companyC = "33333333000133"
	companyD = "44444444000144"
)

func cnpj(t *testing.T, digits string) values.CNPJ {
	t.Helper()
	return values.MustNewCNPJ(digits)
}

func record(t *testing.T, from, to string, value float64, daysAgo int) fraud.TransactionRecord {
	t.Helper()
	return fixtures.NewTransactionBuilder(t).
		WithIssuer(from).
		WithRecipient(to).
		WithValue(value).
		WithIssuedAt(fixtures.DefaultIssuedAt.Add(-time.Duration(daysAgo) * 24 * time.Hour)).
		Build()
}

func TestTransactionGraph_Edges(t *testing.T) {
	g := graph.NewTransactionGraph([]fraud.TransactionRecord{
		record(t, companyA, companyB, 1000, 3),
		record(t, companyA, companyB, 2000, 1),
		record(t, companyB, companyC, 500, 2),
	})

	t.Run("aggregates parallel transactions", func(t *testing.T) {
		edge := g.EdgeBetween(cnpj(t, companyA), cnpj(t, companyB))
		require.NotNil(t, edge)
		assert.Equal(t, 2, edge.Count)
		assert.InDelta(t, 3000, edge.TotalValue, 0.001)
	})

	t.Run("transactions sorted by time", func(t *testing.T) {
		txs := g.TransactionsBetween(cnpj(t, companyA), cnpj(t, companyB))
		require.Len(t, txs, 2)
		assert.True(t, txs[0].IssuedAt.Before(txs[1].IssuedAt))
	})

	t.Run("direction matters", func(t *testing.T) {
		assert.True(t, g.HasEdge(cnpj(t, companyA), cnpj(t, companyB)))
		assert.False(t, g.HasEdge(cnpj(t, companyB), cnpj(t, companyA)))
	})

	t.Run("counts", func(t *testing.T) {
		assert.Equal(t, 2, g.NodeCount())
		assert.Equal(t, 2, g.EdgeCount())
	})
}

func TestTransactionGraph_TransactionsBetweenSince(t *testing.T) {
	g := graph.NewTransactionGraph([]fraud.TransactionRecord{
		record(t, companyA, companyB, 100, 40),
		record(t, companyA, companyB, 200, 10),
		record(t, companyA, companyB, 300, 1),
	})

	cutoff := fixtures.DefaultIssuedAt.Add(-30 * 24 * time.Hour)
	recent := g.TransactionsBetweenSince(cnpj(t, companyA), cnpj(t, companyB), cutoff)
	require.Len(t, recent, 2)
	assert.InDelta(t, 200, recent[0].TotalValue, 0.001)
	assert.InDelta(t, 300, recent[1].TotalValue, 0.001)
}

func TestTransactionGraph_Concentration(t *testing.T) {
	g := graph.NewTransactionGraph([]fraud.TransactionRecord{
		record(t, companyA, companyB, 100, 1),
		record(t, companyA, companyB, 100, 2),
		record(t, companyA, companyB, 100, 3),
		record(t, companyA, companyC, 100, 4),
	})

	assert.InDelta(t, 0.75, g.Concentration(cnpj(t, companyA), cnpj(t, companyB)), 0.001)
	assert.InDelta(t, 0.25, g.Concentration(cnpj(t, companyA), cnpj(t, companyC)), 0.001)
	assert.Zero(t, g.Concentration(cnpj(t, companyD), cnpj(t, companyA)))
}

func TestTransactionGraph_FindCycles(t *testing.T) {
	t.Run("triangle found", func(t *testing.T) {
		// Current invoice flows A→B; history already carries B→C→A.
		g := graph.NewTransactionGraph([]fraud.TransactionRecord{
			record(t, companyB, companyC, 100, 5),
			record(t, companyC, companyA, 100, 3),
		})

		cycles := g.FindCycles(cnpj(t, companyB), cnpj(t, companyA), 4, 3)
		require.Len(t, cycles, 1)
		assert.Equal(t, []string{companyA, companyB, companyC, companyA}, cycles[0])
	})

	t.Run("direct return found", func(t *testing.T) {
		g := graph.NewTransactionGraph([]fraud.TransactionRecord{
			record(t, companyB, companyA, 100, 5),
		})

		cycles := g.FindCycles(cnpj(t, companyB), cnpj(t, companyA), 4, 3)
		require.Len(t, cycles, 1)
		assert.Equal(t, []string{companyA, companyB, companyA}, cycles[0])
	})

	t.Run("no return path yields none", func(t *testing.T) {
		g := graph.NewTransactionGraph([]fraud.TransactionRecord{
			record(t, companyA, companyB, 100, 5),
		})

		cycles := g.FindCycles(cnpj(t, companyB), cnpj(t, companyA), 4, 3)
		assert.Empty(t, cycles)
	})

	t.Run("depth bound respected", func(t *testing.T) {
		// B→C→D→E→F→A is 5 hops, beyond the depth-4 bound.
		companyE := "55555555000155"
		companyF := "66666666000166"
		g := graph.NewTransactionGraph([]fraud.TransactionRecord{
			record(t, companyB, companyC, 100, 9),
			record(t, companyC, companyD, 100, 8),
			record(t, companyD, companyE, 100, 7),
			record(t, companyE, companyF, 100, 6),
			record(t, companyF, companyA, 100, 5),
		})

		assert.Empty(t, g.FindCycles(cnpj(t, companyB), cnpj(t, companyA), 4, 3))
		assert.Len(t, g.FindCycles(cnpj(t, companyB), cnpj(t, companyA), 5, 3), 1)
	})

	t.Run("cycle cap respected", func(t *testing.T) {
		// Four parallel return routes; only three cycles are kept.
		companyE := "55555555000155"
		g := graph.NewTransactionGraph([]fraud.TransactionRecord{
			record(t, companyB, companyA, 100, 9),
			record(t, companyB, companyC, 100, 8),
			record(t, companyC, companyA, 100, 7),
			record(t, companyB, companyD, 100, 6),
			record(t, companyD, companyA, 100, 5),
			record(t, companyB, companyE, 100, 4),
			record(t, companyE, companyA, 100, 3),
		})

		cycles := g.FindCycles(cnpj(t, companyB), cnpj(t, companyA), 4, 3)
		assert.Len(t, cycles, 3)
	})
}
