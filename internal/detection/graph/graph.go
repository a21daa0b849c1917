// Package graph holds the counterparty transaction graph consumed by the
// collusion detector. It is a plain adjacency map with a bounded
// simple-path search; transaction volumes here never justify a full graph
// library, and the bounded depth keeps the search linear in practice.
package graph

import (
	"sort"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// Edge aggregates every transaction observed from one counterparty to
// another. Transactions are kept sorted by issue time.
type Edge struct {
	From         string
	To           string
	Count        int
	TotalValue   float64
	Transactions []fraud.TransactionRecord
}

// TransactionGraph is a directed multigraph of counterparty flows, built
// once from the historical feed and read-only afterwards. Rebuild it when
// the feed refreshes; concurrent readers need no locking.
type TransactionGraph struct {
	edges map[string]map[string]*Edge
}

// NewTransactionGraph builds the graph from historical feed rows. Rows
// missing either party are skipped.
func NewTransactionGraph(records []fraud.TransactionRecord) *TransactionGraph {
	g := &TransactionGraph{
		edges: make(map[string]map[string]*Edge),
	}
	for _, record := range records {
		g.add(record)
	}
	for _, out := range g.edges {
		for _, edge := range out {
			sort.Slice(edge.Transactions, func(i, j int) bool {
				return edge.Transactions[i].IssuedAt.Before(edge.Transactions[j].IssuedAt)
			})
		}
	}
	return g
}

func (g *TransactionGraph) add(record fraud.TransactionRecord) {
	from := record.Issuer.String()
	to := record.Recipient.String()
	if from == "" || to == "" {
		return
	}

	out, ok := g.edges[from]
	if !ok {
		out = make(map[string]*Edge)
		g.edges[from] = out
	}

	edge, ok := out[to]
	if !ok {
		edge = &Edge{From: from, To: to}
		out[to] = edge
	}

	edge.Count++
	edge.TotalValue += record.TotalValue
	edge.Transactions = append(edge.Transactions, record)
}

// HasEdge reports whether at least one transaction flows from a to b
func (g *TransactionGraph) HasEdge(from, to values.CNPJ) bool {
	return g.edge(from.String(), to.String()) != nil
}

// EdgeBetween returns the aggregated edge from a to b, nil when absent
func (g *TransactionGraph) EdgeBetween(from, to values.CNPJ) *Edge {
	return g.edge(from.String(), to.String())
}

func (g *TransactionGraph) edge(from, to string) *Edge {
	out, ok := g.edges[from]
	if !ok {
		return nil
	}
	return out[to]
}

// TransactionsBetween returns the time-ordered transactions from a to b
func (g *TransactionGraph) TransactionsBetween(from, to values.CNPJ) []fraud.TransactionRecord {
	edge := g.edge(from.String(), to.String())
	if edge == nil {
		return nil
	}
	return edge.Transactions
}

// TransactionsBetweenSince filters the edge to transactions issued at or
// after the cutoff.
func (g *TransactionGraph) TransactionsBetweenSince(from, to values.CNPJ, cutoff time.Time) []fraud.TransactionRecord {
	all := g.TransactionsBetween(from, to)
	if len(all) == 0 {
		return nil
	}
	// Transactions are sorted; find the first inside the window.
	idx := sort.Search(len(all), func(i int) bool {
		return !all[i].IssuedAt.Before(cutoff)
	})
	return all[idx:]
}

// OutgoingCount returns the number of transactions leaving the node
func (g *TransactionGraph) OutgoingCount(from values.CNPJ) int {
	total := 0
	for _, edge := range g.edges[from.String()] {
		total += edge.Count
	}
	return total
}

// Concentration returns the share of the node's outgoing transactions that
// land on one recipient, 0 when the node has no outgoing edges.
func (g *TransactionGraph) Concentration(from, to values.CNPJ) float64 {
	total := g.OutgoingCount(from)
	if total == 0 {
		return 0
	}
	edge := g.edge(from.String(), to.String())
	if edge == nil {
		return 0
	}
	return float64(edge.Count) / float64(total)
}

// FindCycles searches for simple paths start→…→target of at most maxDepth
// edges, which close a cycle when an edge target→start triggered the
// search. The returned cycles are [target, start, …, target]-shaped node
// lists; at most maxCycles are collected. Neighbor order is sorted, so the
// result is deterministic. No return path just yields an empty slice.
func (g *TransactionGraph) FindCycles(start, target values.CNPJ, maxDepth, maxCycles int) [][]string {
	if maxDepth < 1 || maxCycles < 1 {
		return nil
	}

	startNode := start.String()
	targetNode := target.String()
	if startNode == "" || targetNode == "" {
		return nil
	}

	var cycles [][]string
	visited := map[string]bool{startNode: true}
	path := []string{startNode}

	var walk func(node string, depth int) bool
	walk = func(node string, depth int) bool {
		if depth > maxDepth {
			return false
		}
		for _, next := range g.sortedNeighbors(node) {
			if next == targetNode {
				// Close the loop: target → start → … → target.
				cycle := make([]string, 0, len(path)+2)
				cycle = append(cycle, targetNode)
				cycle = append(cycle, path...)
				cycle = append(cycle, targetNode)
				cycles = append(cycles, cycle)
				if len(cycles) >= maxCycles {
					return true
				}
				continue
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			done := walk(next, depth+1)
			path = path[:len(path)-1]
			visited[next] = false
			if done {
				return true
			}
		}
		return false
	}

	walk(startNode, 1)
	return cycles
}

func (g *TransactionGraph) sortedNeighbors(node string) []string {
	out, ok := g.edges[node]
	if !ok {
		return nil
	}
	neighbors := make([]string, 0, len(out))
	for to := range out {
		neighbors = append(neighbors, to)
	}
	sort.Strings(neighbors)
	return neighbors
}

// NodeCount returns the number of nodes with at least one outgoing edge
func (g *TransactionGraph) NodeCount() int {
	return len(g.edges)
}

// EdgeCount returns the number of distinct directed pairs
func (g *TransactionGraph) EdgeCount() int {
	total := 0
	for _, out := range g.edges {
		total += len(out)
	}
	return total
}
