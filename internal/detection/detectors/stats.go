// Package detectors implements the detection strategies the engine runs:
// seven registry detectors plus the pattern-refinement pass. Every strategy
// is pure computation over the scope and injected reference providers.
package detectors

import (
	"fmt"
	"math"
	"strings"
)

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdDev is the population standard deviation, matching how the reference
// price tables are produced.
func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sumSq := 0.0
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

// tokenize lowercases and splits a product description into terms
func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(s) {
		set[tok] = true
	}
	return set
}

// jaccard is |a∩b| / |a∪b| over token sets, 1 when both are empty
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// descriptionJaccard compares two raw descriptions
func descriptionJaccard(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

// descriptionSimilarity scores how well a declared description matches the
// official text of its classification code: cosine over term-frequency
// vectors, token overlap |description ∩ official| / |official| when the
// cosine degenerates, and a neutral 0.5 when there is no official text to
// compare against.
func descriptionSimilarity(description, official string) float64 {
	if strings.TrimSpace(official) == "" {
		return 0.5
	}

	descTokens := tokenize(description)
	officialTokens := tokenize(official)
	if len(descTokens) == 0 || len(officialTokens) == 0 {
		return 0
	}

	descFreq := termFrequencies(descTokens)
	officialFreq := termFrequencies(officialTokens)

	if cos, ok := cosine(descFreq, officialFreq); ok {
		return cos
	}

	// Degenerate vectors: fall back to plain overlap against the official
	// vocabulary.
	officialSet := make(map[string]bool, len(officialTokens))
	for _, tok := range officialTokens {
		officialSet[tok] = true
	}
	matched := 0
	for tok := range officialSet {
		for _, d := range descTokens {
			if d == tok {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(officialSet))
}

func termFrequencies(tokens []string) map[string]float64 {
	freq := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		freq[tok]++
	}
	return freq
}

func cosine(a, b map[string]float64) (float64, bool) {
	var dot, normA, normB float64
	for tok, fa := range a {
		normA += fa * fa
		if fb, ok := b[tok]; ok {
			dot += fa * fb
		}
	}
	for _, fb := range b {
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}

// genericDescriptions are placeholder product names that carry no
// information about what was actually sold.
var genericDescriptions = map[string]bool{
	"PRODUTO":    true,
	"MERCADORIA": true,
	"ITEM":       true,
	"SERVICO":    true,
}

// isGenericDescription reports whether the description is one of the
// placeholder names, alone or as its only leading word ("PRODUTO 1").
func isGenericDescription(description string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(description))
	if normalized == "" {
		return true
	}
	if genericDescriptions[normalized] {
		return true
	}
	fields := strings.Fields(normalized)
	return len(fields) <= 2 && genericDescriptions[fields[0]]
}

// trailingZeroDigits counts trailing zeros of the amount formatted with
// two decimals, decimal dot removed: 15000.00 has five.
func trailingZeroDigits(amount float64) int {
	formatted := strings.ReplaceAll(fmt.Sprintf("%.2f", amount), ".", "")
	count := 0
	for i := len(formatted) - 1; i >= 0; i-- {
		if formatted[i] != '0' {
			break
		}
		count++
	}
	return count
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
