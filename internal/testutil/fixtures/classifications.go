package fixtures

import (
	"testing"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// ClassificationBuilder builds classifier outputs for line items
type ClassificationBuilder struct {
	t          *testing.T
	itemNumber int
	predicted  string
	declared   string
	confidence float64
	rationale  string
}

// NewClassificationBuilder creates a ClassificationBuilder that agrees with
// the default line item: same code predicted and declared, high confidence.
func NewClassificationBuilder(t *testing.T) *ClassificationBuilder {
	t.Helper()
	return &ClassificationBuilder{
		t:          t,
		itemNumber: 1,
		predicted:  DefaultNCM,
		declared:   DefaultNCM,
		confidence: 0.95,
	}
}

func (b *ClassificationBuilder) WithItemNumber(number int) *ClassificationBuilder {
	b.itemNumber = number
	return b
}

func (b *ClassificationBuilder) WithPredicted(code string) *ClassificationBuilder {
	b.predicted = code
	return b
}

func (b *ClassificationBuilder) WithDeclared(code string) *ClassificationBuilder {
	b.declared = code
	return b
}

func (b *ClassificationBuilder) WithConfidence(confidence float64) *ClassificationBuilder {
	b.confidence = confidence
	return b
}

func (b *ClassificationBuilder) WithRationale(rationale string) *ClassificationBuilder {
	b.rationale = rationale
	return b
}

// Build creates the Classification
func (b *ClassificationBuilder) Build() invoice.Classification {
	c := invoice.Classification{
		ItemNumber: b.itemNumber,
		Confidence: b.confidence,
		Rationale:  b.rationale,
	}
	if b.predicted != "" {
		c.PredictedNCM = values.MustNewNCM(b.predicted)
	}
	if b.declared != "" {
		c.DeclaredNCM = values.MustNewNCM(b.declared)
	}
	return c
}

// ClassificationSetFor indexes the given classifications by item ordinal
func ClassificationSetFor(t *testing.T, classifications ...invoice.Classification) invoice.ClassificationSet {
	t.Helper()
	set := make(invoice.ClassificationSet, len(classifications))
	for _, c := range classifications {
		set[c.ItemNumber] = c
	}
	return set
}
