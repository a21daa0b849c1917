package invoice

import (
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// Classification is the predicted product code for one line item, produced
// by an upstream classifier. Confidence is the classifier's own estimate
// and gates whether divergence detectors trust the prediction.
type Classification struct {
	ItemNumber   int          `json:"item_number"`
	PredictedNCM values.NCM   `json:"predicted_ncm"`
	DeclaredNCM  values.NCM   `json:"declared_ncm,omitempty"`
	Confidence   float64      `json:"confidence"`
	Rationale    string       `json:"rationale,omitempty"`
	Alternatives []values.NCM `json:"alternatives,omitempty"`
}

// NewClassification validates the item reference and clamps confidence to [0,1].
func NewClassification(itemNumber int, predicted values.NCM, confidence float64) (Classification, error) {
	if itemNumber < 1 {
		return Classification{}, errors.NewValidationError("INVALID_ITEM_NUMBER",
			"classification item number must be 1-based")
	}
	if predicted.IsEmpty() {
		return Classification{}, errors.NewValidationError("MISSING_PREDICTED_NCM",
			"classification requires a predicted code")
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Classification{
		ItemNumber:   itemNumber,
		PredictedNCM: predicted,
		Confidence:   confidence,
	}, nil
}

// Diverges reports whether the declared and predicted codes disagree.
// Either side missing means there is nothing to disagree about.
func (c Classification) Diverges() bool {
	if c.DeclaredNCM.IsEmpty() || c.PredictedNCM.IsEmpty() {
		return false
	}
	return !c.DeclaredNCM.Equal(c.PredictedNCM)
}

// CategoryChanged reports whether the divergence crosses the 4-digit
// position boundary, i.e. the prediction moved the item to another family.
func (c Classification) CategoryChanged() bool {
	return c.Diverges() && !c.DeclaredNCM.SameCategory(c.PredictedNCM)
}

// ClassificationSet indexes classifications by line-item ordinal.
type ClassificationSet map[int]Classification

// NewClassificationSet builds the index, rejecting duplicate item references.
func NewClassificationSet(classifications []Classification) (ClassificationSet, error) {
	set := make(ClassificationSet, len(classifications))
	for _, c := range classifications {
		if _, ok := set[c.ItemNumber]; ok {
			return nil, errors.NewValidationError("DUPLICATE_CLASSIFICATION",
				"more than one classification for the same item")
		}
		set[c.ItemNumber] = c
	}
	return set, nil
}

// ClassificationsFromItems derives a set from predicted codes carried inline
// on the line items, for callers that skip the standalone classifier payload.
// Inline predictions carry no classifier confidence; 1.0 means "declared as
// predicted by the document itself".
func ClassificationsFromItems(inv *Invoice) ClassificationSet {
	set := make(ClassificationSet)
	for _, item := range inv.Items {
		if item.PredictedNCM.IsEmpty() {
			continue
		}
		set[item.Number] = Classification{
			ItemNumber:   item.Number,
			PredictedNCM: item.PredictedNCM,
			DeclaredNCM:  item.DeclaredNCM,
			Confidence:   1.0,
		}
	}
	return set
}

// ForItem returns the classification for an item ordinal, if present.
func (s ClassificationSet) ForItem(number int) (Classification, bool) {
	c, ok := s[number]
	return c, ok
}

// WithDeclared returns a copy of the set where each classification's declared
// code is filled in from the matching invoice item when absent.
func (s ClassificationSet) WithDeclared(inv *Invoice) ClassificationSet {
	out := make(ClassificationSet, len(s))
	for number, c := range s {
		if c.DeclaredNCM.IsEmpty() {
			if item, ok := inv.Item(number); ok {
				c.DeclaredNCM = item.DeclaredNCM
			}
		}
		out[number] = c
	}
	return out
}
