package invoice

import (
	"fmt"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// Invoice is a parsed NF-e document: the unit every analysis runs over.
// Invoices are inputs, not mutable entities; nothing in the engine writes
// to one after construction.
type Invoice struct {
	AccessKey     values.AccessKey `json:"access_key"`
	Number        string           `json:"number"`
	Series        string           `json:"series"`
	IssuedAt      time.Time        `json:"issued_at"`
	Issuer        values.CNPJ      `json:"issuer"`
	IssuerName    string           `json:"issuer_name,omitempty"`
	Recipient     values.CNPJ      `json:"recipient"`
	RecipientName string           `json:"recipient_name,omitempty"`
	TotalAmount   values.Money     `json:"total_amount"`
	GoodsAmount   values.Money     `json:"goods_amount"`
	TaxAmount     values.Money     `json:"tax_amount"`
	Items         []LineItem       `json:"items"`
}

// LineItem is one product line of an invoice. Number is the 1-based
// ordinal within the document; detectors reference items by it.
//
// Suspicious values (zero prices, absurd quantities) are deliberately
// constructible: rejecting them at the door would hide exactly the
// documents the detectors exist to score.
type LineItem struct {
	Number       int          `json:"number"`
	Description  string       `json:"description"`
	DeclaredNCM  values.NCM   `json:"declared_ncm"`
	PredictedNCM values.NCM   `json:"predicted_ncm,omitempty"`
	CFOP         values.CFOP  `json:"cfop"`
	Quantity     float64      `json:"quantity"`
	Unit         string       `json:"unit,omitempty"`
	UnitPrice    values.Money `json:"unit_price"`
	TotalPrice   values.Money `json:"total_price"`
	TaxRate      float64      `json:"tax_rate,omitempty"`
	TaxAmount    values.Money `json:"tax_amount,omitempty"`
	EAN          string       `json:"ean,omitempty"`
}

// NewInvoice validates identity fields and returns an immutable document.
func NewInvoice(
	accessKey values.AccessKey,
	number, series string,
	issuedAt time.Time,
	issuer, recipient values.CNPJ,
	total, goods, tax values.Money,
	items []LineItem,
) (*Invoice, error) {
	inv := &Invoice{
		AccessKey:   accessKey,
		Number:      number,
		Series:      series,
		IssuedAt:    issuedAt,
		Issuer:      issuer,
		Recipient:   recipient,
		TotalAmount: total,
		GoodsAmount: goods,
		TaxAmount:   tax,
		Items:       items,
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Validate enforces the identity rules on a document, whether built by
// NewInvoice or decoded from JSON.
func (inv *Invoice) Validate() error {
	if inv.AccessKey.IsEmpty() {
		return errors.NewValidationError("MISSING_ACCESS_KEY",
			"invoice access key is required")
	}
	if inv.Number == "" {
		return errors.NewValidationError("MISSING_NUMBER",
			"invoice number is required")
	}
	if inv.IssuedAt.IsZero() {
		return errors.NewValidationError("MISSING_ISSUE_TIME",
			"invoice issue time is required")
	}
	if inv.Issuer.IsEmpty() {
		return errors.NewValidationError("MISSING_ISSUER",
			"invoice issuer is required")
	}
	if inv.Recipient.IsEmpty() {
		return errors.NewValidationError("MISSING_RECIPIENT",
			"invoice recipient is required")
	}
	if len(inv.Items) == 0 {
		return errors.ErrEmptyInvoice
	}

	seen := make(map[int]bool, len(inv.Items))
	for _, item := range inv.Items {
		if item.Number < 1 {
			return errors.NewValidationError("INVALID_ITEM_NUMBER",
				fmt.Sprintf("item number must be 1-based, got %d", item.Number))
		}
		if seen[item.Number] {
			return errors.NewValidationError("DUPLICATE_ITEM_NUMBER",
				fmt.Sprintf("item number %d appears more than once", item.Number))
		}
		seen[item.Number] = true
	}
	return nil
}

// ItemCount returns the number of line items
func (inv *Invoice) ItemCount() int {
	return len(inv.Items)
}

// Item looks up a line item by its 1-based ordinal
func (inv *Invoice) Item(number int) (*LineItem, bool) {
	for i := range inv.Items {
		if inv.Items[i].Number == number {
			return &inv.Items[i], true
		}
	}
	return nil, false
}

// SumItemTotals adds up the declared line totals
func (inv *Invoice) SumItemTotals() values.Money {
	sum := values.Zero(values.BRL)
	for _, item := range inv.Items {
		if item.TotalPrice.IsZero() {
			continue
		}
		added, err := sum.Add(item.TotalPrice)
		if err != nil {
			// Mixed currencies in one document never validate upstream;
			// skip rather than fail a pure aggregation.
			continue
		}
		sum = added
	}
	return sum
}

// NCMCodes returns the distinct declared classification codes on the document
func (inv *Invoice) NCMCodes() []values.NCM {
	seen := make(map[string]bool, len(inv.Items))
	codes := make([]values.NCM, 0, len(inv.Items))
	for _, item := range inv.Items {
		if item.DeclaredNCM.IsEmpty() || seen[item.DeclaredNCM.String()] {
			continue
		}
		seen[item.DeclaredNCM.String()] = true
		codes = append(codes, item.DeclaredNCM)
	}
	return codes
}

// UnitPriceFloat returns the unit price as float64 for statistical scoring
func (li *LineItem) UnitPriceFloat() float64 {
	return li.UnitPrice.ToFloat64()
}

// TotalPriceFloat returns the line total as float64 for statistical scoring
func (li *LineItem) TotalPriceFloat() float64 {
	return li.TotalPrice.ToFloat64()
}
