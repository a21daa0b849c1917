package fixtures

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// Default parties used across fixtures
const (
	DefaultIssuerCNPJ    = "12345678000195"
	DefaultRecipientCNPJ = "98765432000110"
	DefaultNCM           = "84713012"
	DefaultCFOP          = "5102"
)

// DefaultIssuedAt is a Tuesday mid-morning: no temporal rule fires on it.
var DefaultIssuedAt = time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)

// AccessKeyFor derives a syntactically valid access key embedding the
// issuer at the documented positions, unique per invoice number.
func AccessKeyFor(t *testing.T, issuerCNPJ, number string) values.AccessKey {
	t.Helper()
	n := padDigits(number, 9)
	suffix := "55001" + n + padDigits(number, 10)
	key, err := values.NewAccessKey("352506" + issuerCNPJ + suffix)
	require.NoError(t, err)
	return key
}

// padDigits left-pads the digits of s with zeros to width, truncating from
// the left when longer.
func padDigits(s string, width int) string {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) > width {
		digits = digits[len(digits)-width:]
	}
	for len(digits) < width {
		digits = append([]byte{'0'}, digits...)
	}
	return string(digits)
}

// LineItemBuilder builds test line items
type LineItemBuilder struct {
	t            *testing.T
	number       int
	description  string
	declaredNCM  string
	predictedNCM string
	cfop         string
	quantity     float64
	unit         string
	unitPrice    float64
	totalPrice   *float64
	taxRate      float64
	taxAmount    *float64
}

// NewLineItemBuilder creates a LineItemBuilder with clean defaults: the
// price is deliberately non-round and the tax math exact, so the item on
// its own trips no consistency rule.
func NewLineItemBuilder(t *testing.T) *LineItemBuilder {
	t.Helper()
	return &LineItemBuilder{
		t:           t,
		number:      1,
		description: "NOTEBOOK DELL INSPIRON 15 8GB",
		declaredNCM: DefaultNCM,
		cfop:        DefaultCFOP,
		quantity:    1,
		unit:        "UN",
		unitPrice:   1987.65,
		taxRate:     0.18,
	}
}

func (b *LineItemBuilder) WithNumber(number int) *LineItemBuilder {
	b.number = number
	return b
}

func (b *LineItemBuilder) WithDescription(description string) *LineItemBuilder {
	b.description = description
	return b
}

func (b *LineItemBuilder) WithNCM(code string) *LineItemBuilder {
	b.declaredNCM = code
	return b
}

func (b *LineItemBuilder) WithPredictedNCM(code string) *LineItemBuilder {
	b.predictedNCM = code
	return b
}

func (b *LineItemBuilder) WithCFOP(code string) *LineItemBuilder {
	b.cfop = code
	return b
}

func (b *LineItemBuilder) WithQuantity(quantity float64) *LineItemBuilder {
	b.quantity = quantity
	return b
}

func (b *LineItemBuilder) WithUnitPrice(price float64) *LineItemBuilder {
	b.unitPrice = price
	return b
}

// WithTotalPrice overrides the derived quantity x unit total
func (b *LineItemBuilder) WithTotalPrice(total float64) *LineItemBuilder {
	b.totalPrice = &total
	return b
}

func (b *LineItemBuilder) WithTaxRate(rate float64) *LineItemBuilder {
	b.taxRate = rate
	return b
}

// WithTaxAmount overrides the derived rate x total tax
func (b *LineItemBuilder) WithTaxAmount(tax float64) *LineItemBuilder {
	b.taxAmount = &tax
	return b
}

// Build creates the LineItem
func (b *LineItemBuilder) Build() invoice.LineItem {
	total := b.quantity * b.unitPrice
	if b.totalPrice != nil {
		total = *b.totalPrice
	}
	tax := b.taxRate * total
	if b.taxAmount != nil {
		tax = *b.taxAmount
	}

	item := invoice.LineItem{
		Number:      b.number,
		Description: b.description,
		CFOP:        values.MustNewCFOP(b.cfop),
		Quantity:    b.quantity,
		Unit:        b.unit,
		UnitPrice:   values.BRLFromFloat(b.unitPrice),
		TotalPrice:  values.BRLFromFloat(total),
		TaxRate:     b.taxRate,
		TaxAmount:   values.BRLFromFloat(tax),
	}
	if b.declaredNCM != "" {
		item.DeclaredNCM = values.MustNewNCM(b.declaredNCM)
	}
	if b.predictedNCM != "" {
		item.PredictedNCM = values.MustNewNCM(b.predictedNCM)
	}
	return item
}

// InvoiceBuilder builds test invoices
type InvoiceBuilder struct {
	t         *testing.T
	accessKey *values.AccessKey
	number    string
	series    string
	issuedAt  time.Time
	issuer    string
	recipient string
	items     []invoice.LineItem
	total     *float64
	goods     *float64
	tax       *float64
}

// NewInvoiceBuilder creates an InvoiceBuilder with defaults that produce a
// clean, consistent document: totals derived from the items, weekday
// business-hours issue time.
func NewInvoiceBuilder(t *testing.T) *InvoiceBuilder {
	t.Helper()
	return &InvoiceBuilder{
		t:         t,
		number:    "123",
		series:    "1",
		issuedAt:  DefaultIssuedAt,
		issuer:    DefaultIssuerCNPJ,
		recipient: DefaultRecipientCNPJ,
	}
}

func (b *InvoiceBuilder) WithAccessKey(key values.AccessKey) *InvoiceBuilder {
	b.accessKey = &key
	return b
}

func (b *InvoiceBuilder) WithNumber(number string) *InvoiceBuilder {
	b.number = number
	return b
}

func (b *InvoiceBuilder) WithIssuedAt(issuedAt time.Time) *InvoiceBuilder {
	b.issuedAt = issuedAt
	return b
}

func (b *InvoiceBuilder) WithIssuer(cnpj string) *InvoiceBuilder {
	b.issuer = cnpj
	return b
}

func (b *InvoiceBuilder) WithRecipient(cnpj string) *InvoiceBuilder {
	b.recipient = cnpj
	return b
}

// WithItems replaces the item list
func (b *InvoiceBuilder) WithItems(items ...invoice.LineItem) *InvoiceBuilder {
	b.items = items
	return b
}

// AddItem appends an item, assigning the next ordinal when unset
func (b *InvoiceBuilder) AddItem(item invoice.LineItem) *InvoiceBuilder {
	if item.Number == 0 {
		item.Number = len(b.items) + 1
	}
	b.items = append(b.items, item)
	return b
}

// WithTotal overrides the derived invoice total
func (b *InvoiceBuilder) WithTotal(total float64) *InvoiceBuilder {
	b.total = &total
	return b
}

// WithGoodsAmount overrides the derived goods value
func (b *InvoiceBuilder) WithGoodsAmount(goods float64) *InvoiceBuilder {
	b.goods = &goods
	return b
}

// WithTaxAmount overrides the derived tax total
func (b *InvoiceBuilder) WithTaxAmount(tax float64) *InvoiceBuilder {
	b.tax = &tax
	return b
}

// Build creates the Invoice
func (b *InvoiceBuilder) Build() *invoice.Invoice {
	items := b.items
	if len(items) == 0 {
		items = []invoice.LineItem{NewLineItemBuilder(b.t).Build()}
	}

	var itemSum, taxSum float64
	for _, item := range items {
		itemSum += item.TotalPrice.ToFloat64()
		taxSum += item.TaxAmount.ToFloat64()
	}

	total := itemSum
	if b.total != nil {
		total = *b.total
	}
	goods := itemSum
	if b.goods != nil {
		goods = *b.goods
	}
	tax := taxSum
	if b.tax != nil {
		tax = *b.tax
	}

	accessKey := AccessKeyFor(b.t, b.issuer, b.number)
	if b.accessKey != nil {
		accessKey = *b.accessKey
	}

	inv, err := invoice.NewInvoice(
		accessKey,
		b.number,
		b.series,
		b.issuedAt,
		values.MustNewCNPJ(b.issuer),
		values.MustNewCNPJ(b.recipient),
		values.BRLFromFloat(total),
		values.BRLFromFloat(goods),
		values.BRLFromFloat(tax),
		items,
	)
	require.NoError(b.t, err)
	return inv
}
