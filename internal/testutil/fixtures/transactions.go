package fixtures

import (
	"testing"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// TransactionBuilder builds historical feed rows
type TransactionBuilder struct {
	t         *testing.T
	issuer    string
	recipient string
	accessKey string
	value     float64
	issuedAt  time.Time
	ncmCodes  []string
	cfops     []string
	items     []fraud.TransactionItem
}

// NewTransactionBuilder creates a TransactionBuilder with defaults matching
// the invoice fixtures, one day before DefaultIssuedAt.
func NewTransactionBuilder(t *testing.T) *TransactionBuilder {
	t.Helper()
	return &TransactionBuilder{
		t:         t,
		issuer:    DefaultIssuerCNPJ,
		recipient: DefaultRecipientCNPJ,
		value:     1987.65,
		issuedAt:  DefaultIssuedAt.Add(-24 * time.Hour),
		ncmCodes:  []string{DefaultNCM},
	}
}

func (b *TransactionBuilder) WithIssuer(cnpj string) *TransactionBuilder {
	b.issuer = cnpj
	return b
}

func (b *TransactionBuilder) WithRecipient(cnpj string) *TransactionBuilder {
	b.recipient = cnpj
	return b
}

func (b *TransactionBuilder) WithAccessKey(key string) *TransactionBuilder {
	b.accessKey = key
	return b
}

func (b *TransactionBuilder) WithValue(value float64) *TransactionBuilder {
	b.value = value
	return b
}

func (b *TransactionBuilder) WithIssuedAt(issuedAt time.Time) *TransactionBuilder {
	b.issuedAt = issuedAt
	return b
}

func (b *TransactionBuilder) WithNCMCodes(codes ...string) *TransactionBuilder {
	b.ncmCodes = codes
	return b
}

func (b *TransactionBuilder) WithCFOPs(codes ...string) *TransactionBuilder {
	b.cfops = codes
	return b
}

// AddItem appends a per-item tuple to the record
func (b *TransactionBuilder) AddItem(description string, value float64, ncm string) *TransactionBuilder {
	item := fraud.TransactionItem{Description: description, Value: value}
	if ncm != "" {
		item.NCM = values.MustNewNCM(ncm)
	}
	b.items = append(b.items, item)
	return b
}

// Build creates the TransactionRecord
func (b *TransactionBuilder) Build() fraud.TransactionRecord {
	record := fraud.TransactionRecord{
		Issuer:     values.MustNewCNPJ(b.issuer),
		Recipient:  values.MustNewCNPJ(b.recipient),
		TotalValue: b.value,
		IssuedAt:   b.issuedAt,
		Items:      b.items,
	}

	key := b.accessKey
	if key == "" {
		record.AccessKey = AccessKeyFor(b.t, b.issuer, b.issuedAt.Format("20060102150405"))
	} else {
		record.AccessKey = values.MustNewAccessKey(key)
	}

	for _, code := range b.ncmCodes {
		record.NCMCodes = append(record.NCMCodes, values.MustNewNCM(code))
	}
	for _, code := range b.cfops {
		record.CFOPs = append(record.CFOPs, values.MustNewCFOP(code))
	}
	return record
}

// TransactionSet builds n records from the same issuer to the same
// recipient, spaced by interval ending just before end.
func TransactionSet(t *testing.T, issuer, recipient string, n int, value float64, end time.Time, interval time.Duration) []fraud.TransactionRecord {
	t.Helper()
	records := make([]fraud.TransactionRecord, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, NewTransactionBuilder(t).
			WithIssuer(issuer).
			WithRecipient(recipient).
			WithValue(value).
			WithIssuedAt(end.Add(-time.Duration(i)*interval)).
			Build())
	}
	return records
}
