package invoice_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/testutil/fixtures"
)

func TestNewInvoice(t *testing.T) {
	accessKey := fixtures.AccessKeyFor(t, fixtures.DefaultIssuerCNPJ, "123")
	issuer := values.MustNewCNPJ(fixtures.DefaultIssuerCNPJ)
	recipient := values.MustNewCNPJ(fixtures.DefaultRecipientCNPJ)
	total := values.BRLFromFloat(1987.65)
	item := fixtures.NewLineItemBuilder(t).Build()

	tests := []struct {
		name      string
		accessKey values.AccessKey
		number    string
		issuedAt  time.Time
		issuer    values.CNPJ
		recipient values.CNPJ
		items     []invoice.LineItem
		wantErr   bool
	}{
		{
			name:      "valid invoice",
			accessKey: accessKey,
			number:    "123",
			issuedAt:  fixtures.DefaultIssuedAt,
			issuer:    issuer,
			recipient: recipient,
			items:     []invoice.LineItem{item},
		},
		{
			name:      "missing access key",
			number:    "123",
			issuedAt:  fixtures.DefaultIssuedAt,
			issuer:    issuer,
			recipient: recipient,
			items:     []invoice.LineItem{item},
			wantErr:   true,
		},
		{
			name:      "missing number",
			accessKey: accessKey,
			issuedAt:  fixtures.DefaultIssuedAt,
			issuer:    issuer,
			recipient: recipient,
			items:     []invoice.LineItem{item},
			wantErr:   true,
		},
		{
			name:      "missing issue time",
			accessKey: accessKey,
			number:    "123",
			issuer:    issuer,
			recipient: recipient,
			items:     []invoice.LineItem{item},
			wantErr:   true,
		},
		{
			name:      "missing issuer",
			accessKey: accessKey,
			number:    "123",
			issuedAt:  fixtures.DefaultIssuedAt,
			recipient: recipient,
			items:     []invoice.LineItem{item},
			wantErr:   true,
		},
		{
			name:      "missing recipient",
			accessKey: accessKey,
			number:    "123",
			issuedAt:  fixtures.DefaultIssuedAt,
			issuer:    issuer,
			items:     []invoice.LineItem{item},
			wantErr:   true,
		},
		{
			name:      "no items",
			accessKey: accessKey,
			number:    "123",
			issuedAt:  fixtures.DefaultIssuedAt,
			issuer:    issuer,
			recipient: recipient,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := invoice.NewInvoice(
				tt.accessKey, tt.number, "1", tt.issuedAt,
				tt.issuer, tt.recipient,
				total, total, values.BRLFromFloat(357.78),
				tt.items,
			)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, inv)
			assert.Equal(t, "123", inv.Number)
			assert.Equal(t, 1, inv.ItemCount())
		})
	}
}

func TestNewInvoice_ItemOrdinals(t *testing.T) {
	accessKey := fixtures.AccessKeyFor(t, fixtures.DefaultIssuerCNPJ, "123")
	issuer := values.MustNewCNPJ(fixtures.DefaultIssuerCNPJ)
	recipient := values.MustNewCNPJ(fixtures.DefaultRecipientCNPJ)
	total := values.BRLFromFloat(100)

	t.Run("zero ordinal rejected", func(t *testing.T) {
		item := fixtures.NewLineItemBuilder(t).WithNumber(0).Build()
		_, err := invoice.NewInvoice(accessKey, "123", "1", fixtures.DefaultIssuedAt,
			issuer, recipient, total, total, total, []invoice.LineItem{item})
		assert.Error(t, err)
	})

	t.Run("duplicate ordinal rejected", func(t *testing.T) {
		first := fixtures.NewLineItemBuilder(t).WithNumber(1).Build()
		second := fixtures.NewLineItemBuilder(t).WithNumber(1).Build()
		_, err := invoice.NewInvoice(accessKey, "123", "1", fixtures.DefaultIssuedAt,
			issuer, recipient, total, total, total, []invoice.LineItem{first, second})
		assert.Error(t, err)
	})
}

func TestInvoice_Item(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(1).WithDescription("FIRST").Build()).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(2).WithDescription("SECOND").Build()).
		Build()

	t.Run("found", func(t *testing.T) {
		item, ok := inv.Item(2)
		require.True(t, ok)
		assert.Equal(t, "SECOND", item.Description)
	})

	t.Run("missing", func(t *testing.T) {
		_, ok := inv.Item(9)
		assert.False(t, ok)
	})
}

func TestInvoice_SumItemTotals(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(1).WithUnitPrice(100.50).Build()).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(2).WithUnitPrice(200.25).WithQuantity(2).Build()).
		Build()

	sum := inv.SumItemTotals()
	assert.InDelta(t, 501.0, sum.ToFloat64(), 0.001)
}

func TestInvoice_NCMCodes(t *testing.T) {
	inv := fixtures.NewInvoiceBuilder(t).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(1).WithNCM("84713012").Build()).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(2).WithNCM("84713012").Build()).
		AddItem(fixtures.NewLineItemBuilder(t).WithNumber(3).WithNCM("09011110").Build()).
		Build()

	codes := inv.NCMCodes()
	require.Len(t, codes, 2)
	assert.Equal(t, "84713012", codes[0].String())
	assert.Equal(t, "09011110", codes[1].String())
}
