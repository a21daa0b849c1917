package detection

import (
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// RecordFromInvoice reduces an analyzed document to its historical-feed
// row. Callers append it after analysis so the invoice becomes visible to
// future window and graph lookups.
func RecordFromInvoice(inv *invoice.Invoice) fraud.TransactionRecord {
	items := make([]fraud.TransactionItem, 0, len(inv.Items))
	seenCFOP := make(map[string]bool, len(inv.Items))
	cfops := make([]values.CFOP, 0, len(inv.Items))

	for _, item := range inv.Items {
		items = append(items, fraud.TransactionItem{
			Description: item.Description,
			Value:       item.TotalPriceFloat(),
			NCM:         item.DeclaredNCM,
		})
		if item.CFOP.IsEmpty() || seenCFOP[item.CFOP.String()] {
			continue
		}
		seenCFOP[item.CFOP.String()] = true
		cfops = append(cfops, item.CFOP)
	}

	return fraud.TransactionRecord{
		Issuer:     inv.Issuer,
		Recipient:  inv.Recipient,
		AccessKey:  inv.AccessKey,
		TotalValue: inv.TotalAmount.ToFloat64(),
		IssuedAt:   inv.IssuedAt,
		NCMCodes:   inv.NCMCodes(),
		CFOPs:      cfops,
		Items:      items,
	}
}
