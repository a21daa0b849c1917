package detection

import (
	"context"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/graph"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// Scope is the unit of work handed to a detector. Document-level detectors
// get the invoice plus the historical window; item-level detectors
// additionally get one line item and, when available, its classification.
type Scope struct {
	Invoice        *invoice.Invoice
	Item           *invoice.LineItem
	Classification *invoice.Classification
	History        []fraud.TransactionRecord
}

// ItemLevel discriminates the two detector granularities.
func (s Scope) ItemLevel() bool {
	return s.Item != nil
}

// Detector is the contract every detection strategy implements. Detect
// returns zero or more findings; an error means the detector could not
// run, and the orchestrator treats it as zero findings (fail-open).
type Detector interface {
	Name() string
	Method() fraud.DetectionMethod
	Detect(ctx context.Context, scope Scope) ([]fraud.Detection, error)
}

// ItemDetector marks detectors that run once per line item. Detectors not
// implementing it run once per document.
type ItemDetector interface {
	Detector
	ItemLevel() bool
}

// MarketPriceProvider serves the reference price table.
type MarketPriceProvider interface {
	// MarketStats returns the market distribution for a classification
	// code; ok is false when the table has no row for it.
	MarketStats(ctx context.Context, code values.NCM) (fraud.PriceStats, bool, error)
}

// TransactionHistory serves the historical invoice feed.
type TransactionHistory interface {
	// IssuerTransactions returns the issuer's invoices inside [since, until).
	IssuerTransactions(ctx context.Context, issuer values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error)
	// PartyTransactions returns invoices where the company appears as
	// issuer or recipient inside [since, until).
	PartyTransactions(ctx context.Context, party values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error)
	// PriceHistory reconstructs a price distribution for a code from past
	// line items; ok is false below the minimum sample size.
	PriceHistory(ctx context.Context, code values.NCM) (fraud.PriceStats, bool, error)
}

// TaxRateProvider serves combined tax rates per classification code.
type TaxRateProvider interface {
	// CombinedTaxRate returns the total rate for a code; ok is false when
	// unknown (callers fall back to the documented default).
	CombinedTaxRate(ctx context.Context, code values.NCM) (float64, bool, error)
}

// NCMCatalog serves the official descriptions of classification codes,
// used to compare declared item text against the nomenclature.
type NCMCatalog interface {
	OfficialDescription(ctx context.Context, code values.NCM) (string, bool, error)
}

// RelationshipProvider answers whether two companies are already known to
// be related (shared ownership, declared group membership).
type RelationshipProvider interface {
	KnownRelationship(ctx context.Context, a, b values.CNPJ) (bool, error)
}

// GraphProvider serves the counterparty transaction graph. Implementations
// rebuild it when the feed refreshes; the engine only reads.
type GraphProvider interface {
	TransactionGraph(ctx context.Context) (*graph.TransactionGraph, error)
}

// DetectionHistory reports prior confirmed findings per issuer, fed back
// from the analysis store.
type DetectionHistory interface {
	PriorDetectionCount(ctx context.Context, issuer values.CNPJ, kind fraud.FraudKind) (int, error)
}

// ContextAdjuster optionally refines a classification-divergence score
// with external context (an LLM, a specialist queue). Nil adjuster means
// rule-only scoring. Errors and timeouts fall back the same way.
type ContextAdjuster interface {
	// Adjust returns a score delta in [-20, 20] and a narrative
	// justification for the divergence.
	Adjust(ctx context.Context, scope Scope) (delta float64, justification string, err error)
}

// Refiner is the secondary pass the orchestrator runs over the whole
// document after the registry detectors, cross-checking items against
// patterns the single-purpose detectors do not see.
type Refiner interface {
	Refine(ctx context.Context, inv *invoice.Invoice, classifications invoice.ClassificationSet, history []fraud.TransactionRecord) ([]fraud.Detection, error)
}

// ResultCache stores consolidated results keyed by invoice content digest.
type ResultCache interface {
	// Get returns the cached result, or ok=false on absence, expiry or an
	// undecodable entry.
	Get(ctx context.Context, key string) (*fraud.AnalysisResult, bool)
	Set(ctx context.Context, key string, result *fraud.AnalysisResult) error
}
