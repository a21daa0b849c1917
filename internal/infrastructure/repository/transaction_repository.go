package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/graph"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// graphTTL bounds how stale the cached transaction graph may get. Rebuilding
// reads every stored transaction, so the collusion detector works against a
// snapshot rather than rebuilding per analysis.
const graphTTL = 15 * time.Minute

// priceHistoryMinSamples is the floor below which observed item prices are
// not a usable distribution and PriceHistory reports ok=false.
const priceHistoryMinSamples = 2

// TransactionRepository serves historical transaction lookups: issuer and
// counterparty windows for the behavioral detectors, observed price
// distributions per NCM, and the relationship graph for cycle detection.
type TransactionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger

	mu         sync.Mutex
	graph      *graph.TransactionGraph
	graphBuilt time.Time
}

// NewTransactionRepository creates a PostgreSQL-backed transaction provider.
func NewTransactionRepository(db *pgxpool.Pool, logger *zap.Logger) *TransactionRepository {
	return &TransactionRepository{db: db, logger: logger}
}

const transactionColumns = `access_key, issuer, recipient, total_value, issued_at, ncm_codes, cfops, items`

// IssuerTransactions returns the issuer's transactions in [since, until),
// oldest first.
func (r *TransactionRepository) IssuerTransactions(ctx context.Context, issuer values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE issuer = $1 AND issued_at >= $2 AND issued_at < $3
		ORDER BY issued_at`

	rows, err := r.db.Query(ctx, query, issuer, since, until)
	if err != nil {
		return nil, fmt.Errorf("querying issuer transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// PartyTransactions returns transactions where the company appears on
// either side, issuer or recipient, in [since, until), oldest first.
func (r *TransactionRepository) PartyTransactions(ctx context.Context, party values.CNPJ, since, until time.Time) ([]fraud.TransactionRecord, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE (issuer = $1 OR recipient = $1) AND issued_at >= $2 AND issued_at < $3
		ORDER BY issued_at`

	rows, err := r.db.Query(ctx, query, party, since, until)
	if err != nil {
		return nil, fmt.Errorf("querying party transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// PriceHistory builds a price distribution from the item values observed in
// stored transactions for the NCM code. Returns ok=false when fewer than
// priceHistoryMinSamples items were observed.
func (r *TransactionRepository) PriceHistory(ctx context.Context, code values.NCM) (fraud.PriceStats, bool, error) {
	// The containment clause lets the GIN index narrow the rows before the
	// per-item expansion filters and extracts the values.
	query := `
		SELECT (item->>'value')::float8
		FROM transactions, jsonb_array_elements(items) AS item
		WHERE items @> jsonb_build_array(jsonb_build_object('ncm', $1::text))
		  AND item->>'ncm' = $1
		  AND (item->>'value')::float8 > 0`

	rows, err := r.db.Query(ctx, query, code)
	if err != nil {
		return fraud.PriceStats{}, false, fmt.Errorf("querying price history for NCM %s: %w", code, err)
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var price float64
		if err := rows.Scan(&price); err != nil {
			return fraud.PriceStats{}, false, fmt.Errorf("scanning observed price: %w", err)
		}
		prices = append(prices, price)
	}
	if err := rows.Err(); err != nil {
		return fraud.PriceStats{}, false, fmt.Errorf("reading observed prices: %w", err)
	}

	if len(prices) < priceHistoryMinSamples {
		return fraud.PriceStats{}, false, nil
	}
	return fraud.StatsFromPrices(code, prices, fraud.PriceSourceHistory), true, nil
}

// TransactionGraph returns the directed issuer→recipient graph over all
// stored transactions. The graph is cached and rebuilt after graphTTL.
func (r *TransactionRepository) TransactionGraph(ctx context.Context) (*graph.TransactionGraph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.graph != nil && time.Since(r.graphBuilt) < graphTTL {
		return r.graph, nil
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		ORDER BY issued_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying transactions for graph: %w", err)
	}
	defer rows.Close()

	records, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}

	r.graph = graph.NewTransactionGraph(records)
	r.graphBuilt = time.Now()
	r.logger.Debug("transaction graph rebuilt",
		zap.Int("transactions", len(records)),
	)
	return r.graph, nil
}

// InvalidateGraph drops the cached graph so the next TransactionGraph call
// rebuilds it. Called after bulk transaction imports.
func (r *TransactionRepository) InvalidateGraph() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph = nil
}

// Store persists a transaction record. Reprocessing the same access key
// overwrites the previous row.
func (r *TransactionRepository) Store(ctx context.Context, record fraud.TransactionRecord) error {
	itemsJSON, err := json.Marshal(record.Items)
	if err != nil {
		return fmt.Errorf("marshaling transaction items: %w", err)
	}

	query := `
		INSERT INTO transactions (access_key, issuer, recipient, total_value, issued_at, ncm_codes, cfops, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (access_key) DO UPDATE SET
			issuer = EXCLUDED.issuer,
			recipient = EXCLUDED.recipient,
			total_value = EXCLUDED.total_value,
			issued_at = EXCLUDED.issued_at,
			ncm_codes = EXCLUDED.ncm_codes,
			cfops = EXCLUDED.cfops,
			items = EXCLUDED.items`

	_, err = r.db.Exec(ctx, query,
		record.AccessKey, record.Issuer, record.Recipient, record.TotalValue,
		record.IssuedAt, ncmStrings(record.NCMCodes), cfopStrings(record.CFOPs), itemsJSON,
	)
	if err != nil {
		return fmt.Errorf("storing transaction %s: %w", record.AccessKey, err)
	}
	return nil
}

func scanTransactions(rows pgx.Rows) ([]fraud.TransactionRecord, error) {
	var records []fraud.TransactionRecord
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading transactions: %w", err)
	}
	return records, nil
}

func scanTransaction(rows pgx.Rows) (fraud.TransactionRecord, error) {
	var (
		record    fraud.TransactionRecord
		ncmCodes  []string
		cfops     []string
		itemsJSON []byte
	)
	err := rows.Scan(
		&record.AccessKey, &record.Issuer, &record.Recipient,
		&record.TotalValue, &record.IssuedAt, &ncmCodes, &cfops, &itemsJSON,
	)
	if err != nil {
		return fraud.TransactionRecord{}, fmt.Errorf("scanning transaction: %w", err)
	}
	record.IssuedAt = record.IssuedAt.UTC()

	if record.NCMCodes, err = parseNCMs(ncmCodes); err != nil {
		return fraud.TransactionRecord{}, err
	}
	if record.CFOPs, err = parseCFOPs(cfops); err != nil {
		return fraud.TransactionRecord{}, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &record.Items); err != nil {
			return fraud.TransactionRecord{}, fmt.Errorf("decoding transaction items for %s: %w", record.AccessKey, err)
		}
	}
	return record, nil
}

func parseNCMs(raw []string) ([]values.NCM, error) {
	codes := make([]values.NCM, 0, len(raw))
	for _, s := range raw {
		code, err := values.NewNCM(s)
		if err != nil {
			return nil, fmt.Errorf("stored NCM code %q: %w", s, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func parseCFOPs(raw []string) ([]values.CFOP, error) {
	codes := make([]values.CFOP, 0, len(raw))
	for _, s := range raw {
		code, err := values.NewCFOP(s)
		if err != nil {
			return nil, fmt.Errorf("stored CFOP code %q: %w", s, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func ncmStrings(codes []values.NCM) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.String()
	}
	return out
}

func cfopStrings(codes []values.CFOP) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.String()
	}
	return out
}
