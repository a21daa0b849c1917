package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// ReferenceRepository serves the reference tables the detectors read:
// market price distributions, combined tax rates, the NCM catalog and
// known company relationships. Every lookup is fail-soft; an absent row
// comes back as ok=false so detectors can skip rather than abort.
type ReferenceRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewReferenceRepository creates a PostgreSQL-backed reference provider.
func NewReferenceRepository(db *pgxpool.Pool, logger *zap.Logger) *ReferenceRepository {
	return &ReferenceRepository{db: db, logger: logger}
}

// MarketStats returns the market price distribution for an NCM code.
func (r *ReferenceRepository) MarketStats(ctx context.Context, code values.NCM) (fraud.PriceStats, bool, error) {
	query := `
		SELECT mean_price, min_price, max_price, std_dev, sample_count
		FROM market_prices
		WHERE ncm = $1`

	stats := fraud.PriceStats{NCM: code, Source: fraud.PriceSourceMarket}
	err := r.db.QueryRow(ctx, query, code).Scan(
		&stats.Mean, &stats.Min, &stats.Max, &stats.Std, &stats.SampleCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return fraud.PriceStats{}, false, nil
	}
	if err != nil {
		return fraud.PriceStats{}, false, fmt.Errorf("querying market prices for NCM %s: %w", code, err)
	}
	return stats, true, nil
}

// CombinedTaxRate returns the expected combined tax burden for an NCM code
// as a fraction of the item value.
func (r *ReferenceRepository) CombinedTaxRate(ctx context.Context, code values.NCM) (float64, bool, error) {
	query := `
		SELECT combined_rate
		FROM tax_rates
		WHERE ncm = $1`

	var rate float64
	err := r.db.QueryRow(ctx, query, code).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying tax rate for NCM %s: %w", code, err)
	}
	return rate, true, nil
}

// OfficialDescription returns the catalog description for an NCM code.
func (r *ReferenceRepository) OfficialDescription(ctx context.Context, code values.NCM) (string, bool, error) {
	query := `
		SELECT description
		FROM ncm_catalog
		WHERE code = $1`

	var description string
	err := r.db.QueryRow(ctx, query, code).Scan(&description)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying NCM catalog for %s: %w", code, err)
	}
	return description, true, nil
}

// KnownRelationship reports whether two companies have a registered
// relationship. The pair is stored once; the lookup is symmetric.
func (r *ReferenceRepository) KnownRelationship(ctx context.Context, a, b values.CNPJ) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM company_relationships
			WHERE (cnpj_a = $1 AND cnpj_b = $2)
			   OR (cnpj_a = $2 AND cnpj_b = $1)
		)`

	var known bool
	if err := r.db.QueryRow(ctx, query, a, b).Scan(&known); err != nil {
		return false, fmt.Errorf("querying company relationship: %w", err)
	}
	return known, nil
}
