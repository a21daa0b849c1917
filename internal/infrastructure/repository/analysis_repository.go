package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// AnalysisRepository persists analysis results, one row per analysis plus
// one row per detection. It also feeds PriorDetectionCount back into the
// counterparty detector, closing the loop between stored findings and new
// scoring.
type AnalysisRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewAnalysisRepository creates a PostgreSQL-backed analysis store.
func NewAnalysisRepository(db *pgxpool.Pool, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{db: db, logger: logger}
}

// Save stores the result and its detections in one transaction.
func (r *AnalysisRepository) Save(ctx context.Context, result *fraud.AnalysisResult) error {
	if result == nil {
		return stderrors.New("result is required")
	}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		query := `
			INSERT INTO analyses (
				id, access_key, invoice_number, issuer, risk_score, risk_level,
				suspect_items, actions, analyzed_at, processing_ms
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

		_, err := tx.Exec(ctx, query,
			result.ID, result.AccessKey, result.InvoiceNumber, result.Issuer,
			result.RiskScore, result.RiskLevel, result.SuspectItems,
			result.Actions, result.AnalyzedAt, result.ProcessingTime.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("inserting analysis row: %w", err)
		}

		for position, det := range result.Detections {
			if err := insertDetection(ctx, tx, result.ID, position, det); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving analysis %s: %w", result.ID, err)
	}

	r.logger.Debug("analysis saved",
		zap.String("analysis_id", result.ID.String()),
		zap.Int("detections", len(result.Detections)),
	)
	return nil
}

func insertDetection(ctx context.Context, tx pgx.Tx, analysisID uuid.UUID, position int, det fraud.Detection) error {
	detailsJSON, err := json.Marshal(det.Details)
	if err != nil {
		return fmt.Errorf("marshaling detection details: %w", err)
	}

	query := `
		INSERT INTO analysis_detections (
			analysis_id, position, kind, method, score, confidence,
			justification, evidence, item_number, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = tx.Exec(ctx, query,
		analysisID, position, det.Kind, det.Method, det.Score, det.Confidence,
		det.Justification, det.Evidence, det.ItemNumber, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting detection row: %w", err)
	}
	return nil
}

// GetByID loads one analysis with its detections. Returns ErrNotFound when
// no analysis has the id.
func (r *AnalysisRepository) GetByID(ctx context.Context, id uuid.UUID) (*fraud.AnalysisResult, error) {
	query := `
		SELECT id, access_key, invoice_number, issuer, risk_score, risk_level,
		       suspect_items, actions, analyzed_at, processing_ms
		FROM analyses
		WHERE id = $1`

	result, err := scanAnalysis(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying analysis %s: %w", id, err)
	}

	if result.Detections, err = r.loadDetections(ctx, id); err != nil {
		return nil, err
	}
	return result, nil
}

// ListRecent returns the newest analyses, detections included, newest first.
func (r *AnalysisRepository) ListRecent(ctx context.Context, limit int) ([]*fraud.AnalysisResult, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, access_key, invoice_number, issuer, risk_score, risk_level,
		       suspect_items, actions, analyzed_at, processing_ms
		FROM analyses
		ORDER BY analyzed_at DESC, id
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent analyses: %w", err)
	}
	defer rows.Close()

	var results []*fraud.AnalysisResult
	for rows.Next() {
		result, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning analysis row: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading analyses: %w", err)
	}

	for _, result := range results {
		if result.Detections, err = r.loadDetections(ctx, result.ID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// PriorDetectionCount counts stored findings of one kind against an issuer.
// Implements detection.DetectionHistory.
func (r *AnalysisRepository) PriorDetectionCount(ctx context.Context, issuer values.CNPJ, kind fraud.FraudKind) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM analysis_detections d
		JOIN analyses a ON a.id = d.analysis_id
		WHERE a.issuer = $1 AND d.kind = $2`

	var count int
	if err := r.db.QueryRow(ctx, query, issuer, kind).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting prior detections: %w", err)
	}
	return count, nil
}

func (r *AnalysisRepository) loadDetections(ctx context.Context, analysisID uuid.UUID) ([]fraud.Detection, error) {
	query := `
		SELECT kind, method, score, confidence, justification, evidence, item_number, details
		FROM analysis_detections
		WHERE analysis_id = $1
		ORDER BY position`

	rows, err := r.db.Query(ctx, query, analysisID)
	if err != nil {
		return nil, fmt.Errorf("querying detections for %s: %w", analysisID, err)
	}
	defer rows.Close()

	var detections []fraud.Detection
	for rows.Next() {
		var (
			det         fraud.Detection
			detailsJSON []byte
		)
		err := rows.Scan(
			&det.Kind, &det.Method, &det.Score, &det.Confidence,
			&det.Justification, &det.Evidence, &det.ItemNumber, &detailsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning detection row: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &det.Details); err != nil {
				return nil, fmt.Errorf("decoding detection details: %w", err)
			}
		}
		detections = append(detections, det)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading detections: %w", err)
	}
	return detections, nil
}

// scanAnalysis reads one analyses row from either QueryRow or Query rows.
func scanAnalysis(row pgx.Row) (*fraud.AnalysisResult, error) {
	var (
		result       fraud.AnalysisResult
		processingMS int64
		analyzedAt   time.Time
	)
	err := row.Scan(
		&result.ID, &result.AccessKey, &result.InvoiceNumber, &result.Issuer,
		&result.RiskScore, &result.RiskLevel, &result.SuspectItems,
		&result.Actions, &analyzedAt, &processingMS,
	)
	if err != nil {
		return nil, err
	}
	result.AnalyzedAt = analyzedAt.UTC()
	result.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	return &result, nil
}
