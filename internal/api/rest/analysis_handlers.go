package rest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/cache"
)

const (
	maxAnalyzeBody = 1 << 20  // one invoice
	maxBatchBody   = 16 << 20 // a batch of invoices
	maxBatchItems  = 100

	defaultListLimit = 20
	maxListLimit     = 100
)

// analyzeRequest is one invoice plus the optional upstream classifier
// output. Decoding into domain types runs the value-object validation;
// the handler adds the document-level checks on top.
type analyzeRequest struct {
	Invoice         *invoice.Invoice         `json:"invoice"`
	Classifications []invoice.Classification `json:"classifications,omitempty"`
}

type batchAnalyzeRequest struct {
	Items []analyzeRequest `json:"items"`
}

type batchEntryResponse struct {
	Index    int                   `json:"index"`
	Analysis *fraud.AnalysisResult `json:"analysis,omitempty"`
	Error    *ErrorResponse        `json:"error,omitempty"`
}

type batchResponse struct {
	Results   []batchEntryResponse `json:"results"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
}

type listResponse struct {
	Analyses []*fraud.AnalysisResult `json:"analyses"`
	Count    int                     `json:"count"`
}

type analysisHandler struct {
	analyzer     Analyzer
	analyses     AnalysisStore
	transactions TransactionStore
	cacheStats   cache.StatsProvider
	logger       *slog.Logger
}

// handleAnalyze runs one invoice through the engine, persists the verdict
// and appends the invoice to the historical feed.
func (h *analysisHandler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req analyzeRequest
	if err := decodeJSON(w, r, maxAnalyzeBody, &req); err != nil {
		writeError(ctx, w, h.logger, err)
		return
	}
	set, err := req.validate()
	if err != nil {
		writeError(ctx, w, h.logger, err)
		return
	}

	result, err := h.analyzer.Analyze(ctx, req.Invoice, set)
	if err != nil {
		writeError(ctx, w, h.logger, err)
		return
	}

	if h.analyses != nil {
		if err := h.analyses.Save(ctx, result); err != nil {
			writeError(ctx, w, h.logger,
				errors.WrapWithCode(err, "STORE_FAILED", "persisting analysis result failed"))
			return
		}
	}
	h.appendToFeed(r, req.Invoice)

	w.Header().Set("Location", "/api/v1/analyses/"+result.ID.String())
	respond(ctx, w, h.logger, http.StatusCreated, result)
}

// handleAnalyzeBatch fans a batch out over the engine's worker pool.
// Failures are per item; the endpoint itself fails only on malformed
// input or a dead request context.
func (h *analysisHandler) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req batchAnalyzeRequest
	if err := decodeJSON(w, r, maxBatchBody, &req); err != nil {
		writeError(ctx, w, h.logger, err)
		return
	}
	if len(req.Items) == 0 {
		writeError(ctx, w, h.logger,
			errors.NewValidationError("EMPTY_BATCH", "batch contains no items"))
		return
	}
	if len(req.Items) > maxBatchItems {
		writeError(ctx, w, h.logger,
			errors.NewValidationError("BATCH_TOO_LARGE",
				fmt.Sprintf("batch exceeds %d items", maxBatchItems)))
		return
	}

	entries := make([]batchEntryResponse, len(req.Items))
	items := make([]detection.BatchItem, 0, len(req.Items))
	submitted := make([]int, 0, len(req.Items))

	for i, item := range req.Items {
		entries[i].Index = i
		set, err := item.validate()
		if err != nil {
			_, entries[i].Error = mapError(err)
			continue
		}
		items = append(items, detection.BatchItem{
			Invoice:         item.Invoice,
			Classifications: set,
		})
		submitted = append(submitted, i)
	}

	results, err := h.analyzer.AnalyzeBatch(ctx, items)
	if err != nil {
		writeError(ctx, w, h.logger, err)
		return
	}

	for pos, res := range results {
		i := submitted[pos]
		if res.Err != nil {
			_, entries[i].Error = mapError(res.Err)
			continue
		}
		if h.analyses != nil {
			if err := h.analyses.Save(ctx, res.Result); err != nil {
				h.logger.ErrorContext(ctx, "persisting batch result failed",
					"access_key", res.Result.AccessKey, "error", err)
				_, entries[i].Error = mapError(
					errors.WrapWithCode(err, "STORE_FAILED", "persisting analysis result failed"))
				continue
			}
		}
		entries[i].Analysis = res.Result
		h.appendToFeed(r, req.Items[i].Invoice)
	}

	resp := batchResponse{Results: entries}
	for _, e := range entries {
		if e.Error != nil {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	respond(ctx, w, h.logger, http.StatusOK, resp)
}

func (h *analysisHandler) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(ctx, w, h.logger,
			errors.NewValidationError("INVALID_ANALYSIS_ID", "analysis id must be a UUID"))
		return
	}
	if h.analyses == nil {
		writeError(ctx, w, h.logger,
			errors.NewInternalError("analysis store is not configured"))
		return
	}

	result, err := h.analyses.GetByID(ctx, id)
	if err != nil {
		writeError(ctx, w, h.logger, err)
		return
	}
	respond(ctx, w, h.logger, http.StatusOK, result)
}

func (h *analysisHandler) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(ctx, w, h.logger,
				errors.NewValidationError("INVALID_LIMIT", "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxListLimit)
	}
	if h.analyses == nil {
		writeError(ctx, w, h.logger,
			errors.NewInternalError("analysis store is not configured"))
		return
	}

	results, err := h.analyses.ListRecent(ctx, limit)
	if err != nil {
		writeError(ctx, w, h.logger, err)
		return
	}
	respond(ctx, w, h.logger, http.StatusOK, listResponse{
		Analyses: results,
		Count:    len(results),
	})
}

func (h *analysisHandler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cacheStats == nil {
		writeError(ctx, w, h.logger,
			errors.NewInternalError("cache stats provider is not configured"))
		return
	}
	stats, err := h.cacheStats.Stats(ctx)
	if err != nil {
		writeError(ctx, w, h.logger, err)
		return
	}
	respond(ctx, w, h.logger, http.StatusOK, stats)
}

// appendToFeed records the analyzed invoice as history. Best effort: the
// verdict already stands, so a feed failure is logged, not surfaced.
func (h *analysisHandler) appendToFeed(r *http.Request, inv *invoice.Invoice) {
	if h.transactions == nil {
		return
	}
	if err := h.transactions.Store(r.Context(), detection.RecordFromInvoice(inv)); err != nil {
		h.logger.WarnContext(r.Context(), "appending invoice to transaction feed failed",
			"access_key", inv.AccessKey.String(), "error", err)
	}
}

// validate applies the document-level rules a JSON decode cannot and
// builds the classification set.
func (r *analyzeRequest) validate() (invoice.ClassificationSet, error) {
	if r.Invoice == nil {
		return nil, errors.NewValidationError("MISSING_INVOICE", "invoice is required")
	}
	if err := r.Invoice.Validate(); err != nil {
		return nil, err
	}
	return invoice.NewClassificationSet(r.Classifications)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return nil
}
