// Package detection is the engine core: the detector contract, the
// registry, the orchestrator that runs an analysis end to end, and the
// consolidation that turns raw findings into one verdict.
package detection

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
)

var validate = validator.New()

// ServiceConfig tunes the orchestrator itself. Detector thresholds live in
// the detectors' own configs.
type ServiceConfig struct {
	// HistoryWindow bounds the historical feed loaded per analysis; it must
	// cover the longest window any detector uses. Zero disables history.
	HistoryWindow time.Duration `koanf:"history_window" validate:"min=0"`
	// BatchWorkers caps the batch pool; zero means GOMAXPROCS.
	BatchWorkers int `koanf:"batch_workers" validate:"min=0"`
}

// DefaultServiceConfig covers the 180-day reappearance window, the longest
// any stock detector looks back.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HistoryWindow: 180 * 24 * time.Hour,
	}
}

// Service is the orchestrator collaborators call. One instance is safe for
// concurrent use: all mutable state is inside the cache and the per-key
// flight group.
type Service struct {
	cfg      ServiceConfig
	registry *Registry
	refiner  Refiner
	cache    ResultCache
	history  TransactionHistory
	clock    invoice.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  serviceMetrics
	flight   singleflight.Group
}

// serviceMetrics are the engine's own instruments; they flow through the
// installed meter provider, a no-op when telemetry is disabled.
type serviceMetrics struct {
	analyses        metric.Int64Counter
	analysisSeconds metric.Float64Histogram
	detectorSeconds metric.Float64Histogram
	detectorFails   metric.Int64Counter
}

func newServiceMetrics(meter metric.Meter) (serviceMetrics, error) {
	analyses, err := meter.Int64Counter("detection.analyses",
		metric.WithDescription("Completed analyses by risk level"))
	if err != nil {
		return serviceMetrics{}, err
	}
	analysisSeconds, err := meter.Float64Histogram("detection.analysis.duration",
		metric.WithDescription("End-to-end analysis duration"),
		metric.WithUnit("s"))
	if err != nil {
		return serviceMetrics{}, err
	}
	detectorSeconds, err := meter.Float64Histogram("detection.detector.duration",
		metric.WithDescription("Per-detector call duration"),
		metric.WithUnit("s"))
	if err != nil {
		return serviceMetrics{}, err
	}
	detectorFails, err := meter.Int64Counter("detection.detector.failures",
		metric.WithDescription("Detector calls degraded to zero findings"))
	if err != nil {
		return serviceMetrics{}, err
	}
	return serviceMetrics{
		analyses:        analyses,
		analysisSeconds: analysisSeconds,
		detectorSeconds: detectorSeconds,
		detectorFails:   detectorFails,
	}, nil
}

// NewService wires the orchestrator. The registry is required; refiner,
// cache and history are optional and degrade to "skip that stage".
func NewService(
	cfg ServiceConfig,
	registry *Registry,
	refiner Refiner,
	cache ResultCache,
	history TransactionHistory,
	clock invoice.Clock,
	logger *slog.Logger,
) (*Service, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.NewValidationError("INVALID_SERVICE_CONFIG", err.Error())
	}
	if registry == nil {
		return nil, errors.NewValidationError("NIL_REGISTRY", "orchestrator requires a detector registry")
	}
	if clock == nil {
		clock = invoice.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newServiceMetrics(otel.Meter("nfe-fraud-engine/detection"))
	if err != nil {
		return nil, errors.WrapWithCode(err, "METRICS_INIT_FAILED", "building detection instruments")
	}

	return &Service{
		cfg:      cfg,
		registry: registry,
		refiner:  refiner,
		cache:    cache,
		history:  history,
		clock:    clock,
		logger:   logger,
		tracer:   otel.Tracer("nfe-fraud-engine/detection"),
		metrics:  metrics,
	}, nil
}

// Analyze is the sole entry point: cache lookup, then a per-key
// single-flight build so concurrent callers analyzing the same invoice
// compute at most once.
func (s *Service) Analyze(ctx context.Context, inv *invoice.Invoice, classifications invoice.ClassificationSet) (*fraud.AnalysisResult, error) {
	if inv == nil {
		return nil, errors.NewValidationError("NIL_INVOICE", "invoice is required")
	}

	ctx, span := s.tracer.Start(ctx, "detection.analyze", trace.WithAttributes(
		attribute.String("invoice.access_key", inv.AccessKey.String()),
		attribute.Int("invoice.items", inv.ItemCount()),
	))
	defer span.End()

	key, err := CacheKey(inv, classifications)
	if err != nil {
		s.logger.WarnContext(ctx, "cache key computation failed, analyzing uncached",
			"access_key", inv.AccessKey.String(), "error", err)
		return s.analyze(ctx, inv, classifications)
	}
	span.SetAttributes(attribute.String("cache.key", key))

	if s.cache == nil {
		return s.analyze(ctx, inv, classifications)
	}

	if cached, ok := s.cache.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		s.logger.DebugContext(ctx, "analysis served from cache",
			"access_key", inv.AccessKey.String(), "cache_key", key)
		return cached, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	v, err, shared := s.flight.Do(key, func() (interface{}, error) {
		// A concurrent flight may have written the entry between our miss
		// and joining the group.
		if cached, ok := s.cache.Get(ctx, key); ok {
			return cached, nil
		}

		result, err := s.analyze(ctx, inv, classifications)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, result); err != nil {
			s.logger.WarnContext(ctx, "failed to cache analysis result",
				"cache_key", key, "error", err)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		span.SetAttributes(attribute.Bool("cache.shared_flight", true))
	}
	return v.(*fraud.AnalysisResult), nil
}

// analyze runs the full pipeline for one invoice: registry detectors at
// document scope, item detectors per line, the refinement pass, then
// consolidation. Detector failures are logged and skipped.
func (s *Service) analyze(ctx context.Context, inv *invoice.Invoice, classifications invoice.ClassificationSet) (*fraud.AnalysisResult, error) {
	start := s.clock.Now()

	history, err := s.loadHistory(ctx, inv)
	if err != nil {
		s.logger.WarnContext(ctx, "transaction history unavailable, analyzing without it",
			"access_key", inv.AccessKey.String(), "error", err)
		history = nil
	}

	detections := s.runDetectors(ctx, inv, classifications, history)

	if s.refiner != nil {
		refined, err := s.refiner.Refine(ctx, inv, classifications, history)
		if err != nil {
			s.logger.WarnContext(ctx, "refinement pass failed, keeping registry findings",
				"access_key", inv.AccessKey.String(), "error", err)
		} else {
			detections = append(detections, refined...)
		}
	}

	finished := s.clock.Now()
	result := Consolidate(inv, detections, finished, finished.Sub(start))

	s.metrics.analyses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("risk_level", result.RiskLevel.String())))
	s.metrics.analysisSeconds.Record(ctx, result.ProcessingTime.Seconds())

	s.logger.InfoContext(ctx, "analysis complete",
		"access_key", inv.AccessKey.String(),
		"risk_score", result.RiskScore,
		"risk_level", result.RiskLevel.String(),
		"detections", len(result.Detections),
		"suspect_items", len(result.SuspectItems),
		"elapsed", result.ProcessingTime,
	)
	return result, nil
}

// runDetectors executes every registered detector at document scope, then
// the item-level ones once per line item, in registration order.
func (s *Service) runDetectors(ctx context.Context, inv *invoice.Invoice, classifications invoice.ClassificationSet, history []fraud.TransactionRecord) []fraud.Detection {
	var detections []fraud.Detection

	docScope := Scope{Invoice: inv, History: history}
	for _, d := range s.registry.Detectors() {
		detections = append(detections, s.run(ctx, d, docScope)...)
	}

	for i := range inv.Items {
		item := &inv.Items[i]
		scope := Scope{Invoice: inv, Item: item, History: history}
		if cls, ok := classifications.ForItem(item.Number); ok {
			scope.Classification = &cls
		}

		for _, d := range s.registry.Detectors() {
			itemDet, ok := d.(ItemDetector)
			if !ok || !itemDet.ItemLevel() {
				continue
			}
			detections = append(detections, s.run(ctx, d, scope)...)
		}
	}
	return detections
}

// run executes one detector call inside its own span, converting failures
// into zero findings.
func (s *Service) run(ctx context.Context, d Detector, scope Scope) []fraud.Detection {
	ctx, span := s.tracer.Start(ctx, "detector."+d.Name(), trace.WithAttributes(
		attribute.Bool("item_level", scope.ItemLevel()),
	))
	defer span.End()

	outcome := RunDetector(ctx, d, scope)
	span.SetAttributes(attribute.Int("detections", len(outcome.Detections)))
	s.metrics.detectorSeconds.Record(ctx, outcome.Duration.Seconds(),
		metric.WithAttributes(attribute.String("detector", d.Name())))
	if outcome.Failed() {
		s.metrics.detectorFails.Add(ctx, 1,
			metric.WithAttributes(attribute.String("detector", d.Name())))
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
		s.logger.WarnContext(ctx, "detector failed, skipping its findings",
			"detector", outcome.Detector,
			"item_level", scope.ItemLevel(),
			"duration", outcome.Duration,
			"error", outcome.Err,
		)
		return nil
	}
	return outcome.Detections
}

// loadHistory pulls every record either party appears on inside the
// configured window, deduplicated by access key and sorted by issue time.
// Individual detectors narrow this window to their own lookback.
func (s *Service) loadHistory(ctx context.Context, inv *invoice.Invoice) ([]fraud.TransactionRecord, error) {
	if s.history == nil || s.cfg.HistoryWindow <= 0 {
		return nil, nil
	}
	since := inv.IssuedAt.Add(-s.cfg.HistoryWindow)

	issuerSide, err := s.history.PartyTransactions(ctx, inv.Issuer, since, inv.IssuedAt)
	if err != nil {
		return nil, err
	}
	recipientSide, err := s.history.PartyTransactions(ctx, inv.Recipient, since, inv.IssuedAt)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(issuerSide)+len(recipientSide))
	merged := make([]fraud.TransactionRecord, 0, len(issuerSide)+len(recipientSide))
	for _, r := range append(issuerSide, recipientSide...) {
		key := r.AccessKey.String()
		if key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].IssuedAt.Before(merged[j].IssuedAt)
	})
	return merged, nil
}
