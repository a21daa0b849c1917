package detection

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
)

// BatchItem pairs one invoice with its optional classification map.
type BatchItem struct {
	Invoice         *invoice.Invoice
	Classifications invoice.ClassificationSet
}

// BatchResult is the outcome at one batch position. Err is per-invoice:
// one bad document does not fail the batch.
type BatchResult struct {
	Index  int
	Result *fraud.AnalysisResult
	Err    error
}

// AnalyzeBatch fans the items out over a bounded worker pool and returns
// results in input order. Cancellation is honored at invoice boundaries:
// items not yet started when the context dies come back with ctx.Err(),
// and in-flight analyses run to completion.
func (s *Service) AnalyzeBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	results := make([]BatchResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchWorkers())

	for i, item := range items {
		results[i].Index = i
		g.Go(func() error {
			select {
			case <-gctx.Done():
				results[i].Err = gctx.Err()
				return gctx.Err()
			default:
			}

			res, err := s.Analyze(gctx, item.Invoice, item.Classifications)
			results[i].Result, results[i].Err = res, err
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

func (s *Service) batchWorkers() int {
	if s.cfg.BatchWorkers > 0 {
		return s.cfg.BatchWorkers
	}
	return runtime.GOMAXPROCS(0)
}
