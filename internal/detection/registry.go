package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
)

// Registry holds the active detectors in registration order. Order is part
// of the contract: evidence lists and logs stay reproducible run to run.
type Registry struct {
	mu        sync.RWMutex
	names     map[string]bool
	detectors []Detector
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		names: make(map[string]bool),
	}
}

// Register adds a detector, rejecting duplicate names.
func (r *Registry) Register(d Detector) error {
	if d == nil {
		return errors.NewValidationError("NIL_DETECTOR", "cannot register a nil detector")
	}
	name := d.Name()
	if name == "" {
		return errors.NewValidationError("UNNAMED_DETECTOR", "detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.names[name] {
		return errors.Wrap(errors.ErrDuplicateDetector, fmt.Sprintf("detector %q", name))
	}
	r.names[name] = true
	r.detectors = append(r.detectors, d)
	return nil
}

// MustRegister registers and panics on error (for static wiring)
func (r *Registry) MustRegister(d Detector) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Detectors returns the registered detectors in registration order
func (r *Registry) Detectors() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Detector, len(r.detectors))
	copy(out, r.detectors)
	return out
}

// Len returns the number of registered detectors
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.detectors)
}

// DetectorOutcome is the captured result of one detector call. A failed
// outcome carries the reason and zero detections; the analysis keeps going.
type DetectorOutcome struct {
	Detector   string
	Detections []fraud.Detection
	Err        error
	Duration   time.Duration
}

// Failed reports whether the detector errored or panicked
func (o DetectorOutcome) Failed() bool {
	return o.Err != nil
}

// RunDetector executes one detector against a scope, converting panics
// into failed outcomes so a single bad strategy never aborts an analysis.
func RunDetector(ctx context.Context, d Detector, scope Scope) (outcome DetectorOutcome) {
	outcome.Detector = d.Name()
	start := time.Now()

	defer func() {
		outcome.Duration = time.Since(start)
		if r := recover(); r != nil {
			outcome.Detections = nil
			outcome.Err = errors.NewDetectorError(outcome.Detector,
				fmt.Sprintf("panic: %v", r))
		}
	}()

	detections, err := d.Detect(ctx, scope)
	if err != nil {
		outcome.Err = errors.NewDetectorError(outcome.Detector, err.Error()).WithCause(err)
		return outcome
	}
	outcome.Detections = detections
	return outcome
}
