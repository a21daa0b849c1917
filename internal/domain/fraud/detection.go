package fraud

import (
	"fmt"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
)

// FraudKind identifies the scheme a detection points at. Kinds are stable
// wire names: cached results and API payloads round-trip through them.
type FraudKind string

const (
	KindUnderpricing          FraudKind = "underpricing"
	KindWrongClassification   FraudKind = "wrong_classification"
	KindCounterpartyCollusion FraudKind = "counterparty_collusion"
	KindValueSplitting        FraudKind = "value_splitting"
	KindCounterpartyRisk      FraudKind = "counterparty_risk"
	KindTemporalAnomaly       FraudKind = "temporal_anomaly"
	KindValueInconsistency    FraudKind = "value_inconsistency"
)

var validKinds = map[FraudKind]bool{
	KindUnderpricing:          true,
	KindWrongClassification:   true,
	KindCounterpartyCollusion: true,
	KindValueSplitting:        true,
	KindCounterpartyRisk:      true,
	KindTemporalAnomaly:       true,
	KindValueInconsistency:    true,
}

func (k FraudKind) String() string {
	return string(k)
}

// IsValid reports whether the kind is one of the known schemes
func (k FraudKind) IsValid() bool {
	return validKinds[k]
}

// DetectionMethod records how a detection was produced.
type DetectionMethod string

const (
	MethodRule        DetectionMethod = "rule"
	MethodStatistical DetectionMethod = "statistical"
	MethodHybrid      DetectionMethod = "hybrid"
	MethodPattern     DetectionMethod = "pattern"
)

func (m DetectionMethod) String() string {
	return string(m)
}

// Detection is a single finding: one scheme, one score, the evidence that
// produced it. Score is 0-100, confidence 0-1; both are clamped at
// construction so downstream consolidation never sees out-of-range input.
type Detection struct {
	Kind          FraudKind         `json:"kind"`
	Score         float64           `json:"score"`
	Confidence    float64           `json:"confidence"`
	Justification string            `json:"justification"`
	Evidence      []string          `json:"evidence"`
	Method        DetectionMethod   `json:"method"`
	ItemNumber    *int              `json:"item_number,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// NewDetection builds a validated finding. Empty evidence is rejected:
// a score nobody can explain is not actionable.
func NewDetection(
	kind FraudKind,
	score, confidence float64,
	justification string,
	evidence []string,
	method DetectionMethod,
) (Detection, error) {
	if !kind.IsValid() {
		return Detection{}, errors.NewValidationError("INVALID_FRAUD_KIND",
			fmt.Sprintf("unknown fraud kind: %s", kind))
	}
	if len(evidence) == 0 {
		return Detection{}, errors.NewValidationError("EMPTY_EVIDENCE",
			"detection requires at least one piece of evidence")
	}

	return Detection{
		Kind:          kind,
		Score:         ClampScore(score),
		Confidence:    ClampConfidence(confidence),
		Justification: justification,
		Evidence:      evidence,
		Method:        method,
	}, nil
}

// ForItem returns a copy bound to a line-item ordinal
func (d Detection) ForItem(number int) Detection {
	d.ItemNumber = &number
	return d
}

// WithDetail returns a copy carrying an extra key/value annotation
func (d Detection) WithDetail(key, value string) Detection {
	details := make(map[string]string, len(d.Details)+1)
	for k, v := range d.Details {
		details[k] = v
	}
	details[key] = value
	d.Details = details
	return d
}

// ClampScore bounds a raw score to [0,100]
func ClampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ClampConfidence bounds a raw confidence to [0,1]
func ClampConfidence(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}
