package fraud_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
)

func TestRecommendedActions_Clean(t *testing.T) {
	actions := fraud.RecommendedActions(fraud.RiskLow, nil, 500)
	assert.Equal(t, []string{fraud.RoutineAction}, actions)
}

func TestRecommendedActions_TierBase(t *testing.T) {
	detections := []fraud.Detection{
		mustDetection(t, fraud.KindTemporalAnomaly, 50, nil),
	}

	t.Run("critical tier blocks", func(t *testing.T) {
		actions := fraud.RecommendedActions(fraud.RiskCritical, detections, 500)
		require.NotEmpty(t, actions)
		assert.Equal(t, "Block processing immediately", actions[0])
	})

	t.Run("high tier holds", func(t *testing.T) {
		actions := fraud.RecommendedActions(fraud.RiskHigh, detections, 500)
		assert.Contains(t, actions, "Hold for mandatory manual review")
	})

	t.Run("medium tier monitors", func(t *testing.T) {
		actions := fraud.RecommendedActions(fraud.RiskMedium, detections, 500)
		assert.Contains(t, actions, "Process under reinforced monitoring")
	})
}

func TestRecommendedActions_KindAddOns(t *testing.T) {
	detections := []fraud.Detection{
		mustDetection(t, fraud.KindUnderpricing, 60, nil),
		mustDetection(t, fraud.KindWrongClassification, 55, nil),
	}

	actions := fraud.RecommendedActions(fraud.RiskMedium, detections, 500)

	assert.Contains(t, actions, "Validate prices against the market table")
	assert.Contains(t, actions, "Review the product classification with a specialist")
	assert.NotContains(t, actions, "Investigate the relationship between the parties")
}

func TestRecommendedActions_HighValue(t *testing.T) {
	detections := []fraud.Detection{
		mustDetection(t, fraud.KindValueSplitting, 60, nil),
	}

	t.Run("above threshold", func(t *testing.T) {
		actions := fraud.RecommendedActions(fraud.RiskMedium, detections, 150_000)
		assert.Contains(t, actions, "Escalate to supervision due to high value")
	})

	t.Run("at threshold", func(t *testing.T) {
		actions := fraud.RecommendedActions(fraud.RiskMedium, detections, 100_000)
		assert.NotContains(t, actions, "Escalate to supervision due to high value")
	})
}

func TestRecommendedActions_Deterministic(t *testing.T) {
	detections := []fraud.Detection{
		mustDetection(t, fraud.KindWrongClassification, 55, nil),
		mustDetection(t, fraud.KindUnderpricing, 60, nil),
		mustDetection(t, fraud.KindUnderpricing, 45, nil),
	}

	first := fraud.RecommendedActions(fraud.RiskHigh, detections, 500)

	// Reversed detection order must not change the output.
	reversed := []fraud.Detection{detections[2], detections[1], detections[0]}
	second := fraud.RecommendedActions(fraud.RiskHigh, reversed, 500)

	assert.Equal(t, first, second)

	seen := map[string]int{}
	for _, a := range first {
		seen[a]++
	}
	for action, count := range seen {
		assert.Equal(t, 1, count, "duplicate action %q", action)
	}
}
