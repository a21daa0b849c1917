package fraud

// RoutineAction is what a clean invoice gets.
const RoutineAction = "Proceed with routine processing"

// HighValueThreshold is the invoice total above which every non-clean
// result escalates to supervision.
const HighValueThreshold = 100_000.0

var baseActions = map[RiskLevel][]string{
	RiskCritical: {
		"Block processing immediately",
		"Escalate to specialized tax audit",
		"Notify the competent authority if confirmed",
	},
	RiskHigh: {
		"Hold for mandatory manual review",
		"Request supporting documentation",
		"Review the issuer's full transaction history",
	},
	RiskMedium: {
		"Process under reinforced monitoring",
		"Schedule a later review",
		"Add to the watch list",
	},
	RiskLow: {
		RoutineAction,
	},
}

var kindActions = map[FraudKind][]string{
	KindUnderpricing: {
		"Validate prices against the market table",
		"Request commercial justification for the discount",
	},
	KindWrongClassification: {
		"Review the product classification with a specialist",
		"Check the product's classification history",
		"Consider reclassification and tax recalculation",
	},
	KindCounterpartyCollusion: {
		"Investigate the relationship between the parties",
		"Analyze the financial flow between the companies",
		"Verify the commercial purpose of the operations",
	},
}

const highValueAction = "Escalate to supervision due to high value"

// RecommendedActions produces the deterministic action list for a verdict:
// the tier's base actions, add-ons for each scheme that fired, and the
// high-value escalation. Order is stable and duplicates are removed so the
// same result always renders the same list.
func RecommendedActions(level RiskLevel, detections []Detection, totalValue float64) []string {
	if len(detections) == 0 {
		return []string{RoutineAction}
	}

	actions := make([]string, 0, 8)
	seen := make(map[string]bool)
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			actions = append(actions, a)
		}
	}

	for _, a := range baseActions[level] {
		add(a)
	}

	// Kind add-ons in the fixed scheme order, not detection order, so the
	// list does not depend on which detector happened to run first.
	for _, kind := range []FraudKind{KindUnderpricing, KindWrongClassification, KindCounterpartyCollusion} {
		if !hasKind(detections, kind) {
			continue
		}
		for _, a := range kindActions[kind] {
			add(a)
		}
	}

	if totalValue > HighValueThreshold {
		add(highValueAction)
	}

	return actions
}

func hasKind(detections []Detection, kind FraudKind) bool {
	for _, d := range detections {
		if d.Kind == kind {
			return true
		}
	}
	return false
}
