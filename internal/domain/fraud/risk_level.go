package fraud

// RiskLevel is the operational tier an overall score maps to. Tiers drive
// the recommended actions, so the boundaries are part of the contract:
// [0,30] low, (30,60] medium, (60,85] high, (85,100] critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) String() string {
	return string(r)
}

// RiskLevelForScore maps a consolidated score to its tier.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score <= 30:
		return RiskLow
	case score <= 60:
		return RiskMedium
	case score <= 85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// AtLeast reports whether the level is the given severity or worse
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}
