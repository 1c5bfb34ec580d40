package compliance

import "math"

// Thresholds are percentages of riders wearing a helmet
const (
	goodThreshold     = 80.0
	moderateThreshold = 50.0
)

// TierInfo is the fixed presentation metadata for a tier
type TierInfo struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Icon    string `json:"icon"`
	Tone    string `json:"tone"` // success, warning, danger
}

var tierTable = map[Tier]TierInfo{
	TierNoData: {
		Title:   "NO DATA",
		Message: "No riders detected",
		Icon:    "⚠️",
		Tone:    "warning",
	},
	TierPerfect: {
		Title:   "🎉 PERFECT",
		Message: "Every rider is wearing a helmet",
		Icon:    "✅",
		Tone:    "success",
	},
	TierGood: {
		Title:   "👍 GOOD",
		Message: "Most riders are wearing a helmet",
		Icon:    "👍",
		Tone:    "success",
	},
	TierModerate: {
		Title:   "⚠️ MODERATE",
		Message: "Many riders are not wearing a helmet",
		Icon:    "⚠️",
		Tone:    "warning",
	},
	TierCritical: {
		Title:   "🚨 CRITICAL",
		Message: "Most riders are not wearing a helmet - HIGH RISK",
		Icon:    "❌",
		Tone:    "danger",
	},
}

var tierSeverity = map[Tier]int{
	TierNoData:   0,
	TierPerfect:  1,
	TierGood:     2,
	TierModerate: 3,
	TierCritical: 4,
}

// Info returns the static presentation metadata for t
func (t Tier) Info() TierInfo {
	return tierTable[t]
}

// Severity orders tiers from no data (0) to critical (4)
func (t Tier) Severity() int {
	return tierSeverity[t]
}

// Tiers lists every tier in severity order
func Tiers() []Tier {
	return []Tier{TierNoData, TierPerfect, TierGood, TierModerate, TierCritical}
}

// ClassifyCompliance maps a rider count pair to a compliance tier.
// The zero-rider case is checked first so the rate is never divided by zero.
func ClassifyCompliance(withHelmet, noHelmet uint) Assessment {
	total := withHelmet + noHelmet
	if total == 0 {
		return Assessment{Tier: TierNoData}
	}

	rate := 100 * float64(withHelmet) / float64(total)

	var tier Tier
	switch {
	case rate == 100:
		tier = TierPerfect
	case rate >= goodThreshold:
		tier = TierGood
	case rate >= moderateThreshold:
		tier = TierModerate
	default:
		tier = TierCritical
	}

	return Assessment{
		TotalRiders: total,
		Rate:        &rate,
		Tier:        tier,
	}
}

// SummarizeDetections returns the per-class display counters for a result.
// Counts are taken from the result as-is, the detail list is not consulted.
func SummarizeDetections(result DetectionResult) DisplayStats {
	total := result.WithHelmetCount + result.NoHelmetCount + result.MotorcycleCount

	rate := 0
	if total > 0 {
		rate = int(math.Round(100 * float64(result.WithHelmetCount) / float64(total)))
	}

	return DisplayStats{
		WithHelmet:     result.WithHelmetCount,
		NoHelmet:       result.NoHelmetCount,
		Motorcycle:     result.MotorcycleCount,
		Total:          total,
		ComplianceRate: rate,
	}
}

// Assess computes both views of a result for rendering
func Assess(result DetectionResult) Report {
	assessment := ClassifyCompliance(result.WithHelmetCount, result.NoHelmetCount)
	return Report{
		Stats:      SummarizeDetections(result),
		Assessment: assessment,
		TierInfo:   assessment.Info(),
	}
}
