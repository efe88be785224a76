// Package classify maps raw model scores onto operator-facing risk tiers.
package classify

import "math"

// RiskTier grades how far a score sits from the decision boundary.
type RiskTier string

const (
	RiskLow    RiskTier = "LOW"
	RiskMedium RiskTier = "MEDIUM"
	RiskHigh   RiskTier = "HIGH"
)

// Decision is the interpreted form of one raw score under one threshold.
type Decision struct {
	Tier      RiskTier
	Flagged   bool
	RawScore  float64
	Threshold float64
}

// Classify interprets rawScore against threshold. Risk is a function of the
// margin between score and boundary, not the score alone: breakpoints at one
// and two units of model-score dispersion from the boundary. Moving a score
// further from the boundary never lowers its tier.
func Classify(rawScore, threshold, unit float64) Decision {
	margin := math.Abs(rawScore - threshold)

	tier := RiskLow
	switch {
	case margin > 2*unit:
		tier = RiskHigh
	case margin > unit:
		tier = RiskMedium
	}

	return Decision{
		Tier:      tier,
		Flagged:   rawScore >= threshold,
		RawScore:  rawScore,
		Threshold: threshold,
	}
}
