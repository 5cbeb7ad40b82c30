package batcher

// Per-event base deltas. Nudges are fixed-magnitude: the positive base is
// multiplied by the event-kind weight, failures additionally by the
// penalty factor. The quadratic trust scaling of negative deltas is
// applied later, at flush time, against the then-current stored scores.
const (
	baseCompetence  = 0.002
	baseConsistency = 0.001
	baseTemperament = 0.001

	baseVeracity  = 0.002
	baseValidity  = 0.001
	baseValuation = 0.001

	// Failures nudge harder than successes reward.
	failurePenaltyFactor = 2.5
)

// kindWeight maps an event kind to a delta multiplier. Unknown kinds use
// the routine weight. The heaviest kind keeps the largest single nudge at
// 0.02 (0.002 * 10).
func kindWeight(kind string) float64 {
	switch kind {
	case "critical":
		return 10
	case "significant":
		return 5
	case "minor":
		return 0.5
	default: // "routine" and anything unrecognized
		return 1
	}
}

func actionDeltas(kind string, success bool) (competence, consistency, temperament float64) {
	w := kindWeight(kind)
	competence = baseCompetence * w
	consistency = baseConsistency * w
	temperament = baseTemperament * w
	if !success {
		competence *= -failurePenaltyFactor
		consistency *= -failurePenaltyFactor
		temperament *= -failurePenaltyFactor
	}
	return competence, consistency, temperament
}

func transactionDeltas(kind string, value float64, verified bool) (veracity, validity, valuation float64) {
	w := kindWeight(kind)
	veracity = baseVeracity * w
	validity = baseValidity * w
	valuation = baseValuation * w
	if value < 0 {
		valuation = -valuation
	}
	if !verified {
		// Unverified transactions count against veracity and carry no
		// validity credit.
		veracity *= -failurePenaltyFactor
		validity = 0
	}
	return veracity, validity, valuation
}
