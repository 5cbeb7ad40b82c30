package atp

// DefaultMinRetentionRatio is the fraction of actually-consumed ATP that
// is always retained by the ledger at finalization, regardless of refund
// policy. It prevents an entity from provisioning real resources, failing
// deliberately, and recovering the cost.
const DefaultMinRetentionRatio = 0.5

// Rolling 24h refund allowances per entity.
const (
	DefaultMaxRefundEvents = 10
	DefaultMaxRefundATP    = 1000.0
)

// computeRefund returns the policy refund for a finalized sequence before
// the per-entity rolling allowance is applied.
//
// For every policy the refund draws only from the unused reservation
// (reserved − consumed), minus any committed resource cost, and the total
// retained can never drop below minRetention × consumed.
func computeRefund(seq *Sequence, success bool, minRetention float64) float64 {
	unused := seq.Reserved - seq.Consumed
	if unused < 0 {
		unused = 0
	}

	var refund float64
	switch seq.Policy {
	case RefundNone:
		return 0
	case RefundFull:
		refund = unused - seq.Committed
	case RefundTiered:
		if success {
			refund = unused - seq.Committed
		} else {
			// More iterations used, smaller refund.
			completion := 0.0
			if seq.MaxIterations > 0 {
				completion = float64(seq.Iterations) / float64(seq.MaxIterations)
			}
			refund = unused*(1-completion) - seq.Committed
		}
	default:
		return 0
	}
	if refund < 0 {
		refund = 0
	}

	// Retention floor: retained = reserved − refund must cover both the
	// committed cost and the minimum fraction of consumed ATP.
	maxRefund := seq.Reserved - seq.Committed - minRetention*seq.Consumed
	if maxRefund < 0 {
		maxRefund = 0
	}
	if refund > maxRefund {
		refund = maxRefund
	}
	return refund
}

// iterationOutcome decides the verdict for one iteration after its cost
// has been charged. The budget check happens before charging, in the
// service, so Consumed <= Reserved holds at all times.
func iterationOutcome(seq *Sequence, energy float64) (Outcome, string) {
	if energy <= seq.ConvergenceTarget {
		return OutcomeConverged, ""
	}
	if seq.Iterations >= seq.MaxIterations {
		return OutcomeTimeout, "max iterations reached"
	}
	return OutcomeContinue, ""
}

// shouldCheckpoint reports whether this iteration takes a checkpoint:
// always on the fixed cadence, always when the convergence target is met.
func shouldCheckpoint(iteration int, outcome Outcome, cadence int) bool {
	if outcome == OutcomeConverged {
		return true
	}
	return cadence > 0 && iteration%cadence == 0
}
