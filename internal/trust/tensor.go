// Package trust implements the trust tensor model: two three-dimensional
// score vectors per (entity, organization) pair, composite scoring, and
// reputation levels.
//
// All six scalars are bounded to [0,1]. Composite scores and levels are
// pure functions of the stored scalars and are computed on read; they are
// never persisted, so they cannot drift from the underlying values.
package trust

// CapabilityTensor scores how an entity performs actions.
type CapabilityTensor struct {
	Competence  float64 `json:"competence"`
	Consistency float64 `json:"consistency"`
	Temperament float64 `json:"temperament"`
}

// TransactionTensor scores how an entity behaves in transactions.
type TransactionTensor struct {
	Veracity  float64 `json:"veracity"`
	Validity  float64 `json:"validity"`
	Valuation float64 `json:"valuation"`
}

// Weights are the per-dimension weights used to fold a tensor into a
// composite score. They must sum to 1.
type Weights [3]float64

// DefaultCapabilityWeights weight consistency slightly above the other
// two capability dimensions.
var DefaultCapabilityWeights = Weights{0.3, 0.4, 0.3}

// DefaultTransactionWeights weight veracity above validity and valuation.
var DefaultTransactionWeights = Weights{0.4, 0.3, 0.3}

// Composite returns the weighted sum of the capability dimensions.
func (t CapabilityTensor) Composite(w Weights) float64 {
	return w[0]*t.Competence + w[1]*t.Consistency + w[2]*t.Temperament
}

// Composite returns the weighted sum of the transaction dimensions.
func (t TransactionTensor) Composite(w Weights) float64 {
	return w[0]*t.Veracity + w[1]*t.Validity + w[2]*t.Valuation
}

// Level is the reputation level derived from the capability composite.
type Level string

const (
	LevelNovice     Level = "novice"
	LevelDeveloping Level = "developing"
	LevelTrusted    Level = "trusted"
	LevelExpert     Level = "expert"
	LevelMaster     Level = "master"
)

// LevelFor maps a capability composite score to a reputation level.
// Boundaries are 0.3 / 0.5 / 0.7 / 0.9.
func LevelFor(composite float64) Level {
	switch {
	case composite >= 0.9:
		return LevelMaster
	case composite >= 0.7:
		return LevelExpert
	case composite >= 0.5:
		return LevelTrusted
	case composite >= 0.3:
		return LevelDeveloping
	default:
		return LevelNovice
	}
}

// Apply applies a delta to a score. Positive deltas are linear; negative
// deltas are scaled quadratically by the current score so that high-trust
// entities fall faster than low-trust entities:
//
//	scaled = delta * (1 + 9*old^2)
//
// which ranges from 1x at old=0 to 10x at old=1. The result is clamped to
// [0,1] after scaling.
func Apply(old, delta float64) float64 {
	if delta < 0 {
		delta *= 1 + 9*old*old
	}
	return clamp(old + delta)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
