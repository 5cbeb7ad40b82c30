// Package atp implements the resource ledger: budgeted multi-step action
// sequences, iteration metering, checkpoints, refunds, and insurance.
//
// ATP is the synthetic unit metering the cost of multi-step operations.
// "Committed" ATP is cost already tied to real resource consumption and is
// never refundable.
package atp

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-ledger/tessera/internal/authz"
)

// SequenceStatus is the lifecycle state of an action sequence. Terminal
// states are immutable.
type SequenceStatus string

const (
	SequenceActive    SequenceStatus = "active"
	SequenceConverged SequenceStatus = "converged"
	SequenceFailed    SequenceStatus = "failed"
	SequenceTimeout   SequenceStatus = "timeout"
	SequenceCancelled SequenceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SequenceStatus) Terminal() bool {
	return s == SequenceConverged || s == SequenceFailed || s == SequenceTimeout || s == SequenceCancelled
}

// RefundPolicy controls how much of the unused reservation is returned at
// finalization.
type RefundPolicy string

const (
	RefundFull   RefundPolicy = "FULL"
	RefundTiered RefundPolicy = "TIERED"
	RefundNone   RefundPolicy = "NONE"
)

// Sequence is a budgeted multi-step unit of work.
// Invariants: Consumed <= Reserved and Committed <= Consumed at all times.
type Sequence struct {
	ID             uuid.UUID      `json:"id"`
	EntityID       string         `json:"entity_id"`
	OrganizationID string         `json:"organization_id"`
	Kind           string         `json:"kind"` // e.g. "irp_refinement"

	MaxIterations     int     `json:"max_iterations"`
	Iterations        int     `json:"iterations"`
	Reserved          float64 `json:"reserved_atp"`
	Consumed          float64 `json:"consumed_atp"`
	Committed         float64 `json:"committed_atp"`
	ConvergenceTarget float64 `json:"convergence_target"`
	LastEnergy        float64 `json:"last_energy"`

	Policy        RefundPolicy   `json:"refund_policy"`
	Status        SequenceStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Checkpoint is an immutable snapshot taken within a sequence, carrying a
// content hash of state, the convergence metric at that point, and any
// witness attestations. Used for resumability and dispute resolution.
type Checkpoint struct {
	ID         uuid.UUID       `json:"id"`
	SequenceID uuid.UUID       `json:"sequence_id"`
	Iteration  int             `json:"iteration"`
	StateHash  string          `json:"state_hash"`
	Energy     float64         `json:"energy"`
	Witnesses  []authz.Witness `json:"witnesses,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Outcome is the per-iteration verdict returned by RecordIteration.
type Outcome string

const (
	OutcomeContinue  Outcome = "continue"
	OutcomeConverged Outcome = "converged"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// IterationResult is the structured result of one recorded iteration.
type IterationResult struct {
	Outcome      Outcome    `json:"outcome"`
	Reason       string     `json:"reason,omitempty"`
	Iteration    int        `json:"iteration"`
	Consumed     float64    `json:"consumed_atp"`
	Remaining    float64    `json:"remaining_atp"`
	CheckpointID *uuid.UUID `json:"checkpoint_id,omitempty"`
}

// PolicyStatus is the lifecycle state of an insurance policy.
type PolicyStatus string

const (
	PolicyActive   PolicyStatus = "active"
	PolicyConsumed PolicyStatus = "consumed"
	PolicyExpired  PolicyStatus = "expired"
)

// Policy is optional coverage purchased against a sequence. Append-only
// once finalized.
type Policy struct {
	ID            uuid.UUID    `json:"id"`
	SequenceID    uuid.UUID    `json:"sequence_id"`
	CoverageRatio float64      `json:"coverage_ratio"`
	Premium       float64      `json:"premium"`
	MaxPayout     float64      `json:"max_payout"`
	Status        PolicyStatus `json:"status"`
	ExpiresAt     time.Time    `json:"expires_at"`
	CreatedAt     time.Time    `json:"created_at"`
}

// InsuranceClaim records an approved payout against a policy.
type InsuranceClaim struct {
	ID         uuid.UUID `json:"id"`
	PolicyID   uuid.UUID `json:"policy_id"`
	SequenceID uuid.UUID `json:"sequence_id"`
	LostATP    float64   `json:"lost_atp"`
	Payout     float64   `json:"payout"`
	CreatedAt  time.Time `json:"created_at"`
}

// Refund is the structured result of finalization.
type Refund struct {
	Amount  float64 `json:"amount"`
	Capped  bool    `json:"capped"`  // reduced by the rolling refund allowance
	Flagged bool    `json:"flagged"` // entity flagged for abuse review
}

// Errors surfaced by the resource ledger.
var (
	ErrSequenceNotFound = errors.New("atp: sequence not found")
	ErrSequenceTerminal = errors.New("atp: sequence already in a terminal state")
	ErrBudgetExhausted  = errors.New("atp: reserved budget exhausted")
	ErrNoActivePolicy   = errors.New("atp: no active insurance policy")
	ErrReputationGate   = errors.New("atp: entity reputation below tier minimum")
	ErrConflict         = errors.New("atp: concurrent update conflict")
)
