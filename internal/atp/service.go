package atp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/authz"
)

// DefaultCheckpointCadence takes a checkpoint every Nth iteration.
const DefaultCheckpointCadence = 3

// repo is the storage interface consumed by the Service.
type repo interface {
	CreateSequence(ctx context.Context, seq *Sequence) error
	GetSequence(ctx context.Context, id uuid.UUID) (*Sequence, error)
	// UpdateSequence persists seq only if the stored status still equals
	// expect, returning ErrConflict otherwise.
	UpdateSequence(ctx context.Context, seq *Sequence, expect SequenceStatus) error
	AddCheckpoint(ctx context.Context, cp *Checkpoint) error

	CreatePolicy(ctx context.Context, p *Policy) error
	ActivePolicy(ctx context.Context, sequenceID uuid.UUID, now time.Time) (*Policy, error)
	ConsumePolicy(ctx context.Context, id uuid.UUID) error
	CreateInsuranceClaim(ctx context.Context, c *InsuranceClaim) error

	// RefundUsage returns the entity's refund event count and total ATP
	// refunded since the given time.
	RefundUsage(ctx context.Context, entityID string, since time.Time) (events int, total float64, err error)
	AddRefundEvent(ctx context.Context, entityID string, amount float64, at time.Time) error
	FlagEntity(ctx context.Context, entityID, reason string) error
}

// gate decides whether an entity's reputation admits a reservation of the
// given cost. Implemented by mitigation.Gate.
type gate interface {
	CheckSequenceCost(ctx context.Context, entityID, orgID string, cost float64) error
}

// notifier delivers abuse-review alerts. May be nil.
type notifier interface {
	NotifyAbuseFlag(ctx context.Context, entityID, reason string)
}

// Config holds the resource ledger tunables.
type Config struct {
	MinRetentionRatio float64
	MaxRefundEvents   int
	MaxRefundATP      float64
	CheckpointCadence int
}

// DefaultServiceConfig returns the production defaults.
func DefaultServiceConfig() Config {
	return Config{
		MinRetentionRatio: DefaultMinRetentionRatio,
		MaxRefundEvents:   DefaultMaxRefundEvents,
		MaxRefundATP:      DefaultMaxRefundATP,
		CheckpointCadence: DefaultCheckpointCadence,
	}
}

// Service implements the resource ledger operations.
type Service struct {
	repo   repo
	gate   gate
	notify notifier
	cfg    Config
	logger *zap.Logger
}

// NewService creates a Service. gate and notify may be nil to disable
// reputation gating and abuse alerts respectively.
func NewService(r repo, g gate, n notifier, cfg Config, logger *zap.Logger) *Service {
	if cfg.MinRetentionRatio <= 0 {
		cfg.MinRetentionRatio = DefaultMinRetentionRatio
	}
	if cfg.MaxRefundEvents <= 0 {
		cfg.MaxRefundEvents = DefaultMaxRefundEvents
	}
	if cfg.MaxRefundATP <= 0 {
		cfg.MaxRefundATP = DefaultMaxRefundATP
	}
	if cfg.CheckpointCadence <= 0 {
		cfg.CheckpointCadence = DefaultCheckpointCadence
	}
	return &Service{repo: r, gate: g, notify: n, cfg: cfg, logger: logger}
}

// CreateSequenceRequest carries the parameters for a new sequence.
type CreateSequenceRequest struct {
	EntityID          string
	OrganizationID    string
	Kind              string
	MaxIterations     int
	Reserved          float64
	ConvergenceTarget float64
	Policy            RefundPolicy
}

// CreateSequence reserves a budget and opens a sequence. Reservations
// above the reputation tier thresholds require a matching capability
// composite; entities without verified identity are rejected upstream of
// this call by the gate.
func (s *Service) CreateSequence(ctx context.Context, req CreateSequenceRequest) (*Sequence, error) {
	if req.MaxIterations <= 0 || req.Reserved <= 0 {
		return nil, fmt.Errorf("atp: max iterations and reservation must be positive")
	}
	if s.gate != nil {
		if err := s.gate.CheckSequenceCost(ctx, req.EntityID, req.OrganizationID, req.Reserved); err != nil {
			return nil, err
		}
	}

	policy := req.Policy
	if policy == "" {
		policy = RefundTiered
	}
	seq := &Sequence{
		ID:                uuid.New(),
		EntityID:          req.EntityID,
		OrganizationID:    req.OrganizationID,
		Kind:              req.Kind,
		MaxIterations:     req.MaxIterations,
		Reserved:          req.Reserved,
		ConvergenceTarget: req.ConvergenceTarget,
		Policy:            policy,
		Status:            SequenceActive,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.repo.CreateSequence(ctx, seq); err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}

	s.logger.Info("sequence created",
		zap.String("id", seq.ID.String()),
		zap.String("entity", seq.EntityID),
		zap.Float64("reserved", seq.Reserved),
	)
	return seq, nil
}

// RecordIteration charges one iteration's cost against the reservation,
// records a checkpoint on the fixed cadence and on convergence, and
// returns the verdict. Exceeding the reservation fails the sequence
// without charging, so Consumed <= Reserved always holds.
func (s *Service) RecordIteration(ctx context.Context, sequenceID uuid.UUID, energy float64, stateHash string, cost float64, witnesses []authz.Witness) (*IterationResult, error) {
	seq, err := s.repo.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}

	// Cancellation is cooperative: it surfaces at the next iteration
	// boundary and the sequence then goes through the finalize path.
	if seq.Status == SequenceCancelled {
		return &IterationResult{
			Outcome:   OutcomeCancelled,
			Reason:    "sequence cancelled",
			Iteration: seq.Iterations,
			Consumed:  seq.Consumed,
			Remaining: seq.Reserved - seq.Consumed,
		}, nil
	}
	if seq.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrSequenceTerminal, seq.Status)
	}

	if seq.Consumed+cost > seq.Reserved {
		seq.Status = SequenceFailed
		seq.FailureReason = "budget_exhausted"
		if err := s.repo.UpdateSequence(ctx, seq, SequenceActive); err != nil {
			return nil, err
		}
		return &IterationResult{
			Outcome:   OutcomeFailed,
			Reason:    "budget_exhausted",
			Iteration: seq.Iterations,
			Consumed:  seq.Consumed,
			Remaining: seq.Reserved - seq.Consumed,
		}, ErrBudgetExhausted
	}

	seq.Iterations++
	seq.Consumed += cost
	seq.LastEnergy = energy

	outcome, reason := iterationOutcome(seq, energy)

	result := &IterationResult{
		Outcome:   outcome,
		Reason:    reason,
		Iteration: seq.Iterations,
		Consumed:  seq.Consumed,
		Remaining: seq.Reserved - seq.Consumed,
	}

	switch outcome {
	case OutcomeConverged:
		seq.Status = SequenceConverged
	case OutcomeTimeout:
		seq.Status = SequenceTimeout
		seq.FailureReason = reason
	}
	// Commit the charge first: a checkpoint must never outlive a lost
	// status race and describe an iteration that was not charged.
	if err := s.repo.UpdateSequence(ctx, seq, SequenceActive); err != nil {
		return nil, err
	}

	if shouldCheckpoint(seq.Iterations, outcome, s.cfg.CheckpointCadence) {
		cp := &Checkpoint{
			ID:         uuid.New(),
			SequenceID: seq.ID,
			Iteration:  seq.Iterations,
			StateHash:  stateHash,
			Energy:     energy,
			Witnesses:  witnesses,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.repo.AddCheckpoint(ctx, cp); err != nil {
			s.logger.Error("failed to persist checkpoint",
				zap.String("sequence", seq.ID.String()),
				zap.Int("iteration", seq.Iterations),
				zap.Error(err),
			)
		} else {
			result.CheckpointID = &cp.ID
		}
	}
	return result, nil
}

// RecordResourceConsumption marks part of the consumed ATP as committed
// to real resource consumption; committed ATP is never refunded.
func (s *Service) RecordResourceConsumption(ctx context.Context, sequenceID uuid.UUID, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("atp: committed amount must be positive")
	}
	seq, err := s.repo.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}
	if seq.FinalizedAt != nil {
		return fmt.Errorf("%w: already finalized", ErrSequenceTerminal)
	}
	if seq.Committed+amount > seq.Consumed {
		return fmt.Errorf("atp: committed %.3f would exceed consumed %.3f", seq.Committed+amount, seq.Consumed)
	}
	seq.Committed += amount
	return s.repo.UpdateSequence(ctx, seq, seq.Status)
}

// Cancel marks an active sequence cancelled and runs the same finalize
// and refund path as a failure.
func (s *Service) Cancel(ctx context.Context, sequenceID uuid.UUID) (Refund, error) {
	seq, err := s.repo.GetSequence(ctx, sequenceID)
	if err != nil {
		return Refund{}, err
	}
	if seq.Status != SequenceActive {
		return Refund{}, fmt.Errorf("%w: %s", ErrSequenceTerminal, seq.Status)
	}
	seq.Status = SequenceCancelled
	seq.FailureReason = "cancelled"
	if err := s.repo.UpdateSequence(ctx, seq, SequenceActive); err != nil {
		return Refund{}, err
	}
	return s.Finalize(ctx, sequenceID, false)
}

// Finalize closes a sequence and computes the refund of the unused
// reservation per the sequence's refund policy, bounded by the retention
// floor and the entity's rolling 24-hour refund allowance.
func (s *Service) Finalize(ctx context.Context, sequenceID uuid.UUID, success bool) (Refund, error) {
	seq, err := s.repo.GetSequence(ctx, sequenceID)
	if err != nil {
		return Refund{}, err
	}
	if seq.FinalizedAt != nil {
		return Refund{}, fmt.Errorf("%w: already finalized", ErrSequenceTerminal)
	}

	expect := seq.Status
	if seq.Status == SequenceActive {
		if success {
			seq.Status = SequenceConverged
		} else {
			seq.Status = SequenceFailed
			seq.FailureReason = "finalized as failure"
		}
	}

	refund := Refund{Amount: computeRefund(seq, success, s.cfg.MinRetentionRatio)}

	now := time.Now().UTC()
	if refund.Amount > 0 {
		events, total, err := s.repo.RefundUsage(ctx, seq.EntityID, now.Add(-24*time.Hour))
		if err != nil {
			return Refund{}, fmt.Errorf("read refund usage: %w", err)
		}
		switch {
		case events >= s.cfg.MaxRefundEvents:
			refund.Amount = 0
			refund.Capped = true
			refund.Flagged = true
		case refund.Amount > s.cfg.MaxRefundATP-total:
			refund.Amount = s.cfg.MaxRefundATP - total
			if refund.Amount < 0 {
				refund.Amount = 0
			}
			refund.Capped = true
			refund.Flagged = true
		}
	}

	// The status-guarded update is the commit point: refund accounting
	// and abuse signalling only happen once the finalization is durable,
	// so a lost race cannot consume the entity's refund allowance.
	seq.FinalizedAt = &now
	if err := s.repo.UpdateSequence(ctx, seq, expect); err != nil {
		return Refund{}, err
	}

	if refund.Flagged {
		reason := fmt.Sprintf("refund allowance exceeded finalizing sequence %s", seq.ID)
		if err := s.repo.FlagEntity(ctx, seq.EntityID, reason); err != nil {
			s.logger.Warn("failed to persist abuse flag", zap.Error(err))
		}
		if s.notify != nil {
			s.notify.NotifyAbuseFlag(ctx, seq.EntityID, reason)
		}
	}

	if refund.Amount > 0 {
		if err := s.repo.AddRefundEvent(ctx, seq.EntityID, refund.Amount, now); err != nil {
			// Finalization already committed; an unrecorded event only
			// under-counts the entity's allowance.
			s.logger.Error("failed to record refund event",
				zap.String("entity", seq.EntityID),
				zap.Float64("amount", refund.Amount),
				zap.Error(err),
			)
		}
	}

	refundsTotal.Inc()
	refundATP.Add(refund.Amount)

	s.logger.Info("sequence finalized",
		zap.String("id", seq.ID.String()),
		zap.String("status", string(seq.Status)),
		zap.Float64("refund", refund.Amount),
		zap.Bool("capped", refund.Capped),
	)
	return refund, nil
}

// PurchaseInsurance deducts a premium from the reservation and opens a
// policy with max_payout = reserved * coverage_ratio.
func (s *Service) PurchaseInsurance(ctx context.Context, sequenceID uuid.UUID, coverageRatio, premiumRate float64, ttl time.Duration) (*Policy, error) {
	if coverageRatio <= 0 || coverageRatio > 1 {
		return nil, fmt.Errorf("atp: coverage ratio must be in (0,1]")
	}
	if premiumRate <= 0 || premiumRate >= 1 {
		return nil, fmt.Errorf("atp: premium rate must be in (0,1)")
	}
	seq, err := s.repo.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != SequenceActive {
		return nil, fmt.Errorf("%w: %s", ErrSequenceTerminal, seq.Status)
	}

	premium := seq.Reserved * premiumRate
	maxPayout := seq.Reserved * coverageRatio
	if seq.Reserved-premium < seq.Consumed {
		return nil, fmt.Errorf("atp: premium %.3f would push reservation below consumed ATP", premium)
	}
	seq.Reserved -= premium
	if err := s.repo.UpdateSequence(ctx, seq, SequenceActive); err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now().UTC()
	p := &Policy{
		ID:            uuid.New(),
		SequenceID:    seq.ID,
		CoverageRatio: coverageRatio,
		Premium:       premium,
		MaxPayout:     maxPayout,
		Status:        PolicyActive,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}
	return p, nil
}

// ClaimInsurance pays out against the most recent active, unexpired
// policy for the sequence and marks it consumed.
func (s *Service) ClaimInsurance(ctx context.Context, sequenceID uuid.UUID, atpLost float64) (*InsuranceClaim, error) {
	if atpLost <= 0 {
		return nil, fmt.Errorf("atp: claimed loss must be positive")
	}
	now := time.Now().UTC()
	p, err := s.repo.ActivePolicy(ctx, sequenceID, now)
	if err != nil {
		return nil, err
	}

	payout := atpLost * p.CoverageRatio
	if payout > p.MaxPayout {
		payout = p.MaxPayout
	}
	if err := s.repo.ConsumePolicy(ctx, p.ID); err != nil {
		return nil, err
	}

	claim := &InsuranceClaim{
		ID:         uuid.New(),
		PolicyID:   p.ID,
		SequenceID: sequenceID,
		LostATP:    atpLost,
		Payout:     payout,
		CreatedAt:  now,
	}
	if err := s.repo.CreateInsuranceClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("create insurance claim: %w", err)
	}

	s.logger.Info("insurance claimed",
		zap.String("sequence", sequenceID.String()),
		zap.Float64("lost", atpLost),
		zap.Float64("payout", payout),
	)
	return claim, nil
}
