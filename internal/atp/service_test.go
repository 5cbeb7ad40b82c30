package atp_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/atp"
	"github.com/tessera-ledger/tessera/internal/authz"
)

var ctx = context.Background()

// memRepo is an in-memory sequence store with the same conditional-update
// semantics as the database repository.
type memRepo struct {
	sequences   map[uuid.UUID]*atp.Sequence
	checkpoints map[uuid.UUID][]*atp.Checkpoint
	policies    map[uuid.UUID]*atp.Policy
	claims      []*atp.InsuranceClaim
	refunds     []refundEvent
	flags       []string
	updateErr   error // forced UpdateSequence failure when set
}

type refundEvent struct {
	entityID string
	amount   float64
	at       time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		sequences:   map[uuid.UUID]*atp.Sequence{},
		checkpoints: map[uuid.UUID][]*atp.Checkpoint{},
		policies:    map[uuid.UUID]*atp.Policy{},
	}
}

func (m *memRepo) CreateSequence(_ context.Context, seq *atp.Sequence) error {
	cp := *seq
	m.sequences[seq.ID] = &cp
	return nil
}

func (m *memRepo) GetSequence(_ context.Context, id uuid.UUID) (*atp.Sequence, error) {
	seq, ok := m.sequences[id]
	if !ok {
		return nil, atp.ErrSequenceNotFound
	}
	cp := *seq
	return &cp, nil
}

func (m *memRepo) UpdateSequence(_ context.Context, seq *atp.Sequence, expect atp.SequenceStatus) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.sequences[seq.ID]
	if !ok || stored.Status != expect {
		return fmt.Errorf("%w: sequence %s", atp.ErrConflict, seq.ID)
	}
	cp := *seq
	m.sequences[seq.ID] = &cp
	return nil
}

func (m *memRepo) AddCheckpoint(_ context.Context, cp *atp.Checkpoint) error {
	m.checkpoints[cp.SequenceID] = append(m.checkpoints[cp.SequenceID], cp)
	return nil
}

func (m *memRepo) CreatePolicy(_ context.Context, p *atp.Policy) error {
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *memRepo) ActivePolicy(_ context.Context, sequenceID uuid.UUID, now time.Time) (*atp.Policy, error) {
	var latest *atp.Policy
	for _, p := range m.policies {
		if p.SequenceID != sequenceID || p.Status != atp.PolicyActive || !p.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, atp.ErrNoActivePolicy
	}
	cp := *latest
	return &cp, nil
}

func (m *memRepo) ConsumePolicy(_ context.Context, id uuid.UUID) error {
	p, ok := m.policies[id]
	if !ok || p.Status != atp.PolicyActive {
		return fmt.Errorf("%w: policy %s not active", atp.ErrConflict, id)
	}
	p.Status = atp.PolicyConsumed
	return nil
}

func (m *memRepo) CreateInsuranceClaim(_ context.Context, c *atp.InsuranceClaim) error {
	m.claims = append(m.claims, c)
	return nil
}

func (m *memRepo) RefundUsage(_ context.Context, entityID string, since time.Time) (int, float64, error) {
	var events int
	var total float64
	for _, r := range m.refunds {
		if r.entityID == entityID && !r.at.Before(since) {
			events++
			total += r.amount
		}
	}
	return events, total, nil
}

func (m *memRepo) AddRefundEvent(_ context.Context, entityID string, amount float64, at time.Time) error {
	m.refunds = append(m.refunds, refundEvent{entityID: entityID, amount: amount, at: at})
	return nil
}

func (m *memRepo) FlagEntity(_ context.Context, entityID, reason string) error {
	m.flags = append(m.flags, entityID+": "+reason)
	return nil
}

// denyGate rejects every reservation.
type denyGate struct{}

func (denyGate) CheckSequenceCost(_ context.Context, entityID, _ string, _ float64) error {
	return fmt.Errorf("%w: entity %s", atp.ErrReputationGate, entityID)
}

func newService(repo *memRepo) *atp.Service {
	return atp.NewService(repo, nil, nil, atp.DefaultServiceConfig(), zap.NewNop())
}

func createSequence(t *testing.T, s *atp.Service, reserved float64, maxIter int, policy atp.RefundPolicy) *atp.Sequence {
	t.Helper()
	seq, err := s.CreateSequence(ctx, atp.CreateSequenceRequest{
		EntityID:          "agent-1",
		OrganizationID:    "org-1",
		Kind:              "refinement",
		MaxIterations:     maxIter,
		Reserved:          reserved,
		ConvergenceTarget: 0.1,
		Policy:            policy,
	})
	if err != nil {
		t.Fatal(err)
	}
	return seq
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCreateSequence_defaultsToTiered(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)

	seq := createSequence(t, s, 100, 10, "")
	if seq.Policy != atp.RefundTiered {
		t.Errorf("default policy = %q, want TIERED", seq.Policy)
	}
	if seq.Status != atp.SequenceActive {
		t.Errorf("status = %q, want active", seq.Status)
	}
}

func TestCreateSequence_rejectsInvalidInput(t *testing.T) {
	s := newService(newMemRepo())

	if _, err := s.CreateSequence(ctx, atp.CreateSequenceRequest{MaxIterations: 0, Reserved: 100}); err == nil {
		t.Error("zero max iterations accepted")
	}
	if _, err := s.CreateSequence(ctx, atp.CreateSequenceRequest{MaxIterations: 10, Reserved: 0}); err == nil {
		t.Error("zero reservation accepted")
	}
}

func TestCreateSequence_gateRejection(t *testing.T) {
	s := atp.NewService(newMemRepo(), denyGate{}, nil, atp.DefaultServiceConfig(), zap.NewNop())

	_, err := s.CreateSequence(ctx, atp.CreateSequenceRequest{
		EntityID:       "agent-1",
		OrganizationID: "org-1",
		MaxIterations:  10,
		Reserved:       100,
	})
	if !errors.Is(err, atp.ErrReputationGate) {
		t.Errorf("err = %v, want ErrReputationGate", err)
	}
}

func TestRecordIteration_chargesAndContinues(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	res, err := s.RecordIteration(ctx, seq.ID, 0.9, "h1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != atp.OutcomeContinue {
		t.Errorf("outcome = %q, want continue", res.Outcome)
	}
	if res.Iteration != 1 || !almostEqual(res.Consumed, 5) || !almostEqual(res.Remaining, 95) {
		t.Errorf("result = %+v, want iteration 1, consumed 5, remaining 95", res)
	}
}

func TestRecordIteration_convergesAtTarget(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	res, err := s.RecordIteration(ctx, seq.ID, 0.05, "h1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != atp.OutcomeConverged {
		t.Errorf("outcome = %q, want converged", res.Outcome)
	}
	// Convergence always takes a checkpoint.
	if res.CheckpointID == nil {
		t.Error("no checkpoint on convergence")
	}

	stored, _ := repo.GetSequence(ctx, seq.ID)
	if stored.Status != atp.SequenceConverged {
		t.Errorf("stored status = %q, want converged", stored.Status)
	}
	// Terminal sequences take no more iterations.
	if _, err := s.RecordIteration(ctx, seq.ID, 0.9, "h2", 5, nil); !errors.Is(err, atp.ErrSequenceTerminal) {
		t.Errorf("iteration on converged sequence: err = %v, want ErrSequenceTerminal", err)
	}
}

func TestRecordIteration_timeoutAtMaxIterations(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 3, atp.RefundFull)

	var last *atp.IterationResult
	for i := 0; i < 3; i++ {
		res, err := s.RecordIteration(ctx, seq.ID, 0.9, "h", 1, nil)
		if err != nil {
			t.Fatal(err)
		}
		last = res
	}
	if last.Outcome != atp.OutcomeTimeout {
		t.Errorf("outcome at max iterations = %q, want timeout", last.Outcome)
	}
	stored, _ := repo.GetSequence(ctx, seq.ID)
	if stored.Status != atp.SequenceTimeout {
		t.Errorf("stored status = %q, want timeout", stored.Status)
	}
}

func TestRecordIteration_budgetExhaustedFailsWithoutCharging(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 10, 100, atp.RefundFull)

	if _, err := s.RecordIteration(ctx, seq.ID, 0.9, "h1", 8, nil); err != nil {
		t.Fatal(err)
	}

	res, err := s.RecordIteration(ctx, seq.ID, 0.9, "h2", 8, nil)
	if !errors.Is(err, atp.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if res == nil || res.Outcome != atp.OutcomeFailed {
		t.Fatalf("result = %+v, want failed outcome alongside the error", res)
	}
	// The failing iteration is not charged: consumed stays at 8.
	if !almostEqual(res.Consumed, 8) {
		t.Errorf("consumed = %v, want 8", res.Consumed)
	}
	stored, _ := repo.GetSequence(ctx, seq.ID)
	if stored.Status != atp.SequenceFailed || stored.FailureReason != "budget_exhausted" {
		t.Errorf("stored = %q/%q, want failed/budget_exhausted", stored.Status, stored.FailureReason)
	}
}

func TestRecordIteration_checkpointCadence(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo) // cadence 3
	seq := createSequence(t, s, 100, 20, atp.RefundFull)

	for i := 1; i <= 7; i++ {
		res, err := s.RecordIteration(ctx, seq.ID, 0.9, fmt.Sprintf("h%d", i), 1, []authz.Witness{{EntityID: "w1"}})
		if err != nil {
			t.Fatal(err)
		}
		wantCheckpoint := i%3 == 0
		if (res.CheckpointID != nil) != wantCheckpoint {
			t.Errorf("iteration %d: checkpoint = %v, want %v", i, res.CheckpointID != nil, wantCheckpoint)
		}
	}
	if got := len(repo.checkpoints[seq.ID]); got != 2 {
		t.Errorf("checkpoints after 7 iterations = %d, want 2 (at 3 and 6)", got)
	}
}

func TestRecordResourceConsumption_boundedByConsumed(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	if _, err := s.RecordIteration(ctx, seq.ID, 0.9, "h1", 20, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordResourceConsumption(ctx, seq.ID, 15); err != nil {
		t.Fatal(err)
	}
	// Committing past consumed is rejected.
	if err := s.RecordResourceConsumption(ctx, seq.ID, 10); err == nil {
		t.Error("committed past consumed ATP")
	}
	stored, _ := repo.GetSequence(ctx, seq.ID)
	if !almostEqual(stored.Committed, 15) {
		t.Errorf("committed = %v, want 15", stored.Committed)
	}
}

func TestFinalize_refundTable(t *testing.T) {
	// reserved 100, consumed 25, committed 15 throughout.
	cases := []struct {
		name    string
		policy  atp.RefundPolicy
		success bool
		want    float64
	}{
		// unused 75 minus committed 15.
		{"full_failure", atp.RefundFull, false, 60},
		{"full_success", atp.RefundFull, true, 60},
		{"tiered_success", atp.RefundTiered, true, 60},
		// 5 of 10 iterations used: 75 * 0.5 - 15 = 22.5.
		{"tiered_failure", atp.RefundTiered, false, 22.5},
		{"none_success", atp.RefundNone, true, 0},
		{"none_failure", atp.RefundNone, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			s := newService(repo)
			seq := createSequence(t, s, 100, 10, tc.policy)

			for i := 0; i < 5; i++ {
				if _, err := s.RecordIteration(ctx, seq.ID, 0.9, "h", 5, nil); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.RecordResourceConsumption(ctx, seq.ID, 15); err != nil {
				t.Fatal(err)
			}

			refund, err := s.Finalize(ctx, seq.ID, tc.success)
			if err != nil {
				t.Fatal(err)
			}
			if !almostEqual(refund.Amount, tc.want) {
				t.Errorf("refund = %v, want %v", refund.Amount, tc.want)
			}
			if refund.Capped || refund.Flagged {
				t.Errorf("refund unexpectedly capped/flagged: %+v", refund)
			}

			stored, _ := repo.GetSequence(ctx, seq.ID)
			if stored.FinalizedAt == nil {
				t.Error("FinalizedAt not set")
			}
		})
	}
}

func TestFinalize_retentionFloor(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	// Consume 90 of 100: unused 10, but the floor allows at most
	// 100 - 0.5*90 = 55, which is above the policy refund, so the policy
	// amount stands.
	for i := 0; i < 9; i++ {
		if _, err := s.RecordIteration(ctx, seq.ID, 0.9, "h", 10, nil); err != nil {
			t.Fatal(err)
		}
	}
	refund, err := s.Finalize(ctx, seq.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(refund.Amount, 10) {
		t.Errorf("refund = %v, want 10", refund.Amount)
	}
}

func TestFinalize_doubleFinalizeRejected(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	if _, err := s.Finalize(ctx, seq.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Finalize(ctx, seq.ID, true); !errors.Is(err, atp.ErrSequenceTerminal) {
		t.Errorf("double finalize err = %v, want ErrSequenceTerminal", err)
	}
}

func TestFinalize_refundEventLimitFlags(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)

	// The entity already took the maximum number of refunds in the window.
	now := time.Now().UTC()
	for i := 0; i < atp.DefaultMaxRefundEvents; i++ {
		_ = repo.AddRefundEvent(ctx, "agent-1", 1, now.Add(-time.Hour))
	}

	seq := createSequence(t, s, 100, 10, atp.RefundFull)
	refund, err := s.Finalize(ctx, seq.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if refund.Amount != 0 || !refund.Capped || !refund.Flagged {
		t.Errorf("refund = %+v, want zero/capped/flagged", refund)
	}
	if len(repo.flags) != 1 {
		t.Errorf("abuse flags = %d, want 1", len(repo.flags))
	}
}

func TestFinalize_refundATPCapScalesDown(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)

	// 950 of the 1000 ATP allowance already refunded in the window.
	_ = repo.AddRefundEvent(ctx, "agent-1", 950, time.Now().UTC().Add(-time.Hour))

	seq := createSequence(t, s, 100, 10, atp.RefundFull)
	refund, err := s.Finalize(ctx, seq.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	// Policy refund is 100, allowance remaining is 50.
	if !almostEqual(refund.Amount, 50) {
		t.Errorf("refund = %v, want 50", refund.Amount)
	}
	if !refund.Capped || !refund.Flagged {
		t.Errorf("capped refund not marked: %+v", refund)
	}
}

func TestFinalize_eventsOutsideWindowIgnored(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)

	// Old refunds fall outside the rolling 24h window.
	for i := 0; i < 20; i++ {
		_ = repo.AddRefundEvent(ctx, "agent-1", 100, time.Now().UTC().Add(-25*time.Hour))
	}

	seq := createSequence(t, s, 100, 10, atp.RefundFull)
	refund, err := s.Finalize(ctx, seq.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(refund.Amount, 100) || refund.Capped {
		t.Errorf("refund = %+v, want full 100 uncapped", refund)
	}
}

func TestCancel_runsRefundPath(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundTiered)

	if _, err := s.RecordIteration(ctx, seq.ID, 0.9, "h", 10, nil); err != nil {
		t.Fatal(err)
	}
	refund, err := s.Cancel(ctx, seq.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Tiered failure with 1 of 10 iterations: 90 * 0.9 = 81.
	if !almostEqual(refund.Amount, 81) {
		t.Errorf("refund = %v, want 81", refund.Amount)
	}

	stored, _ := repo.GetSequence(ctx, seq.ID)
	if stored.Status != atp.SequenceCancelled || stored.FinalizedAt == nil {
		t.Errorf("stored = %q finalized=%v, want cancelled+finalized", stored.Status, stored.FinalizedAt != nil)
	}

	// Cancelling again is a state error.
	if _, err := s.Cancel(ctx, seq.ID); !errors.Is(err, atp.ErrSequenceTerminal) {
		t.Errorf("double cancel err = %v, want ErrSequenceTerminal", err)
	}
}

func TestRecordIteration_cancelledSurfacesCooperatively(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	// Mark cancelled without finalizing, as a concurrent Cancel would
	// between the worker's iterations.
	stored, _ := repo.GetSequence(ctx, seq.ID)
	stored.Status = atp.SequenceCancelled
	if err := repo.UpdateSequence(ctx, stored, atp.SequenceActive); err != nil {
		t.Fatal(err)
	}

	res, err := s.RecordIteration(ctx, seq.ID, 0.9, "h", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != atp.OutcomeCancelled {
		t.Errorf("outcome = %q, want cancelled", res.Outcome)
	}
}

func TestPurchaseInsurance_deductsPremium(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	p, err := s.PurchaseInsurance(ctx, seq.ID, 0.8, 0.05, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(p.Premium, 5) {
		t.Errorf("premium = %v, want 5", p.Premium)
	}
	if !almostEqual(p.MaxPayout, 80) {
		t.Errorf("max payout = %v, want 80", p.MaxPayout)
	}

	stored, _ := repo.GetSequence(ctx, seq.ID)
	if !almostEqual(stored.Reserved, 95) {
		t.Errorf("reserved after premium = %v, want 95", stored.Reserved)
	}
}

func TestPurchaseInsurance_rejectsTerminalSequence(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)
	if _, err := s.Finalize(ctx, seq.ID, true); err != nil {
		t.Fatal(err)
	}

	if _, err := s.PurchaseInsurance(ctx, seq.ID, 0.8, 0.05, time.Hour); !errors.Is(err, atp.ErrSequenceTerminal) {
		t.Errorf("err = %v, want ErrSequenceTerminal", err)
	}
}

func TestClaimInsurance_payoutCappedAndPolicyConsumed(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	p, err := s.PurchaseInsurance(ctx, seq.ID, 0.5, 0.05, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claim, err := s.ClaimInsurance(ctx, seq.ID, 200)
	if err != nil {
		t.Fatal(err)
	}
	// 200 * 0.5 = 100 exceeds max payout 50.
	if !almostEqual(claim.Payout, p.MaxPayout) {
		t.Errorf("payout = %v, want capped at %v", claim.Payout, p.MaxPayout)
	}

	// The policy is single-use.
	if _, err := s.ClaimInsurance(ctx, seq.ID, 10); !errors.Is(err, atp.ErrNoActivePolicy) {
		t.Errorf("second claim err = %v, want ErrNoActivePolicy", err)
	}
}

func TestClaimInsurance_noPolicy(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	if _, err := s.ClaimInsurance(ctx, seq.ID, 10); !errors.Is(err, atp.ErrNoActivePolicy) {
		t.Errorf("err = %v, want ErrNoActivePolicy", err)
	}
}

func TestFinalize_lostUpdateConsumesNoRefundAllowance(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundFull)

	repo.updateErr = fmt.Errorf("%w: concurrent finalize", atp.ErrConflict)
	if _, err := s.Finalize(ctx, seq.ID, true); !errors.Is(err, atp.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// The lost race must leave no trace in the rolling refund ledger.
	if len(repo.refunds) != 0 {
		t.Errorf("refund events = %d, want 0", len(repo.refunds))
	}
	if len(repo.flags) != 0 {
		t.Errorf("abuse flags = %d, want 0", len(repo.flags))
	}

	// A retry after the conflict clears sees the full refund once.
	repo.updateErr = nil
	refund, err := s.Finalize(ctx, seq.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if refund.Amount != 100 {
		t.Errorf("refund = %.1f, want 100", refund.Amount)
	}
	if len(repo.refunds) != 1 {
		t.Errorf("refund events = %d, want 1", len(repo.refunds))
	}
}

func TestRecordIteration_lostUpdateWritesNoCheckpoint(t *testing.T) {
	repo := newMemRepo()
	s := newService(repo)
	seq := createSequence(t, s, 100, 10, atp.RefundTiered)

	for i := 0; i < 2; i++ {
		if _, err := s.RecordIteration(ctx, seq.ID, 0.5, "state", 1, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Third iteration is on the checkpoint cadence; fail its commit.
	repo.updateErr = fmt.Errorf("%w: concurrent update", atp.ErrConflict)
	if _, err := s.RecordIteration(ctx, seq.ID, 0.5, "state", 1, nil); !errors.Is(err, atp.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if len(repo.checkpoints[seq.ID]) != 0 {
		t.Errorf("checkpoints = %d, want 0 after failed commit", len(repo.checkpoints[seq.ID]))
	}

	repo.updateErr = nil
	res, err := s.RecordIteration(ctx, seq.ID, 0.5, "state", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.CheckpointID == nil {
		t.Fatal("expected checkpoint on third committed iteration")
	}
	if len(repo.checkpoints[seq.ID]) != 1 {
		t.Errorf("checkpoints = %d, want 1", len(repo.checkpoints[seq.ID]))
	}
}
