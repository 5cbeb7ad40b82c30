package atp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the PostgreSQL implementation of the resource ledger
// storage. Sequence updates are guarded by the expected status so two
// concurrent finalizers cannot both settle the same sequence.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const sequenceColumns = `id, entity_id, organization_id, kind, max_iterations,
	iterations, reserved_atp, consumed_atp, committed_atp, convergence_target,
	last_energy, refund_policy, status, failure_reason, created_at, finalized_at`

// CreateSequence inserts a new sequence row.
func (r *Repository) CreateSequence(ctx context.Context, seq *Sequence) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO action_sequences
		   (id, entity_id, organization_id, kind, max_iterations, iterations,
		    reserved_atp, consumed_atp, committed_atp, convergence_target,
		    last_energy, refund_policy, status, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		seq.ID, seq.EntityID, seq.OrganizationID, seq.Kind, seq.MaxIterations,
		seq.Iterations, seq.Reserved, seq.Consumed, seq.Committed,
		seq.ConvergenceTarget, seq.LastEnergy, seq.Policy, seq.Status,
		nullIfEmpty(seq.FailureReason), seq.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}
	return nil
}

// GetSequence fetches a sequence by id.
func (r *Repository) GetSequence(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+sequenceColumns+` FROM action_sequences WHERE id = $1`, id)
	seq, err := scanSequence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSequenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	return seq, nil
}

// UpdateSequence persists the sequence's mutable fields, but only if the
// stored status still equals expect. A zero-row update means another
// writer transitioned the sequence first.
func (r *Repository) UpdateSequence(ctx context.Context, seq *Sequence, expect SequenceStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE action_sequences
		    SET iterations = $1, reserved_atp = $2, consumed_atp = $3,
		        committed_atp = $4, last_energy = $5, status = $6,
		        failure_reason = $7, finalized_at = $8
		  WHERE id = $9 AND status = $10`,
		seq.Iterations, seq.Reserved, seq.Consumed, seq.Committed,
		seq.LastEnergy, seq.Status, nullIfEmpty(seq.FailureReason),
		seq.FinalizedAt, seq.ID, expect,
	)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sequence %s left state %s", ErrConflict, seq.ID, expect)
	}
	return nil
}

// AddCheckpoint appends a checkpoint row.
func (r *Repository) AddCheckpoint(ctx context.Context, cp *Checkpoint) error {
	witnesses, err := json.Marshal(cp.Witnesses)
	if err != nil {
		return fmt.Errorf("marshal witnesses: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO action_checkpoints
		   (id, sequence_id, iteration, state_hash, energy, witnesses, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.ID, cp.SequenceID, cp.Iteration, cp.StateHash, cp.Energy,
		witnesses, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a sequence's checkpoints in iteration order.
func (r *Repository) ListCheckpoints(ctx context.Context, sequenceID uuid.UUID) ([]*Checkpoint, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, sequence_id, iteration, state_hash, energy, witnesses, created_at
		   FROM action_checkpoints
		  WHERE sequence_id = $1
		  ORDER BY iteration ASC`,
		sequenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var witnesses []byte
		if err := rows.Scan(&cp.ID, &cp.SequenceID, &cp.Iteration, &cp.StateHash,
			&cp.Energy, &witnesses, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if len(witnesses) > 0 {
			if err := json.Unmarshal(witnesses, &cp.Witnesses); err != nil {
				return nil, fmt.Errorf("decode witnesses: %w", err)
			}
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// CreatePolicy inserts an insurance policy.
func (r *Repository) CreatePolicy(ctx context.Context, p *Policy) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO insurance_policies
		   (id, sequence_id, coverage_ratio, premium, max_payout, status,
		    expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.SequenceID, p.CoverageRatio, p.Premium, p.MaxPayout,
		p.Status, p.ExpiresAt, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// ActivePolicy returns the most recently purchased active, unexpired
// policy for the sequence.
func (r *Repository) ActivePolicy(ctx context.Context, sequenceID uuid.UUID, now time.Time) (*Policy, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, sequence_id, coverage_ratio, premium, max_payout, status,
		        expires_at, created_at
		   FROM insurance_policies
		  WHERE sequence_id = $1 AND status = 'active' AND expires_at > $2
		  ORDER BY created_at DESC
		  LIMIT 1`,
		sequenceID, now,
	)
	p := &Policy{}
	err := row.Scan(&p.ID, &p.SequenceID, &p.CoverageRatio, &p.Premium,
		&p.MaxPayout, &p.Status, &p.ExpiresAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActivePolicy
	}
	if err != nil {
		return nil, fmt.Errorf("get active policy: %w", err)
	}
	return p, nil
}

// ConsumePolicy transitions an active policy to consumed. Consuming a
// policy twice returns ErrConflict.
func (r *Repository) ConsumePolicy(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE insurance_policies SET status = 'consumed'
		  WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("consume policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: policy %s not active", ErrConflict, id)
	}
	return nil
}

// CreateInsuranceClaim inserts a claim payout record.
func (r *Repository) CreateInsuranceClaim(ctx context.Context, c *InsuranceClaim) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO insurance_claims
		   (id, policy_id, sequence_id, lost_atp, payout, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.PolicyID, c.SequenceID, c.LostATP, c.Payout, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert insurance claim: %w", err)
	}
	return nil
}

// RefundUsage returns the entity's refund event count and total ATP
// refunded since the given time.
func (r *Repository) RefundUsage(ctx context.Context, entityID string, since time.Time) (int, float64, error) {
	var events int
	var total float64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount_atp), 0)
		   FROM refund_events
		  WHERE entity_id = $1 AND created_at >= $2`,
		entityID, since,
	).Scan(&events, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("query refund usage: %w", err)
	}
	return events, total, nil
}

// AddRefundEvent records a paid refund against the entity's rolling
// allowance.
func (r *Repository) AddRefundEvent(ctx context.Context, entityID string, amount float64, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO refund_events (id, entity_id, amount_atp, created_at)
		 VALUES ($1, $2, $3, $4)`,
		uuid.New(), entityID, amount, at,
	)
	if err != nil {
		return fmt.Errorf("insert refund event: %w", err)
	}
	return nil
}

// FlagEntity records an abuse flag for operator review. Repeated flags
// for the same entity accumulate.
func (r *Repository) FlagEntity(ctx context.Context, entityID, reason string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO abuse_flags (id, entity_id, reason, created_at)
		 VALUES ($1, $2, $3, $4)`,
		uuid.New(), entityID, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert abuse flag: %w", err)
	}
	return nil
}

func scanSequence(row pgx.Row) (*Sequence, error) {
	seq := &Sequence{}
	var reason *string
	if err := row.Scan(&seq.ID, &seq.EntityID, &seq.OrganizationID, &seq.Kind,
		&seq.MaxIterations, &seq.Iterations, &seq.Reserved, &seq.Consumed,
		&seq.Committed, &seq.ConvergenceTarget, &seq.LastEnergy, &seq.Policy,
		&seq.Status, &reason, &seq.CreatedAt, &seq.FinalizedAt); err != nil {
		return nil, err
	}
	if reason != nil {
		seq.FailureReason = *reason
	}
	return seq, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
