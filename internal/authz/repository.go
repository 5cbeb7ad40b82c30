package authz

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

// Repository is the PostgreSQL implementation of the engine's storage.
// The "currently active" projections are the active_claims and
// active_delegations views, which are the single authorization read path.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateClaim inserts a permission claim.
func (r *Repository) CreateClaim(ctx context.Context, c *Claim) error {
	witnesses, err := json.Marshal(c.Witnesses)
	if err != nil {
		return fmt.Errorf("marshal witnesses: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO permission_claims
		   (id, subject_id, issuer_id, organization_id, action, resource,
		    signature, witnesses, min_trust, status, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.SubjectID, c.IssuerID, c.OrganizationID, c.Action, c.Resource,
		c.Signature, witnesses, c.MinTrust, c.Status, c.IssuedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

const claimColumns = `id, subject_id, issuer_id, organization_id, action, resource,
	signature, witnesses, min_trust, status, issued_at, expires_at, revoked_at`

// ActiveClaims returns the subject's claims that are active at now:
// status active, not revoked, not past expiry. Reads the active_claims
// view so expiry is evaluated by the database against the same clock used
// for revocation.
func (r *Repository) ActiveClaims(ctx context.Context, subjectID, orgID string, now time.Time) ([]*Claim, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+claimColumns+` FROM active_claims
		 WHERE subject_id = $1 AND organization_id = $2
		   AND (expires_at IS NULL OR expires_at > $3)
		 ORDER BY issued_at DESC`,
		subjectID, orgID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("query active claims: %w", err)
	}
	defer rows.Close()

	var claims []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// GetClaim returns a claim by id regardless of status.
func (r *Repository) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM permission_claims WHERE id = $1`, id)
	c, err := scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// RevokeClaim marks a claim revoked and appends the audit record in one
// transaction. Already-terminal claims return ErrAlreadyTerminal.
func (r *Repository) RevokeClaim(ctx context.Context, id uuid.UUID, rec *RevocationRecord) error {
	return r.revoke(ctx, rec, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx,
			`UPDATE permission_claims
			 SET status = 'revoked', revoked_at = $2
			 WHERE id = $1 AND status = 'active'`,
			id, rec.CreatedAt,
		)
		return tag.RowsAffected(), err
	})
}

// CreateDelegation inserts a delegation.
func (r *Repository) CreateDelegation(ctx context.Context, d *Delegation) error {
	grants, err := json.Marshal(d.Grants)
	if err != nil {
		return fmt.Errorf("marshal grants: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO delegations
		   (id, delegator_id, delegatee_id, organization_id, grants,
		    budget_atp, rate_ceiling, valid_from, valid_until,
		    parent_id, depth, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.DelegatorID, d.DelegateeID, d.OrganizationID, grants,
		d.BudgetATP, d.RateCeiling, d.ValidFrom, d.ValidUntil,
		d.ParentID, d.Depth, d.Status, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delegation: %w", err)
	}
	return nil
}

const delegationColumns = `id, delegator_id, delegatee_id, organization_id, grants,
	budget_atp, rate_ceiling, valid_from, valid_until, parent_id, depth, status, created_at`

// ActiveDelegations returns the delegatee's delegations active at now,
// read from the active_delegations view.
func (r *Repository) ActiveDelegations(ctx context.Context, delegateeID, orgID string, now time.Time) ([]*Delegation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+delegationColumns+` FROM active_delegations
		 WHERE delegatee_id = $1 AND organization_id = $2
		   AND valid_from <= $3 AND valid_until > $3
		 ORDER BY created_at DESC`,
		delegateeID, orgID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("query active delegations: %w", err)
	}
	defer rows.Close()

	var delegations []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		delegations = append(delegations, d)
	}
	return delegations, rows.Err()
}

// GetDelegation returns a delegation by id regardless of status.
func (r *Repository) GetDelegation(ctx context.Context, id uuid.UUID) (*Delegation, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+delegationColumns+` FROM delegations WHERE id = $1`, id)
	d, err := scanDelegation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// UpdateDelegationStatus transitions a delegation from one status to
// another. Used for suspend/resume; revocation goes through
// RevokeDelegation so the audit record is written.
func (r *Repository) UpdateDelegationStatus(ctx context.Context, id uuid.UUID, from, to DelegationStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delegations SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return fmt.Errorf("update delegation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: delegation %s not in status %s", ErrNotFound, id, from)
	}
	return nil
}

// RevokeDelegation marks a delegation revoked and appends the audit
// record in one transaction.
func (r *Repository) RevokeDelegation(ctx context.Context, id uuid.UUID, rec *RevocationRecord) error {
	return r.revoke(ctx, rec, func(tx pgx.Tx) (int64, error) {
		tag, err := tx.Exec(ctx,
			`UPDATE delegations
			 SET status = 'revoked'
			 WHERE id = $1 AND status IN ('active', 'suspended')`,
			id,
		)
		return tag.RowsAffected(), err
	})
}

// CountDelegationsSince counts delegations created by a delegator since
// the given time, for the creation rate limit.
func (r *Repository) CountDelegationsSince(ctx context.Context, delegatorID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM delegations WHERE delegator_id = $1 AND created_at >= $2`,
		delegatorID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count delegations: %w", err)
	}
	return n, nil
}

// ListRevocations returns the audit trail, newest first.
func (r *Repository) ListRevocations(ctx context.Context, limit int) ([]*RevocationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, target_type, target_id, revoked_by, reason, created_at
		 FROM revocations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query revocations: %w", err)
	}
	defer rows.Close()

	var records []*RevocationRecord
	for rows.Next() {
		rec := &RevocationRecord{}
		if err := rows.Scan(&rec.ID, &rec.TargetType, &rec.TargetID, &rec.RevokedBy, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revocation: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) revoke(ctx context.Context, rec *RevocationRecord, update func(pgx.Tx) (int64, error)) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin revoke tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	affected, err := update(tx)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", rec.TargetType, err)
	}
	if affected == 0 {
		return ErrAlreadyTerminal
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO revocations (id, target_type, target_id, revoked_by, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.TargetType, rec.TargetID, rec.RevokedBy, rec.Reason, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert revocation record: %w", err)
	}

	return tx.Commit(ctx)
}

func scanClaim(row pgx.Row) (*Claim, error) {
	c := &Claim{}
	var witnesses []byte
	err := row.Scan(
		&c.ID, &c.SubjectID, &c.IssuerID, &c.OrganizationID, &c.Action, &c.Resource,
		&c.Signature, &witnesses, &c.MinTrust, &c.Status, &c.IssuedAt, &c.ExpiresAt, &c.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(witnesses) > 0 {
		if err := json.Unmarshal(witnesses, &c.Witnesses); err != nil {
			return nil, fmt.Errorf("unmarshal witnesses: %w", err)
		}
	}
	return c, nil
}

func scanDelegation(row pgx.Row) (*Delegation, error) {
	d := &Delegation{}
	var grants []byte
	err := row.Scan(
		&d.ID, &d.DelegatorID, &d.DelegateeID, &d.OrganizationID, &grants,
		&d.BudgetATP, &d.RateCeiling, &d.ValidFrom, &d.ValidUntil,
		&d.ParentID, &d.Depth, &d.Status, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(grants, &d.Grants); err != nil {
		return nil, fmt.Errorf("unmarshal grants: %w", err)
	}
	return d, nil
}
