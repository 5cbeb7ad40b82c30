package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/merkle"
)

// ErrNotFound is returned when no trust record exists for a key.
var ErrNotFound = errors.New("trust record not found")

// Repository persists trust records, their history, and the Merkle
// artifacts of each flush against PostgreSQL.
type Repository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a Repository.
func NewRepository(db *pgxpool.Pool, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Get returns the trust record for (entity, organization).
func (r *Repository) Get(ctx context.Context, entityID, orgID string) (*Record, error) {
	rec := &Record{}
	err := r.db.QueryRow(ctx,
		`SELECT entity_id, organization_id,
		        competence, consistency, temperament,
		        veracity, validity, valuation,
		        total_actions, total_transactions, updated_at
		 FROM trust_records WHERE entity_id = $1 AND organization_id = $2`,
		entityID, orgID,
	).Scan(
		&rec.EntityID, &rec.OrganizationID,
		&rec.Capability.Competence, &rec.Capability.Consistency, &rec.Capability.Temperament,
		&rec.Transaction.Veracity, &rec.Transaction.Validity, &rec.Transaction.Valuation,
		&rec.TotalActions, &rec.TotalTransactions, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust record: %w", err)
	}
	return rec, nil
}

// GetHistory returns the most recent committed deltas for a key, newest
// first, up to limit.
func (r *Repository) GetHistory(ctx context.Context, entityID, orgID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, entity_id, organization_id,
		        competence_delta, consistency_delta, temperament_delta,
		        veracity_delta, validity_delta, valuation_delta,
		        action_count, transaction_count, merkle_root, flushed_at
		 FROM trust_history
		 WHERE entity_id = $1 AND organization_id = $2
		 ORDER BY flushed_at DESC LIMIT $3`,
		entityID, orgID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query trust history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(
			&e.ID, &e.EntityID, &e.OrganizationID,
			&e.Delta.Competence, &e.Delta.Consistency, &e.Delta.Temperament,
			&e.Delta.Veracity, &e.Delta.Validity, &e.Delta.Valuation,
			&e.Delta.ActionCount, &e.Delta.TransactionCount, &e.MerkleRoot, &e.FlushedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Delta.EntityID = e.EntityID
		e.Delta.OrganizationID = e.OrganizationID
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ApplyBatch commits one flush in a single transaction: the chained root
// record, the per-leaf proofs, the score updates, and the history rows.
// Any failure rolls back the whole batch so the batcher can requeue it.
//
// Score rows are locked per key (SELECT ... FOR UPDATE) so multiple ledger
// instances sharing one database cannot lose updates. Penalty scaling and
// clamping happen in Go against the locked current values.
func (r *Repository) ApplyBatch(ctx context.Context, flushedAt time.Time, deltas []*Delta, root *merkle.RootRecord, proofs []merkle.LeafProof) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := merkle.AppendRootTx(ctx, tx, root); err != nil {
		return err
	}
	if err := merkle.InsertProofsTx(ctx, tx, proofs); err != nil {
		return err
	}

	for _, d := range deltas {
		if err := applyDeltaTx(ctx, tx, d); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO trust_history
			   (id, entity_id, organization_id,
			    competence_delta, consistency_delta, temperament_delta,
			    veracity_delta, validity_delta, valuation_delta,
			    action_count, transaction_count, merkle_root, flushed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			uuid.New(), d.EntityID, d.OrganizationID,
			d.Competence, d.Consistency, d.Temperament,
			d.Veracity, d.Validity, d.Valuation,
			d.ActionCount, d.TransactionCount, root.RootHash, flushedAt,
		); err != nil {
			return fmt.Errorf("insert history for %s: %w", d.Key(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit flush tx: %w", err)
	}

	r.logger.Debug("trust batch applied",
		zap.Int("deltas", len(deltas)),
		zap.String("root", root.RootHash),
	)
	return nil
}

func applyDeltaTx(ctx context.Context, tx pgx.Tx, d *Delta) error {
	rec := NewRecord(d.EntityID, d.OrganizationID)
	err := tx.QueryRow(ctx,
		`SELECT competence, consistency, temperament,
		        veracity, validity, valuation,
		        total_actions, total_transactions
		 FROM trust_records
		 WHERE entity_id = $1 AND organization_id = $2
		 FOR UPDATE`,
		d.EntityID, d.OrganizationID,
	).Scan(
		&rec.Capability.Competence, &rec.Capability.Consistency, &rec.Capability.Temperament,
		&rec.Transaction.Veracity, &rec.Transaction.Validity, &rec.Transaction.Valuation,
		&rec.TotalActions, &rec.TotalTransactions,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		rec.ApplyDelta(d)
		if _, err := tx.Exec(ctx,
			`INSERT INTO trust_records
			   (entity_id, organization_id,
			    competence, consistency, temperament,
			    veracity, validity, valuation,
			    total_actions, total_transactions, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
			rec.EntityID, rec.OrganizationID,
			rec.Capability.Competence, rec.Capability.Consistency, rec.Capability.Temperament,
			rec.Transaction.Veracity, rec.Transaction.Validity, rec.Transaction.Valuation,
			rec.TotalActions, rec.TotalTransactions,
		); err != nil {
			return fmt.Errorf("insert trust record %s: %w", d.Key(), err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lock trust record %s: %w", d.Key(), err)
	}

	rec.ApplyDelta(d)
	if _, err := tx.Exec(ctx,
		`UPDATE trust_records
		 SET competence = $3, consistency = $4, temperament = $5,
		     veracity = $6, validity = $7, valuation = $8,
		     total_actions = $9, total_transactions = $10, updated_at = now()
		 WHERE entity_id = $1 AND organization_id = $2`,
		rec.EntityID, rec.OrganizationID,
		rec.Capability.Competence, rec.Capability.Consistency, rec.Capability.Temperament,
		rec.Transaction.Veracity, rec.Transaction.Validity, rec.Transaction.Valuation,
		rec.TotalActions, rec.TotalTransactions,
	); err != nil {
		return fmt.Errorf("update trust record %s: %w", d.Key(), err)
	}
	return nil
}
