package merkle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateRoot is returned when inserting a root that already exists.
// A duplicate root means an already-flushed batch is being replayed.
var ErrDuplicateRoot = errors.New("merkle: duplicate root hash")

// ErrProofNotFound is returned when no stored proof matches a lookup.
var ErrProofNotFound = errors.New("merkle: proof not found")

// advisoryLockKey serialises concurrent root-chain appends across ledger
// instances sharing one database. The value is arbitrary but must be
// consistent everywhere.
const advisoryLockKey = int64(7_421_008_316)

// Repository reads and writes root records and leaf proofs.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a Repository backed by the given pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// AppendRootTx inserts a root record chained to the current chain tip,
// inside the caller's transaction. It takes the chain advisory lock, reads
// the previous tip, and fills rec.PreviousRoot. A unique violation on the
// root value is mapped to ErrDuplicateRoot.
func AppendRootTx(ctx context.Context, tx pgx.Tx, rec *RootRecord) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire chain lock: %w", err)
	}

	prev := GenesisRoot
	err := tx.QueryRow(ctx,
		"SELECT root_hash FROM merkle_roots ORDER BY created_at DESC, root_hash DESC LIMIT 1",
	).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read chain tip: %w", err)
	}
	rec.PreviousRoot = prev

	_, err = tx.Exec(ctx,
		`INSERT INTO merkle_roots (root_hash, previous_root, batch_size, anchor_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.RootHash, rec.PreviousRoot, rec.BatchSize, rec.AnchorRef, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRoot
		}
		return fmt.Errorf("insert root record: %w", err)
	}
	return nil
}

// InsertProofsTx stores the per-leaf inclusion proofs of a flush inside
// the caller's transaction.
func InsertProofsTx(ctx context.Context, tx pgx.Tx, proofs []LeafProof) error {
	for i := range proofs {
		p := &proofs[i]
		encoded, err := EncodeProof(p.Proof)
		if err != nil {
			return fmt.Errorf("encode proof for %s:%s: %w", p.EntityID, p.OrganizationID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO merkle_proofs (entity_id, organization_id, leaf_index, leaf_hash, root_hash, proof, flushed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.EntityID, p.OrganizationID, p.LeafIndex, p.LeafHash, p.RootHash, encoded, p.FlushedAt,
		); err != nil {
			return fmt.Errorf("insert proof: %w", err)
		}
	}
	return nil
}

// SetAnchorRef records the external anchoring reference for a root.
// Anchoring is best-effort and happens after the flush commits.
func (r *Repository) SetAnchorRef(ctx context.Context, rootHash, anchorRef string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE merkle_roots SET anchor_ref = $2 WHERE root_hash = $1 AND anchor_ref = ''",
		rootHash, anchorRef,
	)
	if err != nil {
		return fmt.Errorf("set anchor ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("root %s not found or already anchored", rootHash)
	}
	return nil
}

// ListRoots returns root records ordered oldest to newest, up to limit.
// limit <= 0 returns the whole chain.
func (r *Repository) ListRoots(ctx context.Context, limit int) ([]RootRecord, error) {
	q := `SELECT root_hash, previous_root, batch_size, anchor_ref, created_at
	      FROM merkle_roots ORDER BY created_at ASC`
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.Query(ctx, q+" LIMIT $1", limit)
	} else {
		rows, err = r.db.Query(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("query roots: %w", err)
	}
	defer rows.Close()

	var records []RootRecord
	for rows.Next() {
		var rec RootRecord
		if err := rows.Scan(&rec.RootHash, &rec.PreviousRoot, &rec.BatchSize, &rec.AnchorRef, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan root record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// VerifyChain loads the full chain and checks every link. O(n) in chain
// length.
func (r *Repository) VerifyChain(ctx context.Context) error {
	records, err := r.ListRoots(ctx, 0)
	if err != nil {
		return err
	}
	return VerifyChain(records)
}

// GetProof returns the most recent stored proof for an entity in an
// organization, optionally pinned to a specific root.
func (r *Repository) GetProof(ctx context.Context, entityID, orgID, rootHash string) (*LeafProof, error) {
	q := `SELECT entity_id, organization_id, leaf_index, leaf_hash, root_hash, proof, flushed_at
	      FROM merkle_proofs
	      WHERE entity_id = $1 AND organization_id = $2 AND ($3 = '' OR root_hash = $3)
	      ORDER BY flushed_at DESC LIMIT 1`

	var p LeafProof
	var encoded []byte
	err := r.db.QueryRow(ctx, q, entityID, orgID, rootHash).Scan(
		&p.EntityID, &p.OrganizationID, &p.LeafIndex, &p.LeafHash, &p.RootHash, &encoded, &p.FlushedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proof: %w", err)
	}
	if p.Proof, err = DecodeProof(encoded); err != nil {
		return nil, err
	}
	return &p, nil
}
