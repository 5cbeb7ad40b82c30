// Package entity exposes the identity records owned by the external
// identity-minting layer. The ledger only reads them; identity fields are
// immutable after minting.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no entity or organization matches.
var ErrNotFound = errors.New("entity: not found")

// Kind classifies an entity.
type Kind string

const (
	KindHuman        Kind = "human"
	KindAgent        Kind = "agent"
	KindRole         Kind = "role"
	KindOrganization Kind = "organization"
)

// Entity is a minted identity. PublicKey and HardwareRef come from the
// minting layer; a non-empty HardwareRef means the identity carries a
// verifiable hardware binding.
type Entity struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	PublicKey   string    `json:"public_key"`
	HardwareRef string    `json:"hardware_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Verified reports whether minting produced a verifiable binding.
func (e *Entity) Verified() bool {
	return e.PublicKey != "" && e.HardwareRef != ""
}

// Organization is a namespace scoping trust and permissions. May nest.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Minter is the external identity-minting collaborator. Called once per
// identity; the ledger never writes identity state itself.
type Minter interface {
	MintIdentity(ctx context.Context, kind Kind) (*Entity, error)
}

// Store reads entities and organizations from PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a Store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Get fetches an entity by id.
func (s *Store) Get(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, kind, public_key, COALESCE(hardware_ref, ''), created_at
		   FROM entities WHERE id = $1`, id)
	e := &Entity{}
	err := row.Scan(&e.ID, &e.Kind, &e.PublicKey, &e.HardwareRef, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// Verified reports whether the entity exists and carries a verifiable
// identity binding. Unknown entities are unverified, not errors.
func (s *Store) Verified(ctx context.Context, id string) (bool, error) {
	e, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Verified(), nil
}

// GetOrganization fetches an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, parent_id, created_at FROM organizations WHERE id = $1`, id)
	o := &Organization{}
	err := row.Scan(&o.ID, &o.Name, &o.ParentID, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return o, nil
}
