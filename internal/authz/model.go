// Package authz implements the authorization engine: permission claims,
// bounded delegation chains, and append-only revocation.
//
// Authorization is deny-by-default. "Active" is always evaluated against
// the current time at read time and never cached, so a revoked grant is
// invisible to the very next check.
package authz

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClaimStatus is the lifecycle state of a permission claim.
type ClaimStatus string

const (
	ClaimActive  ClaimStatus = "active"
	ClaimExpired ClaimStatus = "expired"
	ClaimRevoked ClaimStatus = "revoked"
)

// Witness is an attestation co-signature on a claim or checkpoint.
// Signature verification is the identity layer's concern; the ledger
// stores witnesses as opaque attestations.
type Witness struct {
	EntityID  string `json:"entity_id"`
	Signature string `json:"signature"`
}

// Claim is a signed grant of {action, resource pattern} to a subject,
// scoped to an organization. Immutable once issued except for its status
// transition; revocation is recorded as an append-only audit event.
type Claim struct {
	ID             uuid.UUID   `json:"id"`
	SubjectID      string      `json:"subject_id"`
	IssuerID       string      `json:"issuer_id"`
	OrganizationID string      `json:"organization_id"`
	Action         string      `json:"action"`
	Resource       string      `json:"resource"`
	Signature      string      `json:"signature"`
	Witnesses      []Witness   `json:"witnesses,omitempty"`
	MinTrust       *float64    `json:"min_trust,omitempty"` // minimum capability composite
	Status         ClaimStatus `json:"status"`
	IssuedAt       time.Time   `json:"issued_at"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	RevokedAt      *time.Time  `json:"revoked_at,omitempty"`
}

// Matches reports whether the claim covers the given action and resource.
func (c *Claim) Matches(action, resource string) bool {
	return matchPattern(c.Action, action) && matchPattern(c.Resource, resource)
}

// DelegationStatus is the lifecycle state of a delegation. Suspension is
// reversible; revocation and expiry are terminal.
type DelegationStatus string

const (
	DelegationActive    DelegationStatus = "active"
	DelegationSuspended DelegationStatus = "suspended"
	DelegationRevoked   DelegationStatus = "revoked"
	DelegationExpired   DelegationStatus = "expired"
)

// Delegation is a directed grant of a bounded subset of the delegator's
// authority to the delegatee. Chained delegations carry a parent pointer
// by id (never by reference) and an explicit depth counter.
type Delegation struct {
	ID             uuid.UUID        `json:"id"`
	DelegatorID    string           `json:"delegator_id"`
	DelegateeID    string           `json:"delegatee_id"`
	OrganizationID string           `json:"organization_id"`
	Grants         []string         `json:"grants"` // "action:resource" patterns
	BudgetATP      float64          `json:"budget_atp"`
	RateCeiling    int              `json:"rate_ceiling"` // actions per hour
	ValidFrom      time.Time        `json:"valid_from"`
	ValidUntil     time.Time        `json:"valid_until"`
	ParentID       *uuid.UUID       `json:"parent_id,omitempty"`
	Depth          int              `json:"depth"`
	Status         DelegationStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ActiveAt reports whether the delegation is usable at t.
func (d *Delegation) ActiveAt(t time.Time) bool {
	return d.Status == DelegationActive && !t.Before(d.ValidFrom) && t.Before(d.ValidUntil)
}

// Covers reports whether any of the delegation's grants matches the given
// action and resource.
func (d *Delegation) Covers(action, resource string) bool {
	for _, g := range d.Grants {
		ga, gr, ok := splitGrant(g)
		if ok && matchPattern(ga, action) && matchPattern(gr, resource) {
			return true
		}
	}
	return false
}

// RevocationRecord is one append-only audit entry for a revocation.
type RevocationRecord struct {
	ID         uuid.UUID `json:"id"`
	TargetType string    `json:"target_type"` // "claim" or "delegation"
	TargetID   uuid.UUID `json:"target_id"`
	RevokedBy  string    `json:"revoked_by"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Decision is the outcome of an authorization check. Reason is always
// human-readable and distinguishes "no grant" from "grant present but
// condition unmet" from structural chain failures.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// matchPattern matches a value against a grant pattern. Supported forms:
// exact match, the bare wildcard "*", and a trailing wildcard such as
// "repo/*" which matches any value with that prefix.
func matchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return false
}

// patternCovers reports whether outer covers every value matched by inner,
// used when checking that a delegator's authority covers a requested grant.
func patternCovers(outer, inner string) bool {
	if outer == "*" || outer == inner {
		return true
	}
	outerPrefix, outerWild := strings.CutSuffix(outer, "*")
	if !outerWild {
		// A literal pattern only covers wildcard-free equal values.
		return false
	}
	innerPrefix, _ := strings.CutSuffix(inner, "*")
	return strings.HasPrefix(innerPrefix, outerPrefix)
}

// grantCovers reports whether the outer "action:resource" grant covers the
// inner one.
func grantCovers(outer, inner string) bool {
	oa, or, ok1 := splitGrant(outer)
	ia, ir, ok2 := splitGrant(inner)
	if !ok1 || !ok2 {
		return false
	}
	return patternCovers(oa, ia) && patternCovers(or, ir)
}

func splitGrant(grant string) (action, resource string, ok bool) {
	action, resource, ok = strings.Cut(grant, ":")
	return action, resource, ok
}
