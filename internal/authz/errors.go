package authz

import "errors"

// Delegation issuance failures. All are reported synchronously with a
// specific reason, never silently degraded.
var (
	ErrSelfDelegation        = errors.New("invalid delegation: delegator and delegatee are the same entity")
	ErrDepthExceeded         = errors.New("invalid delegation: chain depth exceeded")
	ErrInsufficientAuthority = errors.New("invalid delegation: delegator lacks the authority being delegated")
	ErrParentNotActive       = errors.New("invalid delegation: parent delegation is not active")
	ErrParentMismatch        = errors.New("invalid delegation: delegator is not the delegatee of the parent")
	ErrExceedsParentBudget   = errors.New("invalid delegation: budget exceeds parent's remaining budget")
	ErrOutsideParentWindow   = errors.New("invalid delegation: validity window falls outside the parent's")
	ErrOutsideParentGrants   = errors.New("invalid delegation: grants exceed the parent's grants")
	ErrDelegationRateLimited = errors.New("delegation creation rate limit exceeded")
)

// ErrNotFound is returned when a claim or delegation lookup finds nothing.
var ErrNotFound = errors.New("authz: not found")

// ErrAlreadyTerminal is returned when revoking a target that is already in
// a terminal state. Revocation history is append-only; a terminal status
// never transitions again.
var ErrAlreadyTerminal = errors.New("authz: target already in a terminal state")
