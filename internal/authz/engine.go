package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/trust"
)

// DefaultMaxChainDepth bounds delegation chains.
const DefaultMaxChainDepth = 5

// DefaultMaxDelegationsPerHour bounds delegation creation per delegator.
const DefaultMaxDelegationsPerHour = 100

// repo is the storage interface consumed by the engine.
type repo interface {
	CreateClaim(ctx context.Context, c *Claim) error
	ActiveClaims(ctx context.Context, subjectID, orgID string, now time.Time) ([]*Claim, error)
	GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error)
	RevokeClaim(ctx context.Context, id uuid.UUID, rec *RevocationRecord) error

	CreateDelegation(ctx context.Context, d *Delegation) error
	ActiveDelegations(ctx context.Context, delegateeID, orgID string, now time.Time) ([]*Delegation, error)
	GetDelegation(ctx context.Context, id uuid.UUID) (*Delegation, error)
	UpdateDelegationStatus(ctx context.Context, id uuid.UUID, from, to DelegationStatus) error
	RevokeDelegation(ctx context.Context, id uuid.UUID, rec *RevocationRecord) error
	CountDelegationsSince(ctx context.Context, delegatorID string, since time.Time) (int, error)
}

// Engine evaluates authorization and issues delegations.
//
// Trust reads go through a store-backed Reader so trust conditions see at
// most one flush interval of staleness; claim and delegation state is
// always read live.
type Engine struct {
	repo     repo
	trust    trust.Reader
	maxDepth int
	maxRate  int
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxChainDepth overrides the delegation chain depth limit.
func WithMaxChainDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// WithMaxDelegationsPerHour overrides the creation rate limit.
func WithMaxDelegationsPerHour(n int) Option {
	return func(e *Engine) { e.maxRate = n }
}

// NewEngine creates an Engine.
func NewEngine(r repo, trustReader trust.Reader, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:     r,
		trust:    trustReader,
		maxDepth: DefaultMaxChainDepth,
		maxRate:  DefaultMaxDelegationsPerHour,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsAuthorized decides whether entity may perform action on resource in
// the organization. Denials carry a reason distinguishing "no grant" from
// "grant present but condition unmet" from chain failures.
func (e *Engine) IsAuthorized(ctx context.Context, entityID, action, resource, orgID string) (Decision, error) {
	now := time.Now().UTC()

	allowed, reason, err := e.directClaimAllows(ctx, entityID, action, resource, orgID, now)
	if err != nil {
		return Decision{}, err
	}
	if allowed {
		return Decision{Allowed: true, Reason: reason}, nil
	}
	conditionReason := reason

	delegations, err := e.repo.ActiveDelegations(ctx, entityID, orgID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("load delegations: %w", err)
	}

	var chainReason string
	for _, d := range delegations {
		if !d.Covers(action, resource) {
			continue
		}
		ok, why, err := e.authorizeChain(ctx, d, action, resource, orgID, now)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return Decision{Allowed: true, Reason: why}, nil
		}
		chainReason = why
	}

	switch {
	case conditionReason != "":
		return Decision{Allowed: false, Reason: conditionReason}, nil
	case chainReason != "":
		return Decision{Allowed: false, Reason: chainReason}, nil
	default:
		return Decision{Allowed: false, Reason: "no matching grant"}, nil
	}
}

// directClaimAllows checks the entity's own claims. When a matching claim
// exists but its trust condition fails, allowed is false and reason
// explains the unmet condition; with no matching claim both are zero.
func (e *Engine) directClaimAllows(ctx context.Context, entityID, action, resource, orgID string, now time.Time) (allowed bool, reason string, err error) {
	claims, err := e.repo.ActiveClaims(ctx, entityID, orgID, now)
	if err != nil {
		return false, "", fmt.Errorf("load claims: %w", err)
	}

	var conditionReason string
	for _, c := range claims {
		if !c.Matches(action, resource) {
			continue
		}
		if c.MinTrust != nil {
			score, err := e.capabilityComposite(ctx, entityID, orgID)
			if err != nil {
				return false, "", err
			}
			if score < *c.MinTrust {
				conditionReason = fmt.Sprintf(
					"grant %s present but capability composite %.3f below required minimum %.3f",
					c.ID, score, *c.MinTrust)
				continue
			}
		}
		return true, fmt.Sprintf("claim %s grants %s:%s", c.ID, c.Action, c.Resource), nil
	}
	return false, conditionReason, nil
}

// authorizeChain walks a delegation chain to its root. Every edge must be
// active at now, every ancestor must itself cover the action, the depth
// must stay within the limit, and the root delegator must hold a direct
// claim for the action. The walk is an explicit bounded loop over ids,
// never recursion.
func (e *Engine) authorizeChain(ctx context.Context, d *Delegation, action, resource, orgID string, now time.Time) (bool, string, error) {
	cur := d
	for depth := 1; ; depth++ {
		if depth > e.maxDepth {
			return false, fmt.Sprintf("delegation chain depth exceeds maximum %d", e.maxDepth), nil
		}
		if !cur.ActiveAt(now) {
			return false, fmt.Sprintf("delegation %s is not active (%s)", cur.ID, cur.Status), nil
		}
		if !cur.Covers(action, resource) {
			return false, fmt.Sprintf("delegation %s does not cover %s:%s", cur.ID, action, resource), nil
		}

		if cur.ParentID == nil {
			// Root of the chain: the delegator's own authority caps
			// everything below it.
			ok, condReason, err := e.directClaimAllows(ctx, cur.DelegatorID, action, resource, orgID, now)
			if err != nil {
				return false, "", err
			}
			if !ok {
				if condReason != "" {
					return false, fmt.Sprintf("root delegator %s: %s", cur.DelegatorID, condReason), nil
				}
				return false, fmt.Sprintf("root delegator %s holds no grant for %s:%s", cur.DelegatorID, action, resource), nil
			}
			return true, fmt.Sprintf("delegation chain rooted at %s via %s", cur.DelegatorID, d.ID), nil
		}

		parent, err := e.repo.GetDelegation(ctx, *cur.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, fmt.Sprintf("delegation %s references missing parent", cur.ID), nil
			}
			return false, "", fmt.Errorf("load parent delegation: %w", err)
		}
		if parent.DelegateeID != cur.DelegatorID {
			return false, fmt.Sprintf("delegation %s delegator is not delegatee of parent %s", cur.ID, parent.ID), nil
		}
		cur = parent
	}
}

// CreateDelegationRequest carries the parameters for a new delegation.
type CreateDelegationRequest struct {
	DelegatorID    string
	DelegateeID    string
	OrganizationID string
	Grants         []string
	BudgetATP      float64
	RateCeiling    int
	ValidFrom      time.Time
	ValidUntil     time.Time
	ParentID       *uuid.UUID
}

// CreateDelegation validates and issues a delegation.
func (e *Engine) CreateDelegation(ctx context.Context, req CreateDelegationRequest) (*Delegation, error) {
	now := time.Now().UTC()

	if req.DelegatorID == req.DelegateeID {
		return nil, ErrSelfDelegation
	}
	if len(req.Grants) == 0 {
		return nil, fmt.Errorf("%w: no grants requested", ErrInsufficientAuthority)
	}
	if !req.ValidUntil.After(req.ValidFrom) {
		return nil, fmt.Errorf("invalid delegation: validity window ends before it starts")
	}

	count, err := e.repo.CountDelegationsSince(ctx, req.DelegatorID, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count recent delegations: %w", err)
	}
	if count >= e.maxRate {
		return nil, fmt.Errorf("%w: %d created in the last hour (max %d)",
			ErrDelegationRateLimited, count, e.maxRate)
	}

	depth := 1
	if req.ParentID != nil {
		parent, err := e.repo.GetDelegation(ctx, *req.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: parent %s not found", ErrParentNotActive, req.ParentID)
			}
			return nil, fmt.Errorf("load parent delegation: %w", err)
		}
		if !parent.ActiveAt(now) {
			return nil, fmt.Errorf("%w: parent %s is %s", ErrParentNotActive, parent.ID, parent.Status)
		}
		if parent.DelegateeID != req.DelegatorID {
			return nil, fmt.Errorf("%w: parent %s", ErrParentMismatch, parent.ID)
		}
		depth = parent.Depth + 1
		if depth > e.maxDepth {
			return nil, fmt.Errorf("%w: depth %d exceeds maximum %d", ErrDepthExceeded, depth, e.maxDepth)
		}
		if req.BudgetATP > parent.BudgetATP {
			return nil, fmt.Errorf("%w: %.1f > %.1f", ErrExceedsParentBudget, req.BudgetATP, parent.BudgetATP)
		}
		if req.ValidFrom.Before(parent.ValidFrom) || req.ValidUntil.After(parent.ValidUntil) {
			return nil, ErrOutsideParentWindow
		}
		for _, g := range req.Grants {
			if !parentGrantsCover(parent.Grants, g) {
				return nil, fmt.Errorf("%w: %q", ErrOutsideParentGrants, g)
			}
		}
	} else {
		// A root delegation cannot exceed the delegator's own authority.
		for _, g := range req.Grants {
			ga, gr, ok := splitGrant(g)
			if !ok {
				return nil, fmt.Errorf("invalid delegation: malformed grant %q", g)
			}
			allowed, _, err := e.directClaimAllows(ctx, req.DelegatorID, ga, gr, req.OrganizationID, now)
			if err != nil {
				return nil, err
			}
			if !allowed {
				return nil, fmt.Errorf("%w: no claim covers %q", ErrInsufficientAuthority, g)
			}
		}
	}

	d := &Delegation{
		ID:             uuid.New(),
		DelegatorID:    req.DelegatorID,
		DelegateeID:    req.DelegateeID,
		OrganizationID: req.OrganizationID,
		Grants:         req.Grants,
		BudgetATP:      req.BudgetATP,
		RateCeiling:    req.RateCeiling,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		ParentID:       req.ParentID,
		Depth:          depth,
		Status:         DelegationActive,
		CreatedAt:      now,
	}
	if err := e.repo.CreateDelegation(ctx, d); err != nil {
		return nil, fmt.Errorf("create delegation: %w", err)
	}

	e.logger.Info("delegation created",
		zap.String("id", d.ID.String()),
		zap.String("delegator", d.DelegatorID),
		zap.String("delegatee", d.DelegateeID),
		zap.Int("depth", d.Depth),
	)
	return d, nil
}

// IssueClaim stores a new permission claim as active.
func (e *Engine) IssueClaim(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Status = ClaimActive
	c.IssuedAt = time.Now().UTC()
	if err := e.repo.CreateClaim(ctx, c); err != nil {
		return fmt.Errorf("issue claim: %w", err)
	}
	e.logger.Info("claim issued",
		zap.String("id", c.ID.String()),
		zap.String("subject", c.SubjectID),
		zap.String("grant", c.Action+":"+c.Resource),
	)
	return nil
}

// Revoke transitions a claim or delegation to revoked and writes the
// append-only audit record in the same transaction. The revocation is
// visible to the next authorization check immediately.
func (e *Engine) Revoke(ctx context.Context, targetType string, targetID uuid.UUID, revokedBy, reason string) error {
	rec := &RevocationRecord{
		ID:         uuid.New(),
		TargetType: targetType,
		TargetID:   targetID,
		RevokedBy:  revokedBy,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}

	var err error
	switch targetType {
	case "claim":
		err = e.repo.RevokeClaim(ctx, targetID, rec)
	case "delegation":
		err = e.repo.RevokeDelegation(ctx, targetID, rec)
	default:
		return fmt.Errorf("unknown revocation target type %q", targetType)
	}
	if err != nil {
		return err
	}

	e.logger.Info("revoked",
		zap.String("target_type", targetType),
		zap.String("target_id", targetID.String()),
		zap.String("revoked_by", revokedBy),
		zap.String("reason", reason),
	)
	return nil
}

// Suspend pauses an active delegation. Reversible via Resume.
func (e *Engine) Suspend(ctx context.Context, id uuid.UUID) error {
	return e.repo.UpdateDelegationStatus(ctx, id, DelegationActive, DelegationSuspended)
}

// Resume reactivates a suspended delegation.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) error {
	return e.repo.UpdateDelegationStatus(ctx, id, DelegationSuspended, DelegationActive)
}

func (e *Engine) capabilityComposite(ctx context.Context, entityID, orgID string) (float64, error) {
	rec, err := e.trust.Get(ctx, entityID, orgID)
	if errors.Is(err, trust.ErrNotFound) {
		return trust.NewRecord(entityID, orgID).CapabilityComposite(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("read trust record: %w", err)
	}
	return rec.CapabilityComposite(), nil
}

func parentGrantsCover(parentGrants []string, grant string) bool {
	for _, pg := range parentGrants {
		if grantCovers(pg, grant) {
			return true
		}
	}
	return false
}
