package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/authz"
)

// AuthzHandler exposes the authorization and delegation engine.
type AuthzHandler struct {
	engine *authz.Engine
	repo   *authz.Repository
	logger *zap.Logger
}

// NewAuthzHandler creates an AuthzHandler.
func NewAuthzHandler(engine *authz.Engine, repo *authz.Repository, logger *zap.Logger) *AuthzHandler {
	return &AuthzHandler{engine: engine, repo: repo, logger: logger}
}

// Register mounts the authorization routes.
func (h *AuthzHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/authz/check", h.Check)
	rg.POST("/claims", h.IssueClaim)
	rg.GET("/claims/:id", h.GetClaim)

	d := rg.Group("/delegations")
	{
		d.POST("", h.CreateDelegation)
		d.GET("/:id", h.GetDelegation)
		d.POST("/:id/suspend", h.SuspendDelegation)
		d.POST("/:id/resume", h.ResumeDelegation)
	}

	rg.POST("/revocations", h.Revoke)
	rg.GET("/revocations", h.ListRevocations)
}

type checkRequest struct {
	EntityID       string `json:"entity_id" binding:"required"`
	Action         string `json:"action" binding:"required"`
	Resource       string `json:"resource" binding:"required"`
	OrganizationID string `json:"organization_id" binding:"required"`
}

// Check handles POST /authz/check. Always evaluated against the durable
// store at the current time so revocations are visible immediately.
func (h *AuthzHandler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := h.engine.IsAuthorized(c.Request.Context(), req.EntityID, req.Action, req.Resource, req.OrganizationID)
	if err != nil {
		h.logger.Error("authorization check", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization check failed"})
		return
	}
	recordAuthzDecision(decision.Allowed)
	c.JSON(http.StatusOK, decision)
}

type issueClaimRequest struct {
	SubjectID      string          `json:"subject_id" binding:"required"`
	IssuerID       string          `json:"issuer_id" binding:"required"`
	OrganizationID string          `json:"organization_id" binding:"required"`
	Action         string          `json:"action" binding:"required"`
	Resource       string          `json:"resource" binding:"required"`
	Signature      string          `json:"signature"`
	Witnesses      []authz.Witness `json:"witnesses"`
	MinTrust       *float64        `json:"min_trust"`
	ExpiresAt      *time.Time      `json:"expires_at"`
}

// IssueClaim handles POST /claims.
func (h *AuthzHandler) IssueClaim(c *gin.Context) {
	var req issueClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claim := &authz.Claim{
		SubjectID:      req.SubjectID,
		IssuerID:       req.IssuerID,
		OrganizationID: req.OrganizationID,
		Action:         req.Action,
		Resource:       req.Resource,
		Signature:      req.Signature,
		Witnesses:      req.Witnesses,
		MinTrust:       req.MinTrust,
		ExpiresAt:      req.ExpiresAt,
	}
	if err := h.engine.IssueClaim(c.Request.Context(), claim); err != nil {
		h.logger.Error("issue claim", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue claim"})
		return
	}
	c.JSON(http.StatusCreated, claim)
}

// GetClaim handles GET /claims/:id.
func (h *AuthzHandler) GetClaim(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim id"})
		return
	}
	claim, err := h.repo.GetClaim(c.Request.Context(), id)
	if errors.Is(err, authz.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "claim not found"})
		return
	}
	if err != nil {
		h.logger.Error("get claim", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read claim"})
		return
	}
	c.JSON(http.StatusOK, claim)
}

type createDelegationRequest struct {
	DelegatorID    string     `json:"delegator_id" binding:"required"`
	DelegateeID    string     `json:"delegatee_id" binding:"required"`
	OrganizationID string     `json:"organization_id" binding:"required"`
	Grants         []string   `json:"grants" binding:"required"`
	BudgetATP      float64    `json:"budget_atp"`
	RateCeiling    int        `json:"rate_ceiling"`
	ValidFrom      time.Time  `json:"valid_from" binding:"required"`
	ValidUntil     time.Time  `json:"valid_until" binding:"required"`
	ParentID       *uuid.UUID `json:"parent_id"`
}

// CreateDelegation handles POST /delegations. Every denial carries a
// specific reason.
func (h *AuthzHandler) CreateDelegation(c *gin.Context) {
	var req createDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.engine.CreateDelegation(c.Request.Context(), authz.CreateDelegationRequest{
		DelegatorID:    req.DelegatorID,
		DelegateeID:    req.DelegateeID,
		OrganizationID: req.OrganizationID,
		Grants:         req.Grants,
		BudgetATP:      req.BudgetATP,
		RateCeiling:    req.RateCeiling,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		ParentID:       req.ParentID,
	})
	if err != nil {
		h.respondDelegationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *AuthzHandler) respondDelegationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, authz.ErrDelegationRateLimited):
		c.Header("Retry-After", "3600")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, authz.ErrSelfDelegation),
		errors.Is(err, authz.ErrDepthExceeded),
		errors.Is(err, authz.ErrInsufficientAuthority),
		errors.Is(err, authz.ErrParentNotActive),
		errors.Is(err, authz.ErrParentMismatch),
		errors.Is(err, authz.ErrExceedsParentBudget),
		errors.Is(err, authz.ErrOutsideParentWindow),
		errors.Is(err, authz.ErrOutsideParentGrants):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, authz.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("create delegation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create delegation"})
	}
}

// GetDelegation handles GET /delegations/:id.
func (h *AuthzHandler) GetDelegation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delegation id"})
		return
	}
	d, err := h.repo.GetDelegation(c.Request.Context(), id)
	if errors.Is(err, authz.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "delegation not found"})
		return
	}
	if err != nil {
		h.logger.Error("get delegation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read delegation"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// SuspendDelegation handles POST /delegations/:id/suspend. Suspension is
// the only reversible delegation transition.
func (h *AuthzHandler) SuspendDelegation(c *gin.Context) {
	h.transitionDelegation(c, h.engine.Suspend)
}

// ResumeDelegation handles POST /delegations/:id/resume.
func (h *AuthzHandler) ResumeDelegation(c *gin.Context) {
	h.transitionDelegation(c, h.engine.Resume)
}

func (h *AuthzHandler) transitionDelegation(c *gin.Context, fn func(ctx context.Context, id uuid.UUID) error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delegation id"})
		return
	}
	if err := fn(c.Request.Context(), id); err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "delegation not in the expected state"})
			return
		}
		h.logger.Error("delegation transition", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type revokeRequest struct {
	TargetType string    `json:"target_type" binding:"required"`
	TargetID   uuid.UUID `json:"target_id" binding:"required"`
	RevokedBy  string    `json:"revoked_by" binding:"required"`
	Reason     string    `json:"reason" binding:"required"`
}

// Revoke handles POST /revocations — claim or delegation. The transition
// is audited and visible to the very next authorization check.
func (h *AuthzHandler) Revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.engine.Revoke(c.Request.Context(), req.TargetType, req.TargetID, req.RevokedBy, req.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	case errors.Is(err, authz.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, authz.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
	default:
		h.logger.Error("revoke", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revocation failed"})
	}
}

// ListRevocations handles GET /revocations — the append-only audit log.
func (h *AuthzHandler) ListRevocations(c *gin.Context) {
	recs, err := h.repo.ListRevocations(c.Request.Context(), 100)
	if err != nil {
		h.logger.Error("list revocations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list revocations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revocations": recs})
}
