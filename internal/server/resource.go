package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/atp"
	"github.com/tessera-ledger/tessera/internal/authz"
)

// ResourceHandler exposes the ATP resource ledger.
type ResourceHandler struct {
	svc    *atp.Service
	repo   *atp.Repository
	logger *zap.Logger
}

// NewResourceHandler creates a ResourceHandler.
func NewResourceHandler(svc *atp.Service, repo *atp.Repository, logger *zap.Logger) *ResourceHandler {
	return &ResourceHandler{svc: svc, repo: repo, logger: logger}
}

// Register mounts the resource routes.
func (h *ResourceHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/sequences")
	{
		s.POST("", h.Create)
		s.GET("/:id", h.Get)
		s.GET("/:id/checkpoints", h.Checkpoints)
		s.POST("/:id/iterations", h.RecordIteration)
		s.POST("/:id/consumption", h.RecordConsumption)
		s.POST("/:id/finalize", h.Finalize)
		s.POST("/:id/cancel", h.Cancel)
		s.POST("/:id/insurance", h.PurchaseInsurance)
		s.POST("/:id/insurance/claim", h.ClaimInsurance)
	}
}

type createSequenceRequest struct {
	EntityID          string  `json:"entity_id" binding:"required"`
	OrganizationID    string  `json:"organization_id" binding:"required"`
	Kind              string  `json:"kind"`
	MaxIterations     int     `json:"max_iterations" binding:"required"`
	ReservedATP       float64 `json:"reserved_atp" binding:"required"`
	ConvergenceTarget float64 `json:"convergence_target"`
	RefundPolicy      string  `json:"refund_policy"`
}

// Create handles POST /sequences.
func (h *ResourceHandler) Create(c *gin.Context) {
	var req createSequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seq, err := h.svc.CreateSequence(c.Request.Context(), atp.CreateSequenceRequest{
		EntityID:          req.EntityID,
		OrganizationID:    req.OrganizationID,
		Kind:              req.Kind,
		MaxIterations:     req.MaxIterations,
		Reserved:          req.ReservedATP,
		ConvergenceTarget: req.ConvergenceTarget,
		Policy:            atp.RefundPolicy(req.RefundPolicy),
	})
	if errors.Is(err, atp.ErrReputationGate) {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("create sequence", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, seq)
}

// Get handles GET /sequences/:id.
func (h *ResourceHandler) Get(c *gin.Context) {
	id, ok := h.sequenceID(c)
	if !ok {
		return
	}
	seq, err := h.repo.GetSequence(c.Request.Context(), id)
	if errors.Is(err, atp.ErrSequenceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sequence not found"})
		return
	}
	if err != nil {
		h.logger.Error("get sequence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read sequence"})
		return
	}
	c.JSON(http.StatusOK, seq)
}

// Checkpoints handles GET /sequences/:id/checkpoints.
func (h *ResourceHandler) Checkpoints(c *gin.Context) {
	id, ok := h.sequenceID(c)
	if !ok {
		return
	}
	cps, err := h.repo.ListCheckpoints(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list checkpoints", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read checkpoints"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

type iterationRequest struct {
	Energy    float64         `json:"energy"`
	StateHash string          `json:"state_hash" binding:"required"`
	CostATP   float64         `json:"cost_atp" binding:"required"`
	Witnesses []authz.Witness `json:"witnesses"`
}

// RecordIteration handles POST /sequences/:id/iterations.
func (h *ResourceHandler) RecordIteration(c *gin.Context) {
	id, ok := h.sequenceID(c)
	if !ok {
		return
	}
	var req iterationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.svc.RecordIteration(c.Request.Context(), id, req.Energy, req.StateHash, req.CostATP, req.Witnesses)
	switch {
	case errors.Is(err, atp.ErrBudgetExhausted):
		// The sequence has been failed; the verdict still describes it.
		c.JSON(http.StatusPaymentRequired, result)
	case errors.Is(err, atp.ErrSequenceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "sequence not found"})
	case errors.Is(err, atp.ErrSequenceTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("record iteration", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record iteration"})
	default:
		c.JSON(http.StatusOK, result)
	}
}

type consumptionRequest struct {
	AmountATP float64 `json:"amount_atp" binding:"required"`
}

// RecordConsumption handles POST /sequences/:id/consumption — marks part
// of the consumed budget as committed to real resource cost.
func (h *ResourceHandler) RecordConsumption(c *gin.Context) {
	id, ok := h.sequenceID(c)
	if !ok {
		return
	}
	var req consumptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.svc.RecordResourceConsumption(c.Request.Context(), id, req.AmountATP)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, atp.ErrSequenceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "sequence not found"})
	case errors.Is(err, atp.ErrSequenceTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

type finalizeRequest struct {
	Success *bool `json:"success" binding:"required"`
}

// Finalize handles POST /sequences/:id/finalize.
func (h *ResourceHandler) Finalize(c *gin.Context) {
	id, ok := h.sequenceID(c)
	if !ok {
		return
	}
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	refund, err := h.svc.Finalize(c.Request.Context(), id, *req.Success)
	h.respondRefund(c, refund, err)
}

// Cancel handles POST /sequences/:id/cancel — cooperative cancellation
// plus the failure refund path.
func (h *ResourceHandler) Cancel(c *gin.Context) {
	id, ok := h.sequenceID(c)
	if !ok {
		return
	}
	refund, err := h.svc.Cancel(c.Request.Context(), id)
	h.respondRefund(c, refund, err)
}

func (h *ResourceHandler) respondRefund(c *gin.Context, refund atp.Refund, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, refund)
	case errors.Is(err, atp.ErrSequenceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "sequence not found"})
	case errors.Is(err, atp.ErrSequenceTerminal), errors.Is(err, atp.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("finalize sequence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "finalize failed"})
	}
}

type insuranceRequest struct {
	CoverageRatio float64 `json:"coverage_ratio" binding:"required"`
	PremiumRate   float64 `json:"premium_rate" binding:"required"`
	TTLSeconds    int     `json:"ttl_seconds"`
}

// PurchaseInsurance handles POST /sequences/:id/insurance.
func (h *ResourceHandler) PurchaseInsurance(c *gin.Context) {
	id, ok := h.sequenceID(c)
	if !ok {
		return
	}
	var req insuranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := h.svc.PurchaseInsurance(c.Request.Context(), id,
		req.CoverageRatio, req.PremiumRate, time.Duration(req.TTLSeconds)*time.Second)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, policy)
	case errors.Is(err, atp.ErrSequenceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "sequence not found"})
	case errors.Is(err, atp.ErrSequenceTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

type insuranceClaimRequest struct {
	ATPLost float64 `json:"atp_lost" binding:"required"`
}

// ClaimInsurance handles POST /sequences/:id/insurance/claim.
func (h *ResourceHandler) ClaimInsurance(c *gin.Context) {
	id, ok := h.sequenceID(c)
	if !ok {
		return
	}
	var req insuranceClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claim, err := h.svc.ClaimInsurance(c.Request.Context(), id, req.ATPLost)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, claim)
	case errors.Is(err, atp.ErrNoActivePolicy):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active policy"})
	case errors.Is(err, atp.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func (h *ResourceHandler) sequenceID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence id"})
		return uuid.Nil, false
	}
	return id, true
}
