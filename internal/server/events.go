package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/batcher"
)

// EventsHandler accepts trust events into the batcher.
type EventsHandler struct {
	batcher *batcher.Batcher
	logger  *zap.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(b *batcher.Batcher, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{batcher: b, logger: logger}
}

// Register mounts the event routes.
func (h *EventsHandler) Register(rg *gin.RouterGroup) {
	ev := rg.Group("/events")
	{
		ev.POST("/action", h.RecordAction)
		ev.POST("/transaction", h.RecordTransaction)
	}
	rg.GET("/batcher/stats", h.Stats)
}

type actionEventRequest struct {
	EntityID       string `json:"entity_id" binding:"required"`
	OrganizationID string `json:"organization_id" binding:"required"`
	ActionKind     string `json:"action_kind" binding:"required"`
	Success        *bool  `json:"success" binding:"required"`
}

// RecordAction handles POST /events/action. Acceptance is best-effort:
// the caller gets 202 once the delta is queued; the flush happens later.
func (h *EventsHandler) RecordAction(c *gin.Context) {
	var req actionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.batcher.RecordAction(req.EntityID, req.OrganizationID, req.ActionKind, *req.Success)
	h.respond(c, err)
}

type transactionEventRequest struct {
	EntityID       string  `json:"entity_id" binding:"required"`
	OrganizationID string  `json:"organization_id" binding:"required"`
	Kind           string  `json:"kind" binding:"required"`
	Value          float64 `json:"value"`
	Verified       bool    `json:"verified"`
}

// RecordTransaction handles POST /events/transaction.
func (h *EventsHandler) RecordTransaction(c *gin.Context) {
	var req transactionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.batcher.RecordTransaction(req.EntityID, req.OrganizationID, req.Kind, req.Value, req.Verified)
	h.respond(c, err)
}

func (h *EventsHandler) respond(c *gin.Context, err error) {
	switch {
	case err == nil:
		recordEventResult("accepted")
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, batcher.ErrRateLimited):
		recordEventResult("rate_limited")
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
	case errors.Is(err, batcher.ErrPendingLimitExceeded):
		recordEventResult("pending_limit")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pending limit exceeded"})
	default:
		h.logger.Error("record event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
	}
}

// Stats handles GET /batcher/stats — a snapshot of the batcher counters.
func (h *EventsHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.batcher.Stats())
}
