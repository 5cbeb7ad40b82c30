package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/mitigation"
	"github.com/tessera-ledger/tessera/internal/trust"
)

// TrustHandler exposes read endpoints for trust records and history.
// Reads may lag the event stream by up to one flush interval.
type TrustHandler struct {
	reader   trust.Reader
	history  *trust.Repository
	detector *mitigation.WashingDetector
	logger   *zap.Logger
}

// NewTrustHandler creates a TrustHandler. detector may be nil to disable
// the advisory washing endpoint.
func NewTrustHandler(reader trust.Reader, history *trust.Repository, detector *mitigation.WashingDetector, logger *zap.Logger) *TrustHandler {
	return &TrustHandler{reader: reader, history: history, detector: detector, logger: logger}
}

// Register mounts the trust routes.
func (h *TrustHandler) Register(rg *gin.RouterGroup) {
	t := rg.Group("/trust")
	{
		t.GET("/:org/:entity", h.Get)
		t.GET("/:org/:entity/history", h.History)
		if h.detector != nil {
			t.GET("/:org/:entity/washing", h.Washing)
		}
	}
}

type trustResponse struct {
	*trust.Record
	CapabilityComposite  float64     `json:"capability_composite"`
	TransactionComposite float64     `json:"transaction_composite"`
	Level                trust.Level `json:"level"`
}

// Get handles GET /trust/:org/:entity. Composite and level are computed
// on read, never stored.
func (h *TrustHandler) Get(c *gin.Context) {
	orgID, entityID := c.Param("org"), c.Param("entity")

	rec, err := h.reader.Get(c.Request.Context(), entityID, orgID)
	if errors.Is(err, trust.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trust record"})
		return
	}
	if err != nil {
		h.logger.Error("get trust", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read trust record"})
		return
	}

	c.JSON(http.StatusOK, trustResponse{
		Record:               rec,
		CapabilityComposite:  rec.CapabilityComposite(),
		TransactionComposite: rec.TransactionComposite(),
		Level:                rec.Level(),
	})
}

// History handles GET /trust/:org/:entity/history.
func (h *TrustHandler) History(c *gin.Context) {
	orgID, entityID := c.Param("org"), c.Param("entity")

	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	entries, err := h.history.GetHistory(c.Request.Context(), entityID, orgID, limit)
	if err != nil {
		h.logger.Error("get trust history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read trust history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Washing handles GET /trust/:org/:entity/washing — an advisory
// reputation-washing risk report.
func (h *TrustHandler) Washing(c *gin.Context) {
	orgID, entityID := c.Param("org"), c.Param("entity")

	report, err := h.detector.Analyze(c.Request.Context(), entityID, orgID)
	if errors.Is(err, trust.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trust record"})
		return
	}
	if err != nil {
		h.logger.Error("washing analysis", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}
