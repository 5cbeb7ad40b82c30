package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/alerting"
	"github.com/tessera-ledger/tessera/internal/merkle"
)

// MerkleHandler exposes the commitment chain: inclusion verification,
// root listing, chain verification, and per-leaf proof lookup.
type MerkleHandler struct {
	repo   *merkle.Repository
	alerts *alerting.Notifier
	logger *zap.Logger
}

// NewMerkleHandler creates a MerkleHandler.
func NewMerkleHandler(repo *merkle.Repository, alerts *alerting.Notifier, logger *zap.Logger) *MerkleHandler {
	return &MerkleHandler{repo: repo, alerts: alerts, logger: logger}
}

// Register mounts the merkle routes.
func (h *MerkleHandler) Register(rg *gin.RouterGroup) {
	m := rg.Group("/merkle")
	{
		m.POST("/verify", h.Verify)
		m.GET("/roots", h.Roots)
		m.GET("/chain/verify", h.VerifyChain)
		m.GET("/proof", h.GetProof)
	}
}

type verifyRequest struct {
	EntityID       string          `json:"entity_id"`
	OrganizationID string          `json:"organization_id"`
	LeafHash       string          `json:"leaf_hash" binding:"required"`
	Proof          json.RawMessage `json:"proof" binding:"required"`
	RootHash       string          `json:"root_hash" binding:"required"`
}

// Verify handles POST /merkle/verify — recomputes the root from a leaf
// and its proof. A mismatch on a previously committed leaf is an
// integrity violation and raises an operator alert.
func (h *MerkleHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proof, err := merkle.DecodeProof(req.Proof)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	valid, err := merkle.VerifyHex(req.LeafHash, proof, req.RootHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !valid && h.alerts != nil {
		h.alerts.NotifyIntegrityViolation(c.Request.Context(),
			req.EntityID, req.OrganizationID, req.RootHash,
			"inclusion proof failed to reproduce root")
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// Roots handles GET /merkle/roots — the chain, oldest first.
func (h *MerkleHandler) Roots(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 10000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 10000"})
			return
		}
		limit = n
	}

	roots, err := h.repo.ListRoots(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list roots", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list roots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roots": roots})
}

// VerifyChain handles GET /merkle/chain/verify — walks every root record
// and checks the predecessor links.
func (h *MerkleHandler) VerifyChain(c *gin.Context) {
	if err := h.repo.VerifyChain(c.Request.Context()); err != nil {
		h.logger.Warn("chain verification failed", zap.Error(err))
		if h.alerts != nil {
			h.alerts.NotifyIntegrityViolation(c.Request.Context(), "", "", "", err.Error())
		}
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetProof handles GET /merkle/proof?entity=&org=&root= — returns the
// most recent stored inclusion proof for the key (or the one under the
// given root).
func (h *MerkleHandler) GetProof(c *gin.Context) {
	entityID, orgID := c.Query("entity"), c.Query("org")
	if entityID == "" || orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entity and org are required"})
		return
	}

	proof, err := h.repo.GetProof(c.Request.Context(), entityID, orgID, c.Query("root"))
	if errors.Is(err, merkle.ErrProofNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no proof recorded"})
		return
	}
	if err != nil {
		h.logger.Error("get proof", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read proof"})
		return
	}
	c.JSON(http.StatusOK, proof)
}
