package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler exchanges credentials for service and admin tokens.
type AuthHandler struct {
	tokens          *TokenIssuer
	adminSecretHash string
	logger          *zap.Logger
}

// NewAuthHandler creates an AuthHandler. adminSecretHash is the bcrypt
// hash of the deployment's admin secret; empty disables admin tokens.
func NewAuthHandler(tokens *TokenIssuer, adminSecretHash string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{tokens: tokens, adminSecretHash: adminSecretHash, logger: logger}
}

// Register mounts the auth routes.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	auth := rg.Group("/auth")
	{
		auth.POST("/admin-token", h.AdminToken)
	}
}

type adminTokenRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// AdminToken handles POST /auth/admin-token — exchanges the static admin
// secret for a short-lived admin JWT.
func (h *AuthHandler) AdminToken(c *gin.Context) {
	var req adminTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !CheckAdminSecret(h.adminSecretHash, req.Secret) {
		h.logger.Warn("admin token exchange rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
		return
	}

	token, err := h.tokens.IssueAdmin(8 * time.Hour)
	if err != nil {
		h.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int((8 * time.Hour).Seconds())})
}
