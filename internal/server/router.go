// Package server wires the ledger's HTTP surface: gin handlers for
// events, trust reads, the commitment chain, authorization, and the
// resource ledger, plus the middleware stack.
package server

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/health"
)

// RouterConfig holds the edge configuration.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int
}

// Handlers bundles the route handlers mounted on the router. Nil entries
// are skipped.
type Handlers struct {
	Events   *EventsHandler
	Trust    *TrustHandler
	Merkle   *MerkleHandler
	Authz    *AuthzHandler
	Resource *ResourceHandler
	Auth     *AuthHandler
}

// NewRouter builds the gin engine with the full middleware stack. Probes
// and metrics are public; /api/v1 requires a service token.
func NewRouter(cfg RouterConfig, tokens *TokenIssuer, checker *health.Checker, h Handlers, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	router.Use(SecurityHeaders())
	router.Use(BodyLimit(1 << 20))
	router.Use(PrometheusMiddleware())
	router.Use(RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, checker.Live())
	})
	router.GET("/readyz", func(c *gin.Context) {
		status := checker.Ready(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")

	// Token exchange is the only unauthenticated API route.
	if h.Auth != nil {
		h.Auth.Register(v1)
	}

	v1.Use(RequireAuth(tokens))
	if cfg.RateLimitRPS > 0 {
		v1.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}

	if h.Events != nil {
		h.Events.Register(v1)
	}
	if h.Trust != nil {
		h.Trust.Register(v1)
	}
	if h.Merkle != nil {
		h.Merkle.Register(v1)
	}
	if h.Authz != nil {
		h.Authz.Register(v1)
	}
	if h.Resource != nil {
		h.Resource.Register(v1)
	}

	return router
}

// containsWildcard reports whether origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
