package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/tessera-ledger/tessera/internal/server"
)

func authedRouter(t *testing.T, issuer *server.TokenIssuer, extra ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{server.RequireAuth(issuer)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		claims := server.CallerClaims(c)
		c.JSON(http.StatusOK, gin.H{"entity_id": claims.EntityID, "role": claims.Role})
	})
	r.GET("/protected", handlers...)
	return r
}

func TestRequireAuth_missingHeader(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)
	router := authedRouter(t, issuer)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_malformedToken(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)
	router := authedRouter(t, issuer)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_validTokenPassesClaims(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)
	router := authedRouter(t, issuer)

	token, err := issuer.Issue("agent-1", "service")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	for _, want := range []string{"agent-1", "service"} {
		if body := w.Body.String(); !strings.Contains(body, want) {
			t.Errorf("response %q missing %q", body, want)
		}
	}
}

func TestRequireAdmin_serviceRoleForbidden(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)
	router := authedRouter(t, issuer, server.RequireAdmin())

	token, err := issuer.Issue("agent-1", "service")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestRequireAdmin_adminAllowed(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)
	router := authedRouter(t, issuer, server.RequireAdmin())

	token, err := issuer.IssueAdmin(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(server.SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestRateLimiter_burstExhausted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(server.RateLimiter(1, 2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		r.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want \"1\"", last.Header().Get("Retry-After"))
	}
}

func TestCheckAdminSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	if !server.CheckAdminSecret(string(hash), "s3cret") {
		t.Error("correct secret rejected")
	}
	if server.CheckAdminSecret(string(hash), "wrong") {
		t.Error("wrong secret accepted")
	}
	if server.CheckAdminSecret("", "s3cret") {
		t.Error("empty hash accepted")
	}
	if server.CheckAdminSecret(string(hash), "") {
		t.Error("empty secret accepted")
	}
}
