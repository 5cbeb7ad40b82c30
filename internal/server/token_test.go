package server_test

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
	"time"

	"github.com/tessera-ledger/tessera/internal/server"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestTokenIssuer_roundTrip(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)

	token, err := issuer.Issue("agent-1", "service")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.EntityID != "agent-1" || claims.Role != "service" {
		t.Errorf("claims = %s/%s, want agent-1/service", claims.EntityID, claims.Role)
	}
	if claims.Subject != "agent-1" {
		t.Errorf("subject = %q, want agent-1", claims.Subject)
	}
}

func TestTokenIssuer_adminToken(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)

	token, err := issuer.IssueAdmin(0)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Role != "admin" {
		t.Errorf("role = %q, want admin", claims.Role)
	}
}

func TestTokenIssuer_rejectsExpired(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", -time.Minute)

	token, err := issuer.Issue("agent-1", "service")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Error("expired token verified")
	}
}

func TestTokenIssuer_rejectsForeignKey(t *testing.T) {
	a := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)
	b := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)

	token, err := a.Issue("agent-1", "service")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Error("token signed by a different key verified")
	}
}

func TestTokenIssuer_rejectsWrongIssuer(t *testing.T) {
	key := testKey(t)
	a := server.NewTokenIssuer(key, "https://other.test", time.Hour)
	b := server.NewTokenIssuer(key, "https://ledger.test", time.Hour)

	token, err := a.Issue("agent-1", "service")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Error("token with wrong issuer verified")
	}
}

func TestTokenIssuer_rejectsUnknownRole(t *testing.T) {
	issuer := server.NewTokenIssuer(testKey(t), "https://ledger.test", time.Hour)

	token, err := issuer.Issue("agent-1", "superuser")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.Verify(token); err == nil {
		t.Error("token with unknown role verified")
	}
}

func TestLoadOrCreateKey_persistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.key")

	k1, err := server.LoadOrCreateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := server.LoadOrCreateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if k1.N.Cmp(k2.N) != 0 {
		t.Error("second load returned a different key")
	}
}
