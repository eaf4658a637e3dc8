package githubapp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestGenerateJWT(t *testing.T) {
	t.Parallel()
	key := generateTestKey(t)
	s := New(12345, 1, key, "")

	tokenStr, err := s.GenerateJWT()
	if err != nil {
		t.Fatal(err)
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			t.Fatalf("unexpected signing method: %v", token.Header["alg"])
		}
		return &key.PublicKey, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		t.Fatal("invalid token claims")
	}
	iss, _ := claims.GetIssuer()
	if iss != "12345" {
		t.Fatalf("unexpected issuer: %s", iss)
	}
	exp, _ := claims.GetExpirationTime()
	if exp == nil || time.Until(exp.Time) < 9*time.Minute {
		t.Fatal("JWT expiry too short")
	}
}

func TestTokenCached(t *testing.T) {
	t.Parallel()
	key := generateTestKey(t)
	var calls atomic.Int32
	expiry := time.Now().Add(time.Hour)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing Authorization header")
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_test_token_123",
			"expires_at": expiry.Format(time.RFC3339),
		})
	}))
	defer server.Close()

	s := New(1, 42, key, server.URL+"/")
	for range 3 {
		tok, err := s.Token()
		if err != nil {
			t.Fatal(err)
		}
		if tok.AccessToken != "ghs_test_token_123" {
			t.Fatalf("unexpected token: %s", tok.AccessToken)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 token request, got %d", got)
	}
}

func TestTokenError(t *testing.T) {
	t.Parallel()
	key := generateTestKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	s := New(1, 42, key, server.URL)
	if _, err := s.Token(); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
