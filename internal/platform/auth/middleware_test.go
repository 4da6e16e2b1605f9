package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

type stubTokenVerifier struct {
	claims   *TokenClaims
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyToken(ctx context.Context, token string) (*TokenClaims, error) {
	s.received = token
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

func TestRequireAuth_AllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{
		claims: &TokenClaims{
			Subject: "usr_123",
			Claims: map[string]interface{}{
				"role":   []interface{}{"staff", "admin"},
				"locale": "hi-IN",
				"email":  "user@example.com",
			},
		},
	}

	authn := NewAuthenticator(verifier)

	handlerCalled := false
	handler := authn.RequireAuth(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true

		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "usr_123" {
			t.Fatalf("unexpected uid: %s", identity.UID)
		}
		if !identity.HasRole(RoleStaff) {
			t.Fatalf("expected staff role, got %v", identity.Roles)
		}
		if identity.Locale != "hi-IN" {
			t.Fatalf("expected locale hi-IN, got %s", identity.Locale)
		}
		if identity.Email != "user@example.com" {
			t.Fatalf("expected email user@example.com, got %s", identity.Email)
		}

		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token-value")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !handlerCalled {
		t.Fatalf("expected handler to be called")
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
}

func TestRequireAuth_ExpiredToken(t *testing.T) {
	verifier := &stubTokenVerifier{err: ErrTokenExpired}
	authn := NewAuthenticator(verifier)

	handler := authn.RequireAuth(RoleUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not execute on expired token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != "token_expired" {
		t.Fatalf("expected token_expired error, got %v", body["error"])
	}
}

func TestRequireAuth_MissingRoleUsesFallback(t *testing.T) {
	verifier := &stubTokenVerifier{
		claims: &TokenClaims{
			Subject: "usr_456",
			Claims:  map[string]interface{}{},
		},
	}

	authn := NewAuthenticator(verifier)

	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleUser {
			t.Fatalf("expected fallback role %q, got %v", RoleUser, identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer missing-role-token")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireAuth_InsufficientRole(t *testing.T) {
	verifier := &stubTokenVerifier{
		claims: &TokenClaims{
			Subject: "usr_789",
			Claims:  map[string]interface{}{"role": "user"},
		},
	}

	authn := NewAuthenticator(verifier)

	handler := authn.RequireAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not execute without admin role")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTVerifierAcceptsSignedToken(t *testing.T) {
	verifier, err := NewJWTVerifier(JWTVerifierConfig{Secret: "test-secret", Issuer: "craftbazaar"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	tokenStr := signTestToken(t, "test-secret", jwt.MapClaims{
		"sub":  "usr_1",
		"iss":  "craftbazaar",
		"role": "user",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	claims, err := verifier.VerifyToken(context.Background(), tokenStr)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "usr_1" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Claims["role"] != "user" {
		t.Fatalf("unexpected role claim %v", claims.Claims["role"])
	}
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	verifier, err := NewJWTVerifier(JWTVerifierConfig{Secret: "right-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	tokenStr := signTestToken(t, "wrong-secret", jwt.MapClaims{
		"sub": "usr_1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := verifier.VerifyToken(context.Background(), tokenStr); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestJWTVerifierRejectsExpiredToken(t *testing.T) {
	verifier, err := NewJWTVerifier(JWTVerifierConfig{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	tokenStr := signTestToken(t, "test-secret", jwt.MapClaims{
		"sub": "usr_1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err = verifier.VerifyToken(context.Background(), tokenStr)
	if err == nil {
		t.Fatal("expected expiry failure")
	}
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestJWTVerifierRejectsIssuerMismatch(t *testing.T) {
	verifier, err := NewJWTVerifier(JWTVerifierConfig{Secret: "test-secret", Issuer: "craftbazaar"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	tokenStr := signTestToken(t, "test-secret", jwt.MapClaims{
		"sub": "usr_1",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := verifier.VerifyToken(context.Background(), tokenStr); err == nil {
		t.Fatal("expected issuer mismatch failure")
	}
}
