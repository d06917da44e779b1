package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	testSecret = "test-signing-secret"
	testIssuer = "payday"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(Options{Secret: testSecret, Issuer: testIssuer})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func TestVerifyExtractsIdentity(t *testing.T) {
	verifier := newTestVerifier(t)
	userID := uuid.New()

	token, err := Sign(testSecret, testIssuer, "", userID, RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("user id = %s, want %s", claims.UserID, userID)
	}
	if claims.Role != RoleUser {
		t.Fatalf("role = %s, want user", claims.Role)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := Sign("some-other-secret", testIssuer, "", uuid.New(), RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("token signed with wrong secret accepted")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := Sign(testSecret, "someone-else", "", uuid.New(), RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("token from wrong issuer accepted")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := Sign(testSecret, testIssuer, "", uuid.New(), RoleUser, -2*time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestVerifyRejectsUnsignedAlgorithm(t *testing.T) {
	verifier := newTestVerifier(t)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": uuid.NewString(),
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatal("token with alg=none accepted")
	}
}

func TestVerifyRejectsNonUUIDSubject(t *testing.T) {
	verifier := newTestVerifier(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "not-a-uuid",
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatal("token with non-uuid subject accepted")
	}
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	verifier := newTestVerifier(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  uuid.NewString(),
		"iss":  testIssuer,
		"role": "superuser",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatal("token with unknown role accepted")
	}
}

func TestVerifyEnforcesAudienceWhenConfigured(t *testing.T) {
	verifier, err := NewVerifier(Options{Secret: testSecret, Issuer: testIssuer, Audience: "payday-api"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := Sign(testSecret, testIssuer, "", uuid.New(), RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("token without audience accepted by audience-scoped verifier")
	}

	token, err = Sign(testSecret, testIssuer, "payday-api", uuid.New(), RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("matching audience rejected: %v", err)
	}
}

func TestAuthenticateAttachesClaims(t *testing.T) {
	verifier := newTestVerifier(t)
	userID := uuid.New()
	token, err := Sign(testSecret, testIssuer, "", userID, RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	handler := verifier.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, err := UserID(r.Context())
		if err != nil {
			t.Errorf("user id from context: %v", err)
		}
		if got != userID {
			t.Errorf("user id = %s, want %s", got, userID)
		}
		claims, err := FromContext(r.Context())
		if err != nil || claims.Role != RoleAdmin {
			t.Errorf("claims = %+v, %v", claims, err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthenticateRejectsMissingOrMalformedHeader(t *testing.T) {
	verifier := newTestVerifier(t)
	handler := verifier.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without credentials")
	}))

	for _, header := range []string{"", "Token abc", "Bearer ", "Bearer not.a.token"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	verifier := newTestVerifier(t)
	handler := verifier.Authenticate(RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	send := func(role Role) int {
		token, err := Sign(testSecret, testIssuer, "", uuid.New(), role, time.Hour)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(RoleAdmin); code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", code)
	}
	if code := send(RoleUser); code != http.StatusForbidden {
		t.Fatalf("user status = %d, want 403", code)
	}
}
