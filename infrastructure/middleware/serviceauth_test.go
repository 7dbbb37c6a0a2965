package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guardianrail/safety/infrastructure/auth"
	"github.com/guardianrail/safety/infrastructure/logging"
)

// =============================================================================
// Test Helpers
// =============================================================================

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key pair: %v", err)
	}
	return privateKey, &privateKey.PublicKey
}

func generateValidSubjectToken(t *testing.T, privateKey *rsa.PrivateKey, subjectID string, tier auth.Tier, expiry time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := &SubjectClaims{
		SubjectID: subjectID,
		Tier:      tier,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			Issuer:    "guardian-safety",
			Subject:   subjectID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tokenString, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tokenString
}

func generateExpiredSubjectToken(t *testing.T, privateKey *rsa.PrivateKey, subjectID string) string {
	t.Helper()
	now := time.Now()
	claims := &SubjectClaims{
		SubjectID: subjectID,
		Tier:      auth.TierStandard,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-1 * time.Hour)),
			Issuer:    "guardian-safety",
			Subject:   subjectID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tokenString, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tokenString
}

func newTestSubjectAuthMiddleware(t *testing.T, publicKey *rsa.PublicKey) *SubjectAuthMiddleware {
	t.Helper()
	logger := logging.New("test", "error", "text")
	return NewSubjectAuthMiddleware(SubjectAuthConfig{
		PublicKey: publicKey,
		Logger:    logger,
		SkipPaths: []string{"/health"},
	})
}

// =============================================================================
// SubjectAuthMiddleware Tests
// =============================================================================

func TestSubjectAuthMiddleware_ValidToken(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	token := generateValidSubjectToken(t, privateKey, "user-1", auth.TierStandard, 2*time.Hour)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set(SubjectTokenHeader, token)

	rr := httptest.NewRecorder()
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subjectID := GetSubjectID(r.Context())
		if subjectID != "user-1" {
			t.Errorf("Expected subject_id 'user-1', got '%s'", subjectID)
		}
		if tier := GetTier(r.Context()); tier != auth.TierStandard {
			t.Errorf("Expected tier 'standard', got '%s'", tier)
		}
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestSubjectAuthMiddleware_MissingToken(t *testing.T) {
	_, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	req := httptest.NewRequest("GET", "/api/test", nil)
	rr := httptest.NewRecorder()

	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestSubjectAuthMiddleware_InvalidToken(t *testing.T) {
	_, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set(SubjectTokenHeader, "invalid-token")

	rr := httptest.NewRecorder()
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestSubjectAuthMiddleware_ExpiredToken(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	token := generateExpiredSubjectToken(t, privateKey, "user-1")

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set(SubjectTokenHeader, token)

	rr := httptest.NewRecorder()
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestSubjectAuthMiddleware_MissingTierClaim(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	token := generateValidSubjectToken(t, privateKey, "user-1", "", time.Hour)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set(SubjectTokenHeader, token)

	rr := httptest.NewRecorder()
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestSubjectAuthMiddleware_SkipPath(t *testing.T) {
	_, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()

	called := false
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(rr, req)

	if !called {
		t.Error("Handler should be called for skip path")
	}
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

// =============================================================================
// TokenGenerator Tests
// =============================================================================

func TestTokenGenerator_GenerateToken(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	generator := NewTokenGenerator(privateKey, "user-1", auth.TierPrivileged, time.Hour)

	tokenString, err := generator.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	token, err := jwt.ParseWithClaims(tokenString, &SubjectClaims{}, func(token *jwt.Token) (interface{}, error) {
		return publicKey, nil
	})
	if err != nil {
		t.Fatalf("Failed to parse token: %v", err)
	}

	claims, ok := token.Claims.(*SubjectClaims)
	if !ok {
		t.Fatal("Invalid claims type")
	}

	if claims.SubjectID != "user-1" {
		t.Errorf("Expected subject_id 'user-1', got '%s'", claims.SubjectID)
	}
	if claims.Tier != auth.TierPrivileged {
		t.Errorf("Expected tier 'privileged', got '%s'", claims.Tier)
	}
}

func TestTokenGenerator_DefaultExpiry(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	generator := NewTokenGenerator(privateKey, "user-1", auth.TierFree, 0)

	tokenString, err := generator.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	token, err := jwt.ParseWithClaims(tokenString, &SubjectClaims{}, func(token *jwt.Token) (interface{}, error) {
		return publicKey, nil
	})
	if err != nil {
		t.Fatalf("Failed to parse token: %v", err)
	}

	claims, ok := token.Claims.(*SubjectClaims)
	if !ok {
		t.Fatal("Invalid claims type")
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		t.Fatalf("expected issued_at and expires_at to be set")
	}
	if got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time); got != DefaultTokenExpiry {
		t.Errorf("Expected default expiry %v, got %v", DefaultTokenExpiry, got)
	}
}

// =============================================================================
// Helper Function Tests
// =============================================================================

func TestGetSubjectID(t *testing.T) {
	ctx := context.Background()

	if id := GetSubjectID(ctx); id != "" {
		t.Errorf("Expected empty string, got '%s'", id)
	}

	ctx = WithSubjectID(ctx, "user-1")
	if id := GetSubjectID(ctx); id != "user-1" {
		t.Errorf("Expected 'user-1', got '%s'", id)
	}
}

func TestGetTier(t *testing.T) {
	ctx := context.Background()

	if tier := GetTier(ctx); tier != auth.TierFree {
		t.Errorf("Expected default tier 'free', got '%s'", tier)
	}

	ctx = WithTier(ctx, auth.TierPrivileged)
	if tier := GetTier(ctx); tier != auth.TierPrivileged {
		t.Errorf("Expected 'privileged', got '%s'", tier)
	}
}

// =============================================================================
// RequireSubjectAuth Middleware Tests
// =============================================================================

func TestRequireSubjectAuth_WithSubjectID(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/test", nil)
	ctx := WithSubjectID(req.Context(), "user-1")
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	called := false
	handler := RequireSubjectAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(rr, req)

	if !called {
		t.Error("Handler should be called")
	}
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestRequireSubjectAuth_WithoutSubjectID(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/test", nil)
	rr := httptest.NewRecorder()

	handler := RequireSubjectAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

// =============================================================================
// Token Cache Tests
// =============================================================================

func TestSubjectAuthMiddleware_TokenCaching(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	token := generateValidSubjectToken(t, privateKey, "user-1", auth.TierStandard, time.Hour)

	req1 := httptest.NewRequest("GET", "/api/test", nil)
	req1.Header.Set(SubjectTokenHeader, token)
	rr1 := httptest.NewRecorder()

	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusOK {
		t.Errorf("First request: expected status 200, got %d", rr1.Code)
	}

	req2 := httptest.NewRequest("GET", "/api/test", nil)
	req2.Header.Set(SubjectTokenHeader, token)
	rr2 := httptest.NewRecorder()

	handler.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Errorf("Second request: expected status 200, got %d", rr2.Code)
	}

	middleware.mu.RLock()
	_, cached := middleware.validatedTokens[token]
	middleware.mu.RUnlock()

	if !cached {
		t.Error("Token should be cached")
	}
}

// =============================================================================
// Cache Cleanup Tests
// =============================================================================

func TestSubjectAuthMiddleware_CacheCleanup(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	for i := 0; i < 1010; i++ {
		token := generateValidSubjectToken(t, privateKey, fmt.Sprintf("user-%d", i), auth.TierFree, time.Hour)
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set(SubjectTokenHeader, token)
		rr := httptest.NewRecorder()

		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		handler.ServeHTTP(rr, req)
	}

	middleware.mu.RLock()
	cacheSize := len(middleware.validatedTokens)
	middleware.mu.RUnlock()

	if cacheSize == 0 {
		t.Error("Cache should not be empty after cleanup")
	}
}

func TestSubjectAuthMiddleware_CacheExpiry(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	now := time.Now()
	claims := &SubjectClaims{
		SubjectID: "user-1",
		Tier:      auth.TierStandard,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(1 * time.Millisecond)),
			Issuer:    "guardian-safety",
			Subject:   "user-1",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tokenString, _ := token.SignedString(privateKey)

	req1 := httptest.NewRequest("GET", "/api/test", nil)
	req1.Header.Set(SubjectTokenHeader, tokenString)
	rr1 := httptest.NewRecorder()

	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(rr1, req1)

	time.Sleep(10 * time.Millisecond)

	req2 := httptest.NewRequest("GET", "/api/test", nil)
	req2.Header.Set(SubjectTokenHeader, tokenString)
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)

	if rr2.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for expired token, got %d", rr2.Code)
	}
}

func TestSubjectAuthMiddleware_WrongSigningKey(t *testing.T) {
	_, publicKey := generateTestKeyPair(t)
	wrongPrivateKey, _ := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	token := generateValidSubjectToken(t, wrongPrivateKey, "user-1", auth.TierStandard, time.Hour)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set(SubjectTokenHeader, token)

	rr := httptest.NewRecorder()
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestSubjectAuthMiddleware_MissingSubjectIDClaim(t *testing.T) {
	privateKey, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	now := time.Now()
	claims := &SubjectClaims{
		SubjectID: "",
		Tier:      auth.TierStandard,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			Issuer:    "guardian-safety",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tokenString, _ := token.SignedString(privateKey)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set(SubjectTokenHeader, tokenString)

	rr := httptest.NewRecorder()
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestSubjectAuthMiddleware_WrongSigningMethod(t *testing.T) {
	_, publicKey := generateTestKeyPair(t)
	middleware := newTestSubjectAuthMiddleware(t, publicKey)

	now := time.Now()
	claims := &SubjectClaims{
		SubjectID: "user-1",
		Tier:      auth.TierStandard,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte("secret"))

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set(SubjectTokenHeader, tokenString)

	rr := httptest.NewRecorder()
	handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

// =============================================================================
// Constants Tests
// =============================================================================

func TestConstants(t *testing.T) {
	if SubjectTokenHeader != "X-Subject-Token" {
		t.Errorf("SubjectTokenHeader = %s, want X-Subject-Token", SubjectTokenHeader)
	}
	if SubjectIDHeader != "X-Subject-ID" {
		t.Errorf("SubjectIDHeader = %s, want X-Subject-ID", SubjectIDHeader)
	}
	if TierHeader != "X-Subject-Tier" {
		t.Errorf("TierHeader = %s, want X-Subject-Tier", TierHeader)
	}
	if DefaultTokenExpiry != time.Hour {
		t.Errorf("DefaultTokenExpiry = %v, want 1h", DefaultTokenExpiry)
	}
}
