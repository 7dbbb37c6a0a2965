// Package middleware provides HTTP middleware for the safety gateway.
package middleware

import (
	"context"
	"crypto/rsa"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guardianrail/safety/infrastructure/auth"
	"github.com/guardianrail/safety/infrastructure/errors"
	internalhttputil "github.com/guardianrail/safety/infrastructure/httputil"
	"github.com/guardianrail/safety/infrastructure/logging"
	"github.com/guardianrail/safety/infrastructure/security"
)

// =============================================================================
// Subject Authentication Constants
// =============================================================================

const (
	// SubjectTokenHeader is the header name for the caller's signed identity token.
	SubjectTokenHeader = auth.SubjectTokenHeader

	// SubjectIDHeader is the header name for a pre-authenticated subject id.
	SubjectIDHeader = auth.SubjectIDHeader

	// TierHeader is the header name for a pre-authenticated subject tier.
	TierHeader = auth.TierHeader

	// DefaultTokenExpiry is the default expiration time for subject tokens.
	DefaultTokenExpiry = auth.DefaultTokenExpiry
)

// SubjectClaims represents JWT claims for the caller of the pipeline.
type SubjectClaims = auth.SubjectClaims

// TokenGenerator generates subject JWT tokens.
type TokenGenerator = auth.TokenGenerator

// TokenRoundTripper injects X-Subject-Token into outgoing HTTP requests.
type TokenRoundTripper = auth.TokenRoundTripper

// NewTokenGenerator creates a new subject token generator.
func NewTokenGenerator(privateKey *rsa.PrivateKey, subjectID string, tier auth.Tier, expiry time.Duration) *TokenGenerator {
	return auth.NewTokenGenerator(privateKey, subjectID, tier, expiry)
}

// NewTokenRoundTripper wraps a base transport with subject-token injection.
func NewTokenRoundTripper(base http.RoundTripper, generator *TokenGenerator) http.RoundTripper {
	return auth.NewTokenRoundTripper(base, generator)
}

// =============================================================================
// Subject Auth Middleware
// =============================================================================

// SubjectAuthMiddleware authenticates inbound requests against a signed
// subject token and resolves the caller's tier for downstream rate
// limiting and escalation routing.
type SubjectAuthMiddleware struct {
	publicKey       *rsa.PublicKey
	logger          *logging.Logger
	skipPaths       map[string]bool
	mu              sync.RWMutex
	validatedTokens map[string]*cachedToken
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// cachedToken stores validated token info with expiry.
type cachedToken struct {
	claims    *SubjectClaims
	expiresAt time.Time
}

// SubjectAuthConfig configures the subject authentication middleware.
type SubjectAuthConfig struct {
	PublicKey *rsa.PublicKey
	Logger    *logging.Logger
	SkipPaths []string
}

// NewSubjectAuthMiddleware creates a new subject authentication middleware.
func NewSubjectAuthMiddleware(cfg SubjectAuthConfig) *SubjectAuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("subjectauth", "info", "json")
	}

	m := &SubjectAuthMiddleware{
		publicKey:       cfg.PublicKey,
		logger:          logger,
		skipPaths:       skip,
		validatedTokens: make(map[string]*cachedToken),
		stopCleanup:     make(chan struct{}),
	}

	m.startBackgroundCleanup()

	return m
}

// Handler returns the middleware handler function.
func (m *SubjectAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(SubjectTokenHeader)
		if token == "" {
			m.respondError(w, r, errors.Unauthorized("Missing subject token"))
			return
		}

		claims, err := m.validateToken(token)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("subject token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := auth.WithSubjectID(r.Context(), claims.SubjectID)
		ctx = auth.WithTier(ctx, claims.Tier)

		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"subject_id": claims.SubjectID,
			"tier":       claims.Tier,
		}).Debug("subject authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken validates a subject JWT token.
func (m *SubjectAuthMiddleware) validateToken(tokenString string) (*SubjectClaims, error) {
	if m.publicKey == nil {
		return nil, errors.Internal("subject authentication is not configured", nil)
	}

	if cached := m.getCachedToken(tokenString); cached != nil {
		return cached, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &SubjectClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.publicKey, nil
	})

	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*SubjectClaims)
	if !ok {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}

	if claims.SubjectID == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject_id claim")
	}
	if !claims.Tier.Valid() {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing or invalid tier claim")
	}

	if claims.Issuer != "guardian-safety" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid issuer")
	}
	if claims.Subject != "" && claims.Subject != claims.SubjectID {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "subject mismatch")
	}

	m.cacheToken(tokenString, claims)

	return claims, nil
}

// getCachedToken retrieves a cached token if valid.
func (m *SubjectAuthMiddleware) getCachedToken(tokenString string) *SubjectClaims {
	m.mu.RLock()
	cached, ok := m.validatedTokens[tokenString]
	if !ok {
		m.mu.RUnlock()
		return nil
	}

	if time.Now().After(cached.expiresAt) {
		m.mu.RUnlock()
		m.mu.Lock()
		if current, ok := m.validatedTokens[tokenString]; ok && time.Now().After(current.expiresAt) {
			delete(m.validatedTokens, tokenString)
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.RUnlock()
	return cached.claims
}

// cacheToken stores a validated token in cache.
func (m *SubjectAuthMiddleware) cacheToken(tokenString string, claims *SubjectClaims) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cacheExpiry := time.Now().Add(5 * time.Minute)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(cacheExpiry) {
		cacheExpiry = claims.ExpiresAt.Time
	}

	m.validatedTokens[tokenString] = &cachedToken{
		claims:    claims,
		expiresAt: cacheExpiry,
	}

	if len(m.validatedTokens) > 1000 {
		m.cleanupCache()
	}
}

// cleanupCache removes expired entries from the cache.
func (m *SubjectAuthMiddleware) cleanupCache() {
	now := time.Now()
	for key, cached := range m.validatedTokens {
		if now.After(cached.expiresAt) {
			delete(m.validatedTokens, key)
		}
	}
}

// startBackgroundCleanup starts a background goroutine to periodically clean
// up expired tokens so the cache doesn't grow unbounded.
func (m *SubjectAuthMiddleware) startBackgroundCleanup() {
	m.cleanupOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(2 * time.Minute)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					m.mu.Lock()
					m.cleanupCache()
					cacheSize := len(m.validatedTokens)
					m.mu.Unlock()

					if m.logger != nil {
						m.logger.WithFields(map[string]interface{}{
							"cache_size": cacheSize,
						}).Debug("token cache cleanup completed")
					}

				case <-m.stopCleanup:
					if m.logger != nil {
						m.logger.WithFields(map[string]interface{}{}).Info("token cache cleanup goroutine stopped")
					}
					return
				}
			}
		}()
	})
}

// StopCleanup stops the background cleanup goroutine.
func (m *SubjectAuthMiddleware) StopCleanup() {
	select {
	case <-m.stopCleanup:
	default:
		close(m.stopCleanup)
	}
}

// InvalidateCache clears all cached tokens.
func (m *SubjectAuthMiddleware) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldSize := len(m.validatedTokens)
	m.validatedTokens = make(map[string]*cachedToken)

	if m.logger != nil {
		m.logger.WithFields(map[string]interface{}{
			"invalidated_count": oldSize,
		}).Info("token cache invalidated")
	}
}

// respondError sends an error response.
func (m *SubjectAuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("subject authentication failed", err)
	}

	sanitizedMessage := security.SanitizeString(serviceErr.Message)
	sanitizedDetails := security.SanitizeMap(serviceErr.Details)

	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), sanitizedMessage, sanitizedDetails)

	sanitizedErrMsg := security.SanitizeError(err)
	logFields := map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}

	m.logger.WithContext(r.Context()).WithFields(logFields).Warnf("subject authentication failed: %s", sanitizedErrMsg)
}

// =============================================================================
// Helper Functions
// =============================================================================

// GetSubjectID extracts the subject id from context.
func GetSubjectID(ctx context.Context) string {
	if id := auth.GetSubjectID(ctx); id != "" {
		return id
	}
	return logging.GetUserID(ctx)
}

// GetTier extracts the subject tier from context.
func GetTier(ctx context.Context) auth.Tier {
	return auth.GetTier(ctx)
}

// GetUserRole extracts the caller role from context.
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// WithSubjectID returns a new context with the subject id set.
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	return auth.WithSubjectID(ctx, subjectID)
}

// WithTier returns a new context with the subject tier set.
func WithTier(ctx context.Context, tier auth.Tier) context.Context {
	return auth.WithTier(ctx, tier)
}

// ParseRSAPublicKeyFromPEM parses an RSA public key from PEM bytes.
func ParseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	return auth.ParseRSAPublicKeyFromPEM(pemBytes)
}

// ParseRSAPrivateKeyFromPEM parses an RSA private key from PEM bytes.
func ParseRSAPrivateKeyFromPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	return auth.ParseRSAPrivateKeyFromPEM(pemBytes)
}

// RequireSubjectAuth is a simple middleware that requires subject authentication.
func RequireSubjectAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subjectID := GetSubjectID(r.Context())
		if subjectID == "" {
			internalhttputil.WriteErrorResponse(w, r, http.StatusUnauthorized, "AUTH_REQUIRED", "subject authentication required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
