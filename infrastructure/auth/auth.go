// Package auth provides the reference AuthProvider implementation for the
// safety pipeline: RSA-signed JWTs carrying a subject id and service tier,
// plus the context propagation helpers the gateway and worker share.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/guardianrail/safety/infrastructure/logging"
)

// =============================================================================
// Header and context constants
// =============================================================================

const (
	// SubjectTokenHeader carries the caller's signed identity token.
	SubjectTokenHeader = "X-Subject-Token"

	// SubjectIDHeader carries a pre-authenticated subject id for
	// service-to-service calls (worker pulling a queued request on behalf
	// of the original caller).
	SubjectIDHeader = "X-Subject-ID"

	// TierHeader carries a pre-authenticated tier for service-to-service calls.
	TierHeader = "X-Subject-Tier"

	// DefaultTokenExpiry is the default expiration time for subject tokens.
	DefaultTokenExpiry = 1 * time.Hour
)

// Tier is the service tier used to size rate limits and escalation paths,
// ordered anon < user < verified < privileged per spec.md's trust-tier
// scale. TierFree and TierStandard carry the anon/user ranks under names
// that read better on an API response; TierVerified and TierPrivileged
// keep the spec's own names since nothing shorter reads as clearly.
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierVerified   Tier = "verified"
	TierPrivileged Tier = "privileged"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStandard, TierVerified, TierPrivileged:
		return true
	default:
		return false
	}
}

// Rank orders tiers for comparisons (e.g. "at least verified" checks).
// Higher is more trusted.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierStandard:
		return 1
	case TierVerified:
		return 2
	case TierPrivileged:
		return 3
	default:
		return -1
	}
}

type contextKey string

const (
	subjectIDKey contextKey = "subject_id"
	tierKey      contextKey = "subject_tier"
)

// WithSubjectID returns a new context with the subject id set.
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectIDKey, subjectID)
}

// GetSubjectID extracts the subject id from context.
func GetSubjectID(ctx context.Context) string {
	if v, ok := ctx.Value(subjectIDKey).(string); ok {
		return v
	}
	return ""
}

// WithTier returns a new context with the subject tier set.
func WithTier(ctx context.Context, tier Tier) context.Context {
	return context.WithValue(ctx, tierKey, tier)
}

// GetTier extracts the subject tier from context, defaulting to TierFree.
func GetTier(ctx context.Context) Tier {
	if v, ok := ctx.Value(tierKey).(Tier); ok && v.Valid() {
		return v
	}
	return TierFree
}

// =============================================================================
// Subject claims
// =============================================================================

// SubjectClaims represents JWT claims identifying the caller of the
// inference pipeline.
type SubjectClaims struct {
	SubjectID string `json:"subject_id"`
	Tier      Tier   `json:"tier"`
	jwt.RegisteredClaims
}

// =============================================================================
// Token generator
// =============================================================================

// TokenGenerator mints subject tokens, used by test harnesses and the
// ruleinjectctl CLI to authenticate as a privileged-tier caller.
type TokenGenerator struct {
	privateKey *rsa.PrivateKey
	subjectID  string
	tier       Tier
	expiry     time.Duration
}

// NewTokenGenerator creates a new subject token generator.
func NewTokenGenerator(privateKey *rsa.PrivateKey, subjectID string, tier Tier, expiry time.Duration) *TokenGenerator {
	if expiry == 0 {
		expiry = DefaultTokenExpiry
	}
	return &TokenGenerator{
		privateKey: privateKey,
		subjectID:  subjectID,
		tier:       tier,
		expiry:     expiry,
	}
}

// GenerateToken generates a new signed subject token.
func (g *TokenGenerator) GenerateToken() (string, error) {
	now := time.Now()
	claims := &SubjectClaims{
		SubjectID: g.subjectID,
		Tier:      g.tier,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.expiry)),
			Issuer:    "guardian-safety",
			Subject:   g.subjectID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(g.privateKey)
}

// =============================================================================
// Outbound request helpers
// =============================================================================

// TokenRoundTripper injects X-Subject-Token into outgoing HTTP requests.
type TokenRoundTripper struct {
	base      http.RoundTripper
	generator *TokenGenerator
}

// NewTokenRoundTripper wraps a base transport with subject-token injection.
func NewTokenRoundTripper(base http.RoundTripper, generator *TokenGenerator) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if generator == nil {
		return base
	}
	return &TokenRoundTripper{base: base, generator: generator}
}

// RoundTrip implements http.RoundTripper.
func (t *TokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())

	token, err := t.generator.GenerateToken()
	if err != nil {
		return nil, err
	}
	clone.Header.Set(SubjectTokenHeader, token)

	if traceID := logging.GetTraceID(req.Context()); traceID != "" && clone.Header.Get("X-Trace-ID") == "" {
		clone.Header.Set("X-Trace-ID", traceID)
	}

	return t.base.RoundTrip(clone)
}

// =============================================================================
// Key parsing helpers
// =============================================================================

// ParseRSAPublicKeyFromPEM parses an RSA public key from PEM bytes.
// Supported PEM types: PUBLIC KEY (PKIX), RSA PUBLIC KEY (PKCS#1), CERTIFICATE.
func ParseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no PEM public key found")
		}

		switch block.Type {
		case "PUBLIC KEY":
			pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKIX public key: %w", err)
			}
			pub, ok := pubAny.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("public key is not RSA")
			}
			return pub, nil
		case "RSA PUBLIC KEY":
			pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#1 public key: %w", err)
			}
			return pub, nil
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			pub, ok := cert.PublicKey.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("certificate public key is not RSA")
			}
			return pub, nil
		}

		if len(rest) == 0 {
			return nil, fmt.Errorf("no supported PEM public key found")
		}
	}
}

// ParseRSAPrivateKeyFromPEM parses an RSA private key from PEM bytes.
// Supported PEM types: RSA PRIVATE KEY (PKCS#1), PRIVATE KEY (PKCS#8).
func ParseRSAPrivateKeyFromPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("no PEM private key found")
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#1 private key: %w", err)
			}
			return priv, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#8 private key: %w", err)
			}
			priv, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("private key is not RSA")
			}
			return priv, nil
		}

		if len(rest) == 0 {
			return nil, fmt.Errorf("no supported PEM private key found")
		}
	}
}
