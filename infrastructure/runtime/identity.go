// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on identity
// boundaries, trusting only subject tokens verified by infrastructure/auth rather
// than caller-supplied X-Subject-ID/X-Subject-Tier headers.
//
// Production always runs strict. SAFETY_STRICT_IDENTITY lets an operator force
// strict mode on outside production (e.g. a staging environment fronted by a
// trusted proxy that still wants header spoofing rejected).
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		forced := strings.TrimSpace(os.Getenv("SAFETY_STRICT_IDENTITY"))
		strictIdentityModeValue = env == Production || forced == "1" || strings.EqualFold(forced, "true")
	})
	return strictIdentityModeValue
}
