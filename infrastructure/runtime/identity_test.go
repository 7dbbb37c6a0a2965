package runtime

import "testing"

func TestStrictIdentityMode(t *testing.T) {
	t.Run("production env", func(t *testing.T) {
		t.Setenv("SAFETY_ENV", "production")
		ResetStrictIdentityModeCache()
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("forced strict outside production", func(t *testing.T) {
		t.Setenv("SAFETY_ENV", "development")
		t.Setenv("SAFETY_STRICT_IDENTITY", "true")
		ResetStrictIdentityModeCache()
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("forced strict via 1", func(t *testing.T) {
		t.Setenv("SAFETY_ENV", "development")
		t.Setenv("SAFETY_STRICT_IDENTITY", "1")
		ResetStrictIdentityModeCache()
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("dev defaults to non-strict", func(t *testing.T) {
		t.Setenv("SAFETY_ENV", "development")
		t.Setenv("SAFETY_STRICT_IDENTITY", "")
		ResetStrictIdentityModeCache()
		if StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = true, want false")
		}
	})
}
