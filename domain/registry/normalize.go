package registry

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// compileCheck compiles pattern as a Go regexp, returning the compiled
// form or the compile error.
func compileCheck(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// toLowerASCIIAware lower-cases pattern for keyword matching. Keyword
// rules are matched case-insensitively against NFKC-normalized,
// lower-cased text (spec §4.2), so patterns are lower-cased once here at
// compile time rather than on every scan.
func toLowerASCIIAware(s string) string {
	return strings.ToLower(s)
}

// NormalizeForMatching applies the Guardian engine's input normalization:
// length cap, NFKC canonicalization, then lower-casing for the keyword
// pass. Regex rules receive the NFKC-normalized, original-case text
// (Normalized), not the lower-cased copy.
func NormalizeForMatching(text string, maxChars int) (normalized string, lowered string) {
	runes := []rune(text)
	if maxChars > 0 && len(runes) > maxChars {
		runes = runes[:maxChars]
		text = string(runes)
	}
	normalized = norm.NFKC.String(text)
	lowered = strings.ToLower(normalized)
	return normalized, lowered
}
