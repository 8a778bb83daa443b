// Package util provides small shared helpers that do not belong to a
// domain-specific package.
package util

import "strings"

// SafeTruncate truncates s to at most maxLen characters without panicking.
// Used when logging token prefixes so full secrets never reach the log.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Fields splits a space-separated OAuth scope string into individual scopes,
// collapsing repeated whitespace.
func Fields(scope string) []string {
	return strings.Fields(scope)
}

// Subset reports whether every element of sub appears in super.
func Subset(sub, super []string) bool {
	set := make(map[string]struct{}, len(super))
	for _, s := range super {
		set[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// Merge returns the union of a and b, preserving the order of first
// appearance.
func Merge(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
