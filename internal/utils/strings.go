// Package utils holds small shared helpers that do not belong to a
// domain package.
package utils

import "strings"

// SafeTruncate truncates s to maxLen bytes without panicking. Used when
// logging identifier prefixes; never log a full credential value.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes for resource identifier and
// audience comparison, where the two spellings are equivalent.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
