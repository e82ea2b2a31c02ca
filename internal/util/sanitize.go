package util

import (
	"html"
	"strings"
	"unicode"
)

var suspiciousPatterns = []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}

// SanitizeInput trims and escapes HTML/script-like characters.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ContainsSuspicious reports whether s carries markup or template injection characters.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range suspiciousPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// NormalizeIdentity trims surrounding whitespace and lowercases the identity so
// "Alice " and "alice" share device records and challenges.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// NormalizeCode strips spaces and dashes users commonly type into OTP codes.
func NormalizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(code))
}

// IsDigits reports whether s is non-empty and made only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
