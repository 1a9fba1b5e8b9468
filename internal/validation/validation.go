// Package validation checks prompt-submission input before it reaches the
// account store.
package validation

import (
	"strings"
	"unicode/utf8"
)

const maxNameLength = 128

// ValidDisplayName accepts any reasonably sized, non-blank UTF-8 name.
// The gateway imposes no character policy beyond control characters; names
// come from people.
func ValidDisplayName(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || !utf8.ValidString(s) || utf8.RuneCountInString(s) > maxNameLength {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// NormalizeEmail lowercases and trims an email address for lookups.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidEmail is a light structural check; real validation happens by
// delivering the magic link.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	return strings.Contains(s[at+1:], ".")
}
