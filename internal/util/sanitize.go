package util

import (
	"html"
	"strings"
	"unicode/utf8"
)

const maxLogValueLength = 200

var sensitiveInputKeys = map[string]struct{}{
	"password":              {},
	"password_confirmation": {},
	"current_password":      {},
}

// EscapeHTML trims s and escapes it for HTML message bodies.
func EscapeHTML(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// SanitizeLogValue strips line breaks and caps the value so a single field
// cannot forge extra log lines or flood the sink.
func SanitizeLogValue(value string) string {
	value = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(value)
	if utf8.RuneCountInString(value) > maxLogValueLength {
		runes := []rune(value)
		value = string(runes[:maxLogValueLength]) + "..."
	}
	return value
}

// FilterSensitiveInput returns a copy of input without password fields.
func FilterSensitiveInput(input map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		if _, sensitive := sensitiveInputKeys[strings.ToLower(k)]; sensitive {
			continue
		}
		out[k] = v
	}
	return out
}

// ContainsAny reports whether s contains any of needles, case-insensitively.
func ContainsAny(s string, needles ...string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
