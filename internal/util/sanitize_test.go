package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeLogValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"newlines", "a\nb\rc\td", "a b c d"},
		{"long", strings.Repeat("x", 250), strings.Repeat("x", 200) + "..."},
		{"cyrillic is counted in runes", strings.Repeat("ж", 200), strings.Repeat("ж", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeLogValue(tt.input))
		})
	}
}

func TestFilterSensitiveInput(t *testing.T) {
	in := map[string]interface{}{
		"email":                 "a@example.com",
		"password":              "secret",
		"Password_Confirmation": "secret",
		"current_password":      "old",
	}

	out := FilterSensitiveInput(in)

	assert.Equal(t, map[string]interface{}{"email": "a@example.com"}, out)
	assert.Len(t, in, 4, "input must not be mutated")
}

func TestContainsAny(t *testing.T) {
	assert.True(t, ContainsAny("Mozilla sqlmap/1.7", "nikto", "sqlmap"))
	assert.True(t, ContainsAny("CURL/8.0", "curl"))
	assert.False(t, ContainsAny("Mozilla/5.0", "curl", "wget"))
}

func TestEscapeHTML(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;x&lt;/b&gt;", EscapeHTML("  <b>x</b> "))
}
