package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeReturnURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty defaults to root", "", "/"},
		{"plain path", "/movies", "/movies"},
		{"path with query", "/movies?page=2", "/movies?page=2"},
		{"absolute url rejected", "https://evil.example.com/", "/"},
		{"scheme-relative rejected", "//evil.example.com/", "/"},
		{"relative path rejected", "movies", "/"},
		{"garbage rejected", "://", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeReturnURL(tt.in))
		})
	}
}
