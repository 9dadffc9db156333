package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestWithOrigin(origin string, set bool) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if set {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://example.com", " ", "not a url"}, discardLogger())

	t.Run("Missing Origin header", func(t *testing.T) {
		assert.False(t, policy.checkOrigin(requestWithOrigin("", false)))
	})

	t.Run("Malformed Origin URL", func(t *testing.T) {
		for _, origin := range []string{
			"not-a-url",
			"://missing-scheme",
			"http://",
			"ftp://unsupported-scheme.com",
			"javascript:alert(1)",
		} {
			assert.False(t, policy.checkOrigin(requestWithOrigin(origin, true)), origin)
		}
	})

	t.Run("Case sensitivity in origin matching", func(t *testing.T) {
		for _, origin := range []string{
			"http://EXAMPLE.COM",
			"http://Example.Com",
			"HTTP://example.com",
		} {
			assert.True(t, policy.checkOrigin(requestWithOrigin(origin, true)), origin)
		}
	})

	t.Run("Port must match", func(t *testing.T) {
		assert.False(t, policy.checkOrigin(requestWithOrigin("http://example.com:8080", true)))
		assert.False(t, policy.checkOrigin(requestWithOrigin("https://example.com", true)))
	})

	t.Run("Default port is implied", func(t *testing.T) {
		assert.True(t, policy.checkOrigin(requestWithOrigin("http://example.com:80", true)))
	})
}

func TestOriginPolicy_Wildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, discardLogger())

	assert.True(t, policy.checkOrigin(requestWithOrigin("http://anything.example", true)))
	assert.False(t, policy.checkOrigin(requestWithOrigin("", false)))
}

func TestOriginPolicy_EmptyListDeniesAll(t *testing.T) {
	policy := newOriginPolicy(nil, discardLogger())
	assert.False(t, policy.checkOrigin(requestWithOrigin("http://localhost:8080", true)))
}

func TestCanonicalOrigin(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"HTTPS://Chat.Example:443", "https://chat.example", true},
		{"http://localhost:8080", "http://localhost:8080", true},
		{"http://[::1]:80", "http://[::1]", true},
		{"ws://chat.example", "", false},
		{"chat.example", "", false},
	}
	for _, tt := range tests {
		got, ok := canonicalOrigin(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
