package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthHandler_Authorize(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	assert.True(t, auth.Enabled())

	tests := []struct {
		name   string
		header string
		target string
		want   bool
	}{
		{name: "bearer header", header: "Bearer test-secret", target: "/v1/events", want: true},
		{name: "lowercase scheme", header: "bearer test-secret", target: "/v1/events", want: true},
		{name: "wrong secret", header: "Bearer nope", target: "/v1/events", want: false},
		{name: "basic scheme", header: "Basic test-secret", target: "/v1/events", want: false},
		{name: "query token", target: "/ws?token=test-secret", want: true},
		{name: "wrong query token", target: "/ws?token=test", want: false},
		{name: "missing", target: "/v1/events", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, auth.Authorize(r))
		})
	}
}

func TestAuthHandler_NoSecretAdmitsAll(t *testing.T) {
	auth := NewAuthHandler("")
	assert.False(t, auth.Enabled())
	assert.True(t, auth.Authorize(httptest.NewRequest("GET", "/ws", nil)))
}
