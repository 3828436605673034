package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	f, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.NoError(t, f.Check("anything goes"))

	_, err = New(Config{BlockedPatterns: []string{"("}})
	assert.ErrorContains(t, err, "invalid pattern")
}

func TestContentFilter_Check(t *testing.T) {
	f, err := New(Config{
		BlockedKeywords: []string{"  Password ", ""},
		BlockedPatterns: []string{`\b\d{4}-\d{4}-\d{4}-\d{4}\b`},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		text    string
		blocked bool
	}{
		{"clean", "what is the weather in Jakarta?", false},
		{"keyword any case", "my PASSWORD is hunter2", true},
		{"pattern", "card 1234-5678-9012-3456 please", true},
		{"near miss", "card 1234-5678", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Check(tt.text)
			if tt.blocked {
				assert.ErrorIs(t, err, ErrBlocked)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
