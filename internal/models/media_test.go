package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionKind(t *testing.T) {
	tests := []struct {
		in      string
		want    ActionKind
		wantErr bool
	}{
		{"download", ActionDownload, false},
		{" COPY ", ActionCopy, false},
		{"view", ActionView, false},
		{"delete", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseActionKind(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAction)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActionCountsUsage(t *testing.T) {
	assert.True(t, ActionDownload.CountsUsage())
	assert.True(t, ActionCopy.CountsUsage())
	assert.False(t, ActionView.CountsUsage())
}

func TestSecureLinkUsable(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	link := &SecureLink{Active: true, ExpiresAt: now.Add(time.Second)}
	assert.True(t, link.Usable(now))
	assert.False(t, link.Usable(now.Add(time.Second)))

	link.Active = false
	assert.False(t, link.Usable(now))
}

func TestPermissionRuleCovers(t *testing.T) {
	rule := &PermissionRule{Actions: []ActionKind{ActionDownload, ActionView}}
	assert.True(t, rule.Covers(ActionDownload))
	assert.False(t, rule.Covers(ActionCopy))
}
