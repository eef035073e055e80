package expiration

import (
	"testing"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSandbox(state domain.State, now time.Time) *domain.Sandbox {
	return &domain.Sandbox{
		ID:         "sbx-001",
		Image:      domain.ImageSpec{URI: "python:3.11"},
		Entrypoint: []string{"python", "-V"},
		Metadata:   map[string]string{"team": "infra"},
		Status:     domain.Status{State: state, LastTransitionAt: now},
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func TestRenewAcceptsFutureTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sb := newSandbox(domain.StateRunning, now)
	requested := now.Add(3 * time.Hour)

	renewed, err := Policy{}.Renew(sb, requested, now)
	require.NoError(t, err)

	assert.True(t, renewed.ExpiresAt.Equal(requested))
	assert.True(t, sb.ExpiresAt.Equal(now.Add(time.Hour)), "input must not be mutated")

	renewed.ExpiresAt = sb.ExpiresAt
	assert.Equal(t, sb, renewed, "only expiresAt may change")
}

func TestRenewRejectsPastOrPresent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for _, requested := range []time.Time{now, now.Add(-time.Second), now.Add(-48 * time.Hour)} {
		sb := newSandbox(domain.StateRunning, now)
		_, err := Policy{}.Renew(sb, requested, now)
		assert.ErrorIs(t, err, domain.ErrInvalidExpiresAt, "requested %s", requested)
	}
}

func TestRenewRejectsTerminatedRegardlessOfTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sb := newSandbox(domain.StateTerminated, now)

	_, err := Policy{}.Renew(sb, now.Add(time.Hour), now)
	require.ErrorIs(t, err, domain.ErrInvalidExpiresAt)
	assert.Contains(t, err.Error(), "terminated")
}

func TestRenewEnforcesMaxHorizon(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{MaxHorizon: 24 * time.Hour}

	_, err := p.Renew(newSandbox(domain.StatePaused, now), now.Add(24*time.Hour), now)
	assert.NoError(t, err)

	_, err = p.Renew(newSandbox(domain.StatePaused, now), now.Add(24*time.Hour+time.Second), now)
	require.ErrorIs(t, err, domain.ErrInvalidExpiresAt)
	assert.Contains(t, err.Error(), "horizon")
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		state   domain.State
		offset  time.Duration
		expired bool
	}{
		{"before deadline", domain.StateRunning, -time.Minute, false},
		{"at deadline", domain.StateRunning, 0, true},
		{"after deadline", domain.StatePending, time.Minute, true},
		{"paused after deadline", domain.StatePaused, time.Minute, true},
		{"terminated after deadline", domain.StateTerminated, time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newSandbox(tt.state, now)
			sb.ExpiresAt = now
			assert.Equal(t, tt.expired, IsExpired(sb, now.Add(tt.offset)))
		})
	}
}
