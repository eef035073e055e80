// Package expiration decides whether a sandbox may have its deadline moved
// and whether it is due for reclamation.
package expiration

import (
	"fmt"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
)

// Policy validates expiration changes. The zero value enforces no upper bound.
type Policy struct {
	// MaxHorizon caps how far past now a renewal may push expiresAt.
	// Zero disables the cap.
	MaxHorizon time.Duration
}

// Renew returns a copy of sb with ExpiresAt set to requested.
// Every rejection wraps domain.ErrInvalidExpiresAt; only the message says why.
func (p Policy) Renew(sb *domain.Sandbox, requested, now time.Time) (*domain.Sandbox, error) {
	if sb.Status.State.Terminal() {
		return nil, fmt.Errorf("%w: sandbox %s is terminated", domain.ErrInvalidExpiresAt, sb.ID)
	}
	if !requested.After(now) {
		return nil, fmt.Errorf("%w: %s is not after current time %s",
			domain.ErrInvalidExpiresAt, requested.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	if p.MaxHorizon > 0 && requested.Sub(now) > p.MaxHorizon {
		return nil, fmt.Errorf("%w: %s exceeds the maximum renewal horizon of %s",
			domain.ErrInvalidExpiresAt, requested.UTC().Format(time.RFC3339), p.MaxHorizon)
	}

	renewed := sb.Clone()
	renewed.ExpiresAt = requested.UTC()
	return renewed, nil
}

// IsExpired reports whether sb is past its deadline and still holds resources.
func IsExpired(sb *domain.Sandbox, now time.Time) bool {
	return !now.Before(sb.ExpiresAt) && !sb.Status.State.Terminal()
}
