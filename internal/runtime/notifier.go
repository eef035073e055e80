// Package runtime connects the control plane to the sandbox runtime.
// The control plane never executes sandboxes itself: it announces lifecycle
// decisions and lets the runtime veto renewals.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
)

// Notifier receives the trigger points for runtime lifecycle actions.
type Notifier interface {
	SandboxCreated(ctx context.Context, sb *domain.Sandbox) error
	SandboxDeleted(ctx context.Context, id string) error
	SandboxPaused(ctx context.Context, id string) error
	SandboxResumed(ctx context.Context, id string) error
	// ApproveRenewal lets the runtime reject a renewal that passed local
	// checks, for instance because the sandbox's resources are already gone.
	ApproveRenewal(ctx context.Context, sb *domain.Sandbox, expiresAt time.Time) error
}

// LogNotifier logs lifecycle events and approves every renewal.
// It is used when no runtime bus is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// Ensure LogNotifier implements Notifier.
var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "runtime")}
}

func (n *LogNotifier) SandboxCreated(ctx context.Context, sb *domain.Sandbox) error {
	n.logger.InfoContext(ctx, "sandbox created", "sandbox_id", sb.ID, "image", sb.Image.URI)
	return nil
}

func (n *LogNotifier) SandboxDeleted(ctx context.Context, id string) error {
	n.logger.InfoContext(ctx, "sandbox deleted", "sandbox_id", id)
	return nil
}

func (n *LogNotifier) SandboxPaused(ctx context.Context, id string) error {
	n.logger.InfoContext(ctx, "sandbox paused", "sandbox_id", id)
	return nil
}

func (n *LogNotifier) SandboxResumed(ctx context.Context, id string) error {
	n.logger.InfoContext(ctx, "sandbox resumed", "sandbox_id", id)
	return nil
}

func (n *LogNotifier) ApproveRenewal(ctx context.Context, sb *domain.Sandbox, expiresAt time.Time) error {
	return nil
}
