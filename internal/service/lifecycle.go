package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/expiration"
	"github.com/bcnelson/sandbox-control-plane/internal/ingress"
	"github.com/bcnelson/sandbox-control-plane/internal/listing"
	"github.com/bcnelson/sandbox-control-plane/internal/metrics"
	"github.com/bcnelson/sandbox-control-plane/internal/runtime"
	"github.com/bcnelson/sandbox-control-plane/internal/storage"
	"github.com/google/uuid"
)

// Transition reasons recorded on sandbox status.
const (
	ReasonDeleted            = "Deleted"
	ReasonExpired            = "Expired"
	ReasonPaused             = "PauseRequested"
	ReasonResumed            = "ResumeRequested"
	ReasonRuntimeUnavailable = "RuntimeUnavailable"
)

// errUnchanged aborts an update that would not change the record.
var errUnchanged = errors.New("unchanged")

// CreateSpec is a validated create command.
type CreateSpec struct {
	Image          domain.ImageSpec
	Entrypoint     []string
	Env            map[string]string
	ResourceLimits map[string]string
	Ports          []int
	Metadata       map[string]string
	Timeout        time.Duration
}

// DeleteResult reports the outcome of a delete. Terminated is true only for
// the call that moved the sandbox into Terminated; repeats still succeed.
type DeleteResult struct {
	Terminated bool
}

// Options configures a Lifecycle. Zero fields get working defaults.
type Options struct {
	Policy  expiration.Policy
	Ingress *domain.IngressConfig
	Runtime runtime.Notifier
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Lifecycle handles create, delete, list and renew requests for sandboxes.
// It owns no state of its own: every record lives in the store, and every
// mutation goes through the store's per-id atomic update.
type Lifecycle struct {
	store   storage.Storage
	policy  expiration.Policy
	ingress *domain.IngressConfig
	runtime runtime.Notifier
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLifecycle creates a Lifecycle over store.
func NewLifecycle(store storage.Storage, opts Options) *Lifecycle {
	l := &Lifecycle{
		store:   store,
		policy:  opts.Policy,
		ingress: opts.Ingress,
		runtime: opts.Runtime,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Clock,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.runtime == nil {
		l.runtime = runtime.NewLogNotifier(l.logger)
	}
	if l.metrics == nil {
		l.metrics = metrics.New(nil)
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

func (l *Lifecycle) clock() time.Time {
	return l.now().UTC()
}

// Create stores a new Pending sandbox and announces it to the runtime.
// The returned map holds the gateway endpoint of every requested port, or is
// nil when ingress is not gateway-routed.
func (l *Lifecycle) Create(ctx context.Context, spec CreateSpec) (*domain.Sandbox, map[int]string, error) {
	now := l.clock()
	sb := &domain.Sandbox{
		ID:             uuid.NewString(),
		Image:          spec.Image,
		Entrypoint:     spec.Entrypoint,
		Env:            spec.Env,
		ResourceLimits: spec.ResourceLimits,
		Ports:          spec.Ports,
		Metadata:       spec.Metadata,
		Status: domain.Status{
			State:            domain.StatePending,
			LastTransitionAt: now,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(spec.Timeout),
	}
	if sb.Metadata == nil {
		sb.Metadata = map[string]string{}
	}

	endpoints, err := ingress.ResolveAll(l.ingress, sb.ID, sb.Ports)
	if err != nil {
		return nil, nil, err
	}

	if err := l.store.PutSandbox(ctx, sb); err != nil {
		return nil, nil, fmt.Errorf("storing sandbox: %w", err)
	}
	l.metrics.SandboxesCreated.Inc()

	if err := l.runtime.SandboxCreated(ctx, sb); err != nil {
		l.logger.ErrorContext(ctx, "runtime did not accept sandbox", "sandbox_id", sb.ID, "error", err)
		_, _ = l.store.UpdateSandbox(ctx, sb.ID, func(s *domain.Sandbox) error {
			return s.Transition(domain.StateTerminated, ReasonRuntimeUnavailable, err.Error(), l.clock())
		})
		return nil, nil, fmt.Errorf("notifying runtime: %w", err)
	}

	l.logger.InfoContext(ctx, "sandbox created",
		"sandbox_id", sb.ID, "image", sb.Image.URI, "expires_at", sb.ExpiresAt)
	return sb, endpoints, nil
}

// Get returns the sandbox with the given id, including terminated ones.
func (l *Lifecycle) Get(ctx context.Context, id string) (*domain.Sandbox, error) {
	return l.store.GetSandbox(ctx, id)
}

// Delete terminates a sandbox. Unknown ids yield domain.ErrNotFound; deleting
// an already terminated sandbox succeeds without changing it. Only the call
// that terminated the sandbox notifies the runtime.
func (l *Lifecycle) Delete(ctx context.Context, id string) (DeleteResult, error) {
	var res DeleteResult
	_, err := l.store.UpdateSandbox(ctx, id, func(sb *domain.Sandbox) error {
		if sb.Status.State.Terminal() {
			return errUnchanged
		}
		return sb.Transition(domain.StateTerminated, ReasonDeleted, "sandbox deleted by request", l.clock())
	})
	switch {
	case err == nil:
	case errors.Is(err, errUnchanged):
		return res, nil
	default:
		return res, err
	}

	res.Terminated = true
	l.metrics.SandboxesDeleted.Inc()
	l.metrics.StateTransitions.WithLabelValues(string(domain.StateTerminated)).Inc()
	l.logger.InfoContext(ctx, "sandbox deleted", "sandbox_id", id)

	if err := l.runtime.SandboxDeleted(ctx, id); err != nil {
		return res, fmt.Errorf("notifying runtime: %w", err)
	}
	return res, nil
}

// List returns one page of the sandboxes matching f, in creation order.
func (l *Lifecycle) List(ctx context.Context, f listing.Filter, p listing.Pagination) (listing.Result, error) {
	all, err := l.store.ListSandboxes(ctx)
	if err != nil {
		return listing.Result{}, err
	}
	return listing.Apply(all, f, p), nil
}

// Renew moves the expiration of a sandbox to expiresAt.
//
// The local policy is checked first, then the runtime may veto. The runtime
// is consulted outside the store's update so no lock is held across the
// call; the policy is checked again inside the update to catch a delete that
// landed in between.
func (l *Lifecycle) Renew(ctx context.Context, id string, expiresAt time.Time) (*domain.Sandbox, error) {
	current, err := l.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := l.policy.Renew(current, expiresAt, l.clock()); err != nil {
		l.metrics.Renewals.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := l.runtime.ApproveRenewal(ctx, current, expiresAt); err != nil {
		l.metrics.Renewals.WithLabelValues("runtime_rejected").Inc()
		return nil, err
	}

	updated, err := l.store.UpdateSandbox(ctx, id, func(sb *domain.Sandbox) error {
		renewed, err := l.policy.Renew(sb, expiresAt, l.clock())
		if err != nil {
			return err
		}
		*sb = *renewed
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidExpiresAt) {
			l.metrics.Renewals.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	l.metrics.Renewals.WithLabelValues("renewed").Inc()
	l.logger.InfoContext(ctx, "sandbox renewed", "sandbox_id", id, "expires_at", updated.ExpiresAt)
	return updated, nil
}

// Endpoint returns the gateway address of port on the sandbox.
func (l *Lifecycle) Endpoint(ctx context.Context, id string, port int) (string, error) {
	sb, err := l.store.GetSandbox(ctx, id)
	if err != nil {
		return "", err
	}
	if sb.Status.State.Terminal() {
		return "", fmt.Errorf("%w: sandbox %s is terminated", domain.ErrNoEndpoint, id)
	}
	endpoint, ok, err := ingress.Resolve(l.ingress, id, port)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: ingress is not gateway-routed", domain.ErrNoEndpoint)
	}
	return endpoint, nil
}

// Pause suspends a running sandbox.
func (l *Lifecycle) Pause(ctx context.Context, id string) (*domain.Sandbox, error) {
	sb, err := l.Transition(ctx, id, domain.StatePaused, ReasonPaused, "")
	if err != nil {
		return nil, err
	}
	if err := l.runtime.SandboxPaused(ctx, id); err != nil {
		return nil, fmt.Errorf("notifying runtime: %w", err)
	}
	return sb, nil
}

// Resume restarts a paused sandbox.
func (l *Lifecycle) Resume(ctx context.Context, id string) (*domain.Sandbox, error) {
	sb, err := l.Transition(ctx, id, domain.StateRunning, ReasonResumed, "")
	if err != nil {
		return nil, err
	}
	if err := l.runtime.SandboxResumed(ctx, id); err != nil {
		return nil, fmt.Errorf("notifying runtime: %w", err)
	}
	return sb, nil
}

// Transition applies a state change reported by the runtime or requested by
// a client. Repeating the current state is a no-op; any other move must be
// allowed by the state machine.
func (l *Lifecycle) Transition(ctx context.Context, id string, to domain.State, reason, message string) (*domain.Sandbox, error) {
	sb, err := l.store.UpdateSandbox(ctx, id, func(sb *domain.Sandbox) error {
		if sb.Status.State == to {
			return errUnchanged
		}
		return sb.Transition(to, reason, message, l.clock())
	})
	if errors.Is(err, errUnchanged) {
		return l.store.GetSandbox(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	l.metrics.StateTransitions.WithLabelValues(string(to)).Inc()
	return sb, nil
}

// ReapExpired terminates every sandbox past its deadline and returns how many
// it terminated. Expiry is re-checked under the update so a concurrent
// renewal wins.
func (l *Lifecycle) ReapExpired(ctx context.Context) (int, error) {
	all, err := l.store.ListSandboxes(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	var errs []error
	for _, candidate := range all {
		if !expiration.IsExpired(candidate, l.clock()) {
			continue
		}
		_, err := l.store.UpdateSandbox(ctx, candidate.ID, func(sb *domain.Sandbox) error {
			now := l.clock()
			if !expiration.IsExpired(sb, now) {
				return errUnchanged
			}
			return sb.Transition(domain.StateTerminated, ReasonExpired, "sandbox expired", now)
		})
		switch {
		case err == nil:
		case errors.Is(err, errUnchanged), errors.Is(err, domain.ErrNotFound):
			continue
		default:
			errs = append(errs, fmt.Errorf("reaping sandbox %s: %w", candidate.ID, err))
			continue
		}

		reaped++
		l.metrics.SandboxesReaped.Inc()
		l.metrics.StateTransitions.WithLabelValues(string(domain.StateTerminated)).Inc()
		l.logger.InfoContext(ctx, "sandbox expired", "sandbox_id", candidate.ID, "expires_at", candidate.ExpiresAt)
		if err := l.runtime.SandboxDeleted(ctx, candidate.ID); err != nil {
			errs = append(errs, fmt.Errorf("notifying runtime of expired sandbox %s: %w", candidate.ID, err))
		}
	}
	return reaped, errors.Join(errs...)
}

// PurgeTerminated removes records that have been Terminated for longer than
// retention. Terminated is absorbing, so the records cannot change meanwhile.
func (l *Lifecycle) PurgeTerminated(ctx context.Context, retention time.Duration) (int, error) {
	all, err := l.store.ListSandboxes(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := l.clock().Add(-retention)
	purged := 0
	counts := make(map[domain.State]int, len(domain.States))
	for _, sb := range all {
		if sb.Status.State.Terminal() && !sb.Status.LastTransitionAt.After(cutoff) {
			err := l.store.DeleteSandbox(ctx, sb.ID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return purged, fmt.Errorf("purging sandbox %s: %w", sb.ID, err)
			}
			purged++
			continue
		}
		counts[sb.Status.State]++
	}

	l.metrics.SandboxesPurged.Add(float64(purged))
	for _, st := range domain.States {
		l.metrics.SandboxesByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return purged, nil
}
