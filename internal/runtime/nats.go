package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	natsgo "github.com/nats-io/nats.go"
)

// Event subjects, appended to the configured prefix.
const (
	SubjectCreated = "created"
	SubjectDeleted = "deleted"
	SubjectPaused  = "paused"
	SubjectResumed = "resumed"
	SubjectRenew   = "renew"
	SubjectState   = "state"
)

// Conn is the subset of *nats.Conn used by the bridge.
type Conn interface {
	Publish(subj string, data []byte) error
	RequestWithContext(ctx context.Context, subj string, data []byte) (*natsgo.Msg, error)
	Subscribe(subj string, cb natsgo.MsgHandler) (*natsgo.Subscription, error)
}

// Event is the JSON payload published for every lifecycle decision.
type Event struct {
	Type           string            `json:"type"`
	SandboxID      string            `json:"sandboxId"`
	Image          string            `json:"image,omitempty"`
	Entrypoint     []string          `json:"entrypoint,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ResourceLimits map[string]string `json:"resourceLimits,omitempty"`
	Ports          []int             `json:"ports,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// RenewalDecision is the runtime's reply to a renewal request.
type RenewalDecision struct {
	Approved bool   `json:"approved"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// NATSNotifier publishes lifecycle events on NATS subjects under a prefix.
type NATSNotifier struct {
	nc           Conn
	prefix       string
	renewTimeout time.Duration
	gateRenewals bool
	logger       *slog.Logger
}

// Ensure NATSNotifier implements Notifier.
var _ Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier creates a notifier. When gateRenewals is set, every renewal
// is sent to the runtime as a request and must be approved within renewTimeout.
func NewNATSNotifier(nc Conn, prefix string, gateRenewals bool, renewTimeout time.Duration, logger *slog.Logger) *NATSNotifier {
	return &NATSNotifier{
		nc:           nc,
		prefix:       prefix,
		renewTimeout: renewTimeout,
		gateRenewals: gateRenewals,
		logger:       logger.With("component", "runtime"),
	}
}

func (n *NATSNotifier) subject(name string) string {
	return n.prefix + "." + name
}

func (n *NATSNotifier) publish(name string, ev Event) error {
	ev.Type = name
	ev.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject(name), payload); err != nil {
		return fmt.Errorf("publishing %s event for sandbox %s: %w", name, ev.SandboxID, err)
	}
	return nil
}

func (n *NATSNotifier) SandboxCreated(ctx context.Context, sb *domain.Sandbox) error {
	expiresAt := sb.ExpiresAt
	return n.publish(SubjectCreated, Event{
		SandboxID:      sb.ID,
		Image:          sb.Image.URI,
		Entrypoint:     sb.Entrypoint,
		Env:            sb.Env,
		ResourceLimits: sb.ResourceLimits,
		Ports:          sb.Ports,
		ExpiresAt:      &expiresAt,
	})
}

func (n *NATSNotifier) SandboxDeleted(ctx context.Context, id string) error {
	return n.publish(SubjectDeleted, Event{SandboxID: id})
}

func (n *NATSNotifier) SandboxPaused(ctx context.Context, id string) error {
	return n.publish(SubjectPaused, Event{SandboxID: id})
}

func (n *NATSNotifier) SandboxResumed(ctx context.Context, id string) error {
	return n.publish(SubjectResumed, Event{SandboxID: id})
}

// ApproveRenewal asks the runtime whether the renewal may proceed. A runtime
// that does not answer the renew subject at all is taken as approval.
func (n *NATSNotifier) ApproveRenewal(ctx context.Context, sb *domain.Sandbox, expiresAt time.Time) error {
	if !n.gateRenewals {
		return nil
	}

	payload, err := json.Marshal(Event{
		Type:      SubjectRenew,
		SandboxID: sb.ID,
		ExpiresAt: &expiresAt,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.renewTimeout)
	defer cancel()

	msg, err := n.nc.RequestWithContext(ctx, n.subject(SubjectRenew), payload)
	if errors.Is(err, natsgo.ErrNoResponders) {
		n.logger.WarnContext(ctx, "no runtime answered renewal request, approving", "sandbox_id", sb.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("requesting renewal approval for sandbox %s: %w", sb.ID, err)
	}

	var decision RenewalDecision
	if err := json.Unmarshal(msg.Data, &decision); err != nil {
		return fmt.Errorf("decoding renewal decision for sandbox %s: %w", sb.ID, err)
	}
	if decision.Approved {
		return nil
	}

	rejection := &domain.CodedError{
		Kind:    domain.ErrInvalidExpiresAt,
		Code:    domain.ErrCodeInvalidExpiresAt,
		Message: fmt.Sprintf("Requested expiresAt is not valid for sandbox %s", sb.ID),
	}
	if decision.Code != "" {
		rejection.Code = decision.Code
	}
	if decision.Message != "" {
		rejection.Message = decision.Message
	}
	return rejection
}

// StateEvent is a runtime callback reporting a state change.
type StateEvent struct {
	SandboxID string `json:"sandboxId"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StateSink applies runtime state callbacks.
type StateSink interface {
	Transition(ctx context.Context, id string, to domain.State, reason, message string) (*domain.Sandbox, error)
}

// StateListener consumes runtime state callbacks from NATS.
type StateListener struct {
	sink   StateSink
	logger *slog.Logger
}

// NewStateListener creates a StateListener that forwards to sink.
func NewStateListener(sink StateSink, logger *slog.Logger) *StateListener {
	return &StateListener{sink: sink, logger: logger.With("component", "runtime-state")}
}

// Subscribe registers the listener on "<prefix>.state". Messages are handled
// with ctx, so cancelling it aborts in-flight store calls.
func (l *StateListener) Subscribe(ctx context.Context, nc Conn, prefix string) (*natsgo.Subscription, error) {
	return nc.Subscribe(prefix+"."+SubjectState, func(msg *natsgo.Msg) {
		l.Handle(ctx, msg.Data)
	})
}

// Handle applies one encoded StateEvent. Bad events are logged and dropped.
func (l *StateListener) Handle(ctx context.Context, data []byte) {
	var ev StateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		l.logger.WarnContext(ctx, "dropping malformed state event", "error", err)
		return
	}
	to, err := domain.ParseState(ev.State)
	if err != nil {
		l.logger.WarnContext(ctx, "dropping state event", "sandbox_id", ev.SandboxID, "error", err)
		return
	}
	if _, err := l.sink.Transition(ctx, ev.SandboxID, to, ev.Reason, ev.Message); err != nil {
		l.logger.WarnContext(ctx, "state transition rejected",
			"sandbox_id", ev.SandboxID, "state", ev.State, "error", err)
		return
	}
	l.logger.DebugContext(ctx, "state transition applied", "sandbox_id", ev.SandboxID, "state", ev.State)
}

// Connect dials NATS with reconnect handling that logs through logger.
func Connect(url, name string, logger *slog.Logger) (*natsgo.Conn, error) {
	nc, err := natsgo.Connect(url,
		natsgo.Name(name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	logger.Info("nats connected", "url", nc.ConnectedUrl())
	return nc, nil
}
