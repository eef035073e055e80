package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// State is the lifecycle state of a sandbox.
type State string

const (
	StatePending    State = "Pending"
	StateRunning    State = "Running"
	StatePaused     State = "Paused"
	StateTerminated State = "Terminated"
)

// States lists every known state in lifecycle order.
var States = []State{StatePending, StateRunning, StatePaused, StateTerminated}

// transitions holds the allowed edges of the lifecycle state machine.
// Terminated has no outgoing edges.
var transitions = map[State][]State{
	StatePending:    {StateRunning, StateTerminated},
	StateRunning:    {StatePaused, StateTerminated},
	StatePaused:     {StateRunning, StateTerminated},
	StateTerminated: nil,
}

// ParseState converts a wire value into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidInput, s)
	}
	return st, nil
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// ImageSpec references the execution image of a sandbox.
type ImageSpec struct {
	URI  string     `json:"uri" validate:"required"`
	Auth *ImageAuth `json:"auth,omitempty"`
}

// ImageAuth holds registry credentials for pulling a private image.
type ImageAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Status is the observable lifecycle status of a sandbox.
type Status struct {
	State            State     `json:"state"`
	Reason           string    `json:"reason,omitempty"`
	Message          string    `json:"message,omitempty"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// Sandbox is the authoritative record of one sandbox.
type Sandbox struct {
	ID             string            `json:"id"`
	Image          ImageSpec         `json:"image"`
	Entrypoint     []string          `json:"entrypoint"`
	Env            map[string]string `json:"env,omitempty"`
	ResourceLimits map[string]string `json:"resourceLimits,omitempty"`
	Ports          []int             `json:"ports,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
}

// Clone returns a deep copy of the sandbox.
func (s *Sandbox) Clone() *Sandbox {
	if s == nil {
		return nil
	}
	c := *s
	if s.Image.Auth != nil {
		auth := *s.Image.Auth
		c.Image.Auth = &auth
	}
	c.Entrypoint = slices.Clone(s.Entrypoint)
	c.Ports = slices.Clone(s.Ports)
	c.Env = maps.Clone(s.Env)
	c.ResourceLimits = maps.Clone(s.ResourceLimits)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Transition moves the sandbox to the given state, stamping the transition time.
// It returns ErrInvalidTransition when the state machine forbids the move.
func (s *Sandbox) Transition(to State, reason, message string, at time.Time) error {
	if !CanTransition(s.Status.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status.State, to)
	}
	s.Status = Status{
		State:            to,
		Reason:           reason,
		Message:          message,
		LastTransitionAt: at.UTC(),
	}
	return nil
}

// CreateSandboxRequest is the request body for creating a sandbox.
type CreateSandboxRequest struct {
	Image          ImageSpec         `json:"image"`
	Timeout        int               `json:"timeout" validate:"required,min=60,max=86400"`
	Entrypoint     []string          `json:"entrypoint" validate:"required,min=1,dive,required"`
	Env            map[string]string `json:"env,omitempty"`
	ResourceLimits map[string]string `json:"resourceLimits,omitempty"`
	Ports          []int             `json:"ports,omitempty" validate:"omitempty,dive,min=1,max=65535"`
	Metadata       map[string]string `json:"metadata,omitempty" validate:"omitempty,dive,keys,metakey,endkeys"`
}

// CreateSandboxResponse is returned when a sandbox is accepted.
type CreateSandboxResponse struct {
	*Sandbox
	Endpoints map[int]string `json:"endpoints,omitempty"`
}

// RenewSandboxExpirationRequest is the request body for renewing a sandbox.
type RenewSandboxExpirationRequest struct {
	ExpiresAt time.Time `json:"expiresAt" validate:"required"`
}

// RenewSandboxExpirationResponse is returned after a successful renewal.
type RenewSandboxExpirationResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// EndpointResponse carries the externally reachable address of a sandbox port.
type EndpointResponse struct {
	Endpoint string `json:"endpoint"`
}

// PaginationInfo describes one page of a listing.
type PaginationInfo struct {
	Page        int  `json:"page"`
	PageSize    int  `json:"pageSize"`
	TotalItems  int  `json:"totalItems"`
	TotalPages  int  `json:"totalPages"`
	HasNextPage bool `json:"hasNextPage"`
}

// ListSandboxesResponse is the body of a sandbox listing.
type ListSandboxesResponse struct {
	Items      []*Sandbox     `json:"items"`
	Pagination PaginationInfo `json:"pagination"`
}
