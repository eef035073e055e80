package storage

import (
	"context"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
)

// UpdateFunc mutates a copy of a stored sandbox. Returning an error aborts
// the update and leaves the stored record untouched.
type UpdateFunc func(sb *domain.Sandbox) error

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use, and UpdateSandbox must be
// atomic per sandbox id.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// API Keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	CountAPIKeys(ctx context.Context) (int, error)

	// Sandboxes
	PutSandbox(ctx context.Context, sb *domain.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error)
	UpdateSandbox(ctx context.Context, id string, fn UpdateFunc) (*domain.Sandbox, error)
	DeleteSandbox(ctx context.Context, id string) error
	// ListSandboxes returns a snapshot of every sandbox in insertion order.
	ListSandboxes(ctx context.Context) ([]*domain.Sandbox, error)
}
