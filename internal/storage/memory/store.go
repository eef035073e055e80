package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/storage"
)

// entry guards one sandbox record. Updates to different sandboxes only
// contend on the index lock long enough to find their entry.
type entry struct {
	mu      sync.Mutex
	sb      *domain.Sandbox
	removed bool
}

// Store is an in-memory implementation of the storage interface.
// It backs tests and single-process deployments without a database.
type Store struct {
	mu sync.RWMutex

	apiKeys   map[string]*domain.APIKey
	sandboxes map[string]*entry
	order     []*entry // insertion order
}

var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		apiKeys:   make(map[string]*domain.APIKey),
		sandboxes: make(map[string]*entry),
	}
}

func (s *Store) Close() error { return nil }

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return domain.ErrAlreadyExists
	}
	k := *key
	s.apiKeys[key.ID] = &k
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.apiKeys {
		if key.KeyHash == keyHash {
			k := *key
			return &k, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		k := *key
		keys = append(keys, &k)
	}
	slices.SortFunc(keys, func(a, b *domain.APIKey) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, exists := s.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	key.LastUsedAt = &now
	return nil
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apiKeys), nil
}

// ============================================
// Sandboxes
// ============================================

func (s *Store) PutSandbox(ctx context.Context, sb *domain.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sandboxes[sb.ID]; exists {
		return domain.ErrAlreadyExists
	}
	e := &entry{sb: sb.Clone()}
	s.sandboxes[sb.ID] = e
	s.order = append(s.order, e)
	return nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sandboxes[id]
	return e, ok
}

func (s *Store) GetSandbox(ctx context.Context, id string) (*domain.Sandbox, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, domain.ErrNotFound
	}
	return e.sb.Clone(), nil
}

func (s *Store) UpdateSandbox(ctx context.Context, id string, fn storage.UpdateFunc) (*domain.Sandbox, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, domain.ErrNotFound
	}
	updated := e.sb.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.ID = e.sb.ID
	e.sb = updated
	return updated.Clone(), nil
}

func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.sandboxes[id]
	if !exists {
		return domain.ErrNotFound
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(s.sandboxes, id)
	s.order = slices.DeleteFunc(s.order, func(x *entry) bool { return x == e })
	return nil
}

func (s *Store) ListSandboxes(ctx context.Context) ([]*domain.Sandbox, error) {
	s.mu.RLock()
	snapshot := slices.Clone(s.order)
	s.mu.RUnlock()

	out := make([]*domain.Sandbox, 0, len(snapshot))
	for _, e := range snapshot {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.sb.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}
