// Package storagetest holds behaviour checks shared by every storage.Storage
// implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sandbox returns a Pending sandbox with the given id.
func Sandbox(id string) *domain.Sandbox {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Sandbox{
		ID: id,
		Image: domain.ImageSpec{
			URI:  "registry.example.com/team/python:3.11",
			Auth: &domain.ImageAuth{Username: "bot", Password: "hunter2"},
		},
		Entrypoint:     []string{"python", "-c", "print('hi')"},
		Env:            map[string]string{"MODE": "test"},
		ResourceLimits: map[string]string{"cpu": "500m", "memory": "512Mi"},
		Ports:          []int{8080, 9000},
		Metadata:       map[string]string{"team": "infra"},
		Status:         domain.Status{State: domain.StatePending, LastTransitionAt: now},
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

// Run exercises the sandbox and API key contract against the store returned
// by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("PutAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		want := Sandbox("sbx-1")

		require.NoError(t, s.PutSandbox(ctx, want))
		assert.ErrorIs(t, s.PutSandbox(ctx, want), domain.ErrAlreadyExists)

		got, err := s.GetSandbox(ctx, "sbx-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)

		_, err = s.GetSandbox(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutSandbox(ctx, Sandbox("sbx-1")))

		got, err := s.GetSandbox(ctx, "sbx-1")
		require.NoError(t, err)
		got.Metadata["team"] = "web"
		got.Status.State = domain.StateTerminated

		again, err := s.GetSandbox(ctx, "sbx-1")
		require.NoError(t, err)
		assert.Equal(t, "infra", again.Metadata["team"])
		assert.Equal(t, domain.StatePending, again.Status.State)
	})

	t.Run("Update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutSandbox(ctx, Sandbox("sbx-1")))

		later := time.Date(2026, 2, 1, 15, 0, 0, 0, time.UTC)
		updated, err := s.UpdateSandbox(ctx, "sbx-1", func(sb *domain.Sandbox) error {
			sb.ExpiresAt = later
			return sb.Transition(domain.StateRunning, "Started", "", later)
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StateRunning, updated.Status.State)

		got, err := s.GetSandbox(ctx, "sbx-1")
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.Equal(later))
		assert.Equal(t, domain.StateRunning, got.Status.State)
		assert.Equal(t, "Started", got.Status.Reason)

		_, err = s.UpdateSandbox(ctx, "missing", func(*domain.Sandbox) error { return nil })
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("AbortedUpdateLeavesRecord", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutSandbox(ctx, Sandbox("sbx-1")))

		abort := errors.New("abort")
		_, err := s.UpdateSandbox(ctx, "sbx-1", func(sb *domain.Sandbox) error {
			sb.ExpiresAt = sb.ExpiresAt.Add(time.Hour)
			return abort
		})
		assert.ErrorIs(t, err, abort)

		got, err := s.GetSandbox(ctx, "sbx-1")
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.Equal(Sandbox("sbx-1").ExpiresAt))
	})

	t.Run("ConcurrentUpdatesAreSerialised", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutSandbox(ctx, Sandbox("sbx-1")))

		const workers = 20
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateSandbox(ctx, "sbx-1", func(sb *domain.Sandbox) error {
					sb.ExpiresAt = sb.ExpiresAt.Add(time.Minute)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetSandbox(ctx, "sbx-1")
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.Equal(Sandbox("sbx-1").ExpiresAt.Add(workers*time.Minute)),
			"no update may be lost")
	})

	t.Run("ListKeepsInsertionOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ids := []string{"c", "a", "b", "d"}
		for _, id := range ids {
			require.NoError(t, s.PutSandbox(ctx, Sandbox(id)))
		}
		require.NoError(t, s.DeleteSandbox(ctx, "b"))
		_, err := s.UpdateSandbox(ctx, "c", func(sb *domain.Sandbox) error {
			sb.Metadata["touched"] = "yes"
			return nil
		})
		require.NoError(t, err)

		all, err := s.ListSandboxes(ctx)
		require.NoError(t, err)
		got := make([]string, 0, len(all))
		for _, sb := range all {
			got = append(got, sb.ID)
		}
		assert.Equal(t, []string{"c", "a", "d"}, got)
		assert.Equal(t, "yes", all[0].Metadata["touched"])
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutSandbox(ctx, Sandbox("sbx-1")))

		require.NoError(t, s.DeleteSandbox(ctx, "sbx-1"))
		assert.ErrorIs(t, s.DeleteSandbox(ctx, "sbx-1"), domain.ErrNotFound)
		_, err := s.GetSandbox(ctx, "sbx-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.UpdateSandbox(ctx, "sbx-1", func(*domain.Sandbox) error { return nil })
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("APIKeys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := range 3 {
			require.NoError(t, s.CreateAPIKey(ctx, &domain.APIKey{
				ID:        fmt.Sprintf("key-%d", i),
				Name:      fmt.Sprintf("ci-%d", i),
				KeyHash:   fmt.Sprintf("hash-%d", i),
				KeyPrefix: "sbx_abcdefgh",
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			}))
		}

		count, err := s.CountAPIKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		key, err := s.GetAPIKeyByHash(ctx, "hash-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.ID)
		assert.Nil(t, key.LastUsedAt)

		require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, "key-1"))
		key, err = s.GetAPIKeyByHash(ctx, "hash-1")
		require.NoError(t, err)
		assert.NotNil(t, key.LastUsedAt)

		keys, err := s.ListAPIKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 3)
		assert.Equal(t, "key-2", keys[0].ID, "newest first")

		require.NoError(t, s.DeleteAPIKey(ctx, "key-0"))
		assert.ErrorIs(t, s.DeleteAPIKey(ctx, "key-0"), domain.ErrNotFound)
		_, err = s.GetAPIKeyByHash(ctx, "hash-0")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
