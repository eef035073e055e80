package handler

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/api/middleware"
	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	apiKeyPrefix  = "sbx_"
	apiKeyEntropy = 32
	// sbx_ plus eight hex digits, enough to tell keys apart in listings.
	apiKeyVisible = len(apiKeyPrefix) + 8
)

// APIKeyHandler issues and revokes the keys that authenticate /v1 callers.
type APIKeyHandler struct {
	store  storage.Storage
	logger *slog.Logger
}

// NewAPIKeyHandler creates an APIKeyHandler. A nil logger uses slog.Default.
func NewAPIKeyHandler(store storage.Storage, logger *slog.Logger) *APIKeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyHandler{store: store, logger: logger}
}

// Create issues a key. The raw key appears in this response only; the store
// keeps its hash.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err, domain.ErrCodeAPIKeyNotFound)
		return
	}

	raw, key, err := issueAPIKey(req.Name, time.Now().UTC())
	if err != nil {
		handleError(w, r, fmt.Errorf("generating API key: %w", err), domain.ErrCodeAPIKeyNotFound)
		return
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		handleError(w, r, err, domain.ErrCodeAPIKeyNotFound)
		return
	}

	h.logger.InfoContext(r.Context(), "API key issued",
		"key_id", key.ID, "key_prefix", key.KeyPrefix, "caller", middleware.Caller(r.Context()))
	respondJSON(w, http.StatusCreated, &domain.CreateAPIKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       raw,
		KeyPrefix: key.KeyPrefix,
		CreatedAt: key.CreatedAt,
	})
}

// List returns key metadata. Hashes are never serialised.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		handleError(w, r, err, domain.ErrCodeAPIKeyNotFound)
		return
	}
	if keys == nil {
		keys = []*domain.APIKey{}
	}
	respondJSON(w, http.StatusOK, keys)
}

// Delete revokes a key. Revoking the last key re-enables the bootstrap key.
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteAPIKey(r.Context(), id); err != nil {
		handleError(w, r, notFoundAs(err, "API key "+id), domain.ErrCodeAPIKeyNotFound)
		return
	}

	h.logger.InfoContext(r.Context(), "API key revoked", "key_id", id, "caller", middleware.Caller(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// issueAPIKey draws a fresh random key and returns it with its stored form.
func issueAPIKey(name string, now time.Time) (string, *domain.APIKey, error) {
	secret := make([]byte, apiKeyEntropy)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, err
	}
	raw := apiKeyPrefix + hex.EncodeToString(secret)
	return raw, &domain.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   middleware.HashAPIKey(raw),
		KeyPrefix: raw[:apiKeyVisible],
		CreatedAt: now,
	}, nil
}
