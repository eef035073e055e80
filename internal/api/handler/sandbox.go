package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/listing"
	"github.com/bcnelson/sandbox-control-plane/internal/service"
	"github.com/bcnelson/sandbox-control-plane/internal/validation"
	"github.com/go-chi/chi/v5"
)

// SandboxHandler handles sandbox lifecycle endpoints.
type SandboxHandler struct {
	lifecycle *service.Lifecycle
}

// NewSandboxHandler creates a new SandboxHandler.
func NewSandboxHandler(lifecycle *service.Lifecycle) *SandboxHandler {
	return &SandboxHandler{lifecycle: lifecycle}
}

// Create accepts a new sandbox. The runtime provisions it asynchronously, so
// the response is 202 with the sandbox in Pending.
func (h *SandboxHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSandboxRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err, domain.ErrCodeSandboxNotFound)
		return
	}

	sb, endpoints, err := h.lifecycle.Create(r.Context(), service.CreateSpec{
		Image:          req.Image,
		Entrypoint:     req.Entrypoint,
		Env:            req.Env,
		ResourceLimits: req.ResourceLimits,
		Ports:          req.Ports,
		Metadata:       req.Metadata,
		Timeout:        time.Duration(req.Timeout) * time.Second,
	})
	if err != nil {
		handleError(w, r, err, domain.ErrCodeSandboxNotFound)
		return
	}

	respondJSON(w, http.StatusAccepted, &domain.CreateSandboxResponse{
		Sandbox:   sb,
		Endpoints: endpoints,
	})
}

// List returns one page of sandboxes. Query parameters: state (repeatable),
// metadata (URL-encoded "k=v&k2=v2"), page and pageSize.
func (h *SandboxHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var errs validation.ValidationErrors
	states, err := listing.ParseStates(q["state"])
	if err != nil {
		errs.Add("state", fmt.Sprint(q["state"]), err.Error())
	}
	metadata, err := listing.ParseMetadataQuery(q.Get("metadata"))
	if err != nil {
		errs.Add("metadata", q.Get("metadata"), err.Error())
	}
	page, ok := intParam(q.Get("page"), listing.DefaultPage)
	if !ok {
		errs.Add("page", q.Get("page"), "must be an integer")
	}
	pageSize, ok := intParam(q.Get("pageSize"), listing.DefaultPageSize)
	if !ok {
		errs.Add("pageSize", q.Get("pageSize"), "must be an integer")
	}
	if errs.HasErrors() {
		respondValidationErrors(w, errs)
		return
	}

	pagination := listing.Pagination{Page: page, PageSize: pageSize}
	if err := validation.Struct(&pagination); err != nil {
		handleError(w, r, err, domain.ErrCodeSandboxNotFound)
		return
	}

	res, err := h.lifecycle.List(r.Context(), listing.Filter{States: states, Metadata: metadata}, pagination)
	if err != nil {
		handleError(w, r, err, domain.ErrCodeSandboxNotFound)
		return
	}

	respondJSON(w, http.StatusOK, &domain.ListSandboxesResponse{
		Items:      res.Items,
		Pagination: res.Info,
	})
}

// Get returns a single sandbox. Pollers can send If-None-Match with the
// last ETag and get 304 until the sandbox changes.
func (h *SandboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sb, err := h.lifecycle.Get(r.Context(), id)
	if err != nil {
		handleError(w, r, notFound(err, id), domain.ErrCodeSandboxNotFound)
		return
	}

	SetETagHeader(w, sb)
	if CheckIfNoneMatch(r, sb) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	respondJSON(w, http.StatusOK, sb)
}

// Delete terminates a sandbox. Repeated deletes of the same sandbox succeed.
func (h *SandboxHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.lifecycle.Delete(r.Context(), id); err != nil {
		handleError(w, r, notFound(err, id), domain.ErrCodeSandboxNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RenewExpiration moves the expiry of a sandbox.
func (h *SandboxHandler) RenewExpiration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.RenewSandboxExpirationRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err, domain.ErrCodeSandboxNotFound)
		return
	}

	sb, err := h.lifecycle.Renew(r.Context(), id, req.ExpiresAt)
	if err != nil {
		var coded *domain.CodedError
		if errors.Is(err, domain.ErrInvalidExpiresAt) && !errors.As(err, &coded) {
			err = &domain.CodedError{
				Kind:    domain.ErrInvalidExpiresAt,
				Code:    domain.ErrCodeInvalidExpiresAt,
				Message: fmt.Sprintf("Requested expiresAt is not valid for sandbox %s", id),
			}
		}
		handleError(w, r, notFound(err, id), domain.ErrCodeSandboxNotFound)
		return
	}

	SetETagHeader(w, sb)
	respondJSON(w, http.StatusOK, &domain.RenewSandboxExpirationResponse{ExpiresAt: sb.ExpiresAt})
}

// Pause asks the runtime to suspend a running sandbox.
func (h *SandboxHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sb, err := h.lifecycle.Pause(r.Context(), id)
	if err != nil {
		handleError(w, r, notFound(err, id), domain.ErrCodeSandboxNotFound)
		return
	}

	SetETagHeader(w, sb)
	respondJSON(w, http.StatusAccepted, sb)
}

// Resume asks the runtime to restart a paused sandbox.
func (h *SandboxHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sb, err := h.lifecycle.Resume(r.Context(), id)
	if err != nil {
		handleError(w, r, notFound(err, id), domain.ErrCodeSandboxNotFound)
		return
	}

	SetETagHeader(w, sb)
	respondJSON(w, http.StatusAccepted, sb)
}

// Endpoint returns the gateway address of one sandbox port.
func (h *SandboxHandler) Endpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port < 1 || port > 65535 {
		var errs validation.ValidationErrors
		errs.Add("port", chi.URLParam(r, "port"), "must be an integer between 1 and 65535")
		respondValidationErrors(w, errs)
		return
	}

	endpoint, err := h.lifecycle.Endpoint(r.Context(), id, port)
	if err != nil {
		handleError(w, r, notFound(err, id), domain.ErrCodeSandboxNotFound)
		return
	}

	respondJSON(w, http.StatusOK, &domain.EndpointResponse{Endpoint: endpoint})
}

// notFound gives a bare ErrNotFound a message naming the sandbox.
func notFound(err error, id string) error {
	return notFoundAs(err, "sandbox "+id)
}

func notFoundAs(err error, what string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%s %w", what, domain.ErrNotFound)
	}
	return err
}

func intParam(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
