package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/validation"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, &domain.APIError{
		Code:    code,
		Message: message,
	})
}

// respondValidationErrors writes a 422 response listing every failed field.
func respondValidationErrors(w http.ResponseWriter, errs validation.ValidationErrors) {
	respondJSON(w, http.StatusUnprocessableEntity, &domain.APIError{
		Code:    domain.ErrCodeValidationError,
		Message: errs.Error(),
		Errors:  errs,
	})
}

// handleError converts domain errors to HTTP errors. notFoundCode names the
// resource the request addressed.
func handleError(w http.ResponseWriter, r *http.Request, err error, notFoundCode string) {
	var coded *domain.CodedError
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		respondValidationErrors(w, verrs)
	case errors.As(err, &coded):
		respondError(w, statusFor(coded.Kind), coded.Code, coded.Message)
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, notFoundCode, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		respondError(w, http.StatusConflict, domain.ErrCodeAlreadyExists, "already exists")
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusUnprocessableEntity, domain.ErrCodeValidationError, err.Error())
	case errors.Is(err, domain.ErrInvalidExpiresAt):
		respondError(w, http.StatusConflict, domain.ErrCodeInvalidExpiresAt, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		respondError(w, http.StatusConflict, domain.ErrCodeInvalidStateTransition, err.Error())
	case errors.Is(err, domain.ErrNoEndpoint):
		respondError(w, http.StatusNotFound, domain.ErrCodeEndpointNotAvailable, err.Error())
	default:
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
	}
}

func statusFor(kind error) int {
	switch {
	case errors.Is(kind, domain.ErrNotFound), errors.Is(kind, domain.ErrNoEndpoint):
		return http.StatusNotFound
	case errors.Is(kind, domain.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(kind, domain.ErrInvalidExpiresAt), errors.Is(kind, domain.ErrInvalidTransition),
		errors.Is(kind, domain.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes a JSON request body into v and runs its validation
// rules. Malformed bodies and rule failures both come back as
// ValidationErrors.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var errs validation.ValidationErrors
		errs.Add("body", "", "invalid JSON: "+err.Error())
		return errs
	}
	return validation.Struct(v)
}
