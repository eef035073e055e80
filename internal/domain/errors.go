package domain

import "errors"

// Common errors used throughout the application.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidExpiresAt  = errors.New("invalid expiresAt")
	ErrInvalidRouteMode  = errors.New("invalid ingress route mode")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoEndpoint        = errors.New("endpoint not available")
)

// Error codes for standardized API error responses.
const (
	ErrCodeSandboxNotFound        = "SANDBOX_NOT_FOUND"
	ErrCodeAPIKeyNotFound         = "API_KEY_NOT_FOUND"
	ErrCodeAlreadyExists          = "RESOURCE_ALREADY_EXISTS"
	ErrCodeInvalidInput           = "INVALID_INPUT"
	ErrCodeValidationError        = "VALIDATION_ERROR"
	ErrCodeInvalidExpiresAt       = "INVALID_EXPIRES_AT"
	ErrCodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ErrCodeEndpointNotAvailable   = "ENDPOINT_NOT_AVAILABLE"
	ErrCodeMissingAPIKey          = "MISSING_API_KEY"
	ErrCodeInvalidAPIKey          = "INVALID_API_KEY"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Errors  any    `json:"errors,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// CodedError is a rejection that already carries its API code, such as a
// renewal refused by the sandbox runtime. Kind is the sentinel it unwraps to.
type CodedError struct {
	Kind    error
	Code    string
	Message string
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel kind to errors.Is.
func (e *CodedError) Unwrap() error {
	return e.Kind
}
