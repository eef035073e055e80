package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bcnelson/sandbox-control-plane/internal/auth"
	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/storage"
)

type contextKey string

const (
	APIKeyContextKey contextKey = "api_key"
	ClaimsContextKey contextKey = "oidc_claims"
)

// APIKeyHeader is accepted as an alternative to a bearer Authorization header.
const APIKeyHeader = "X-API-Key"

// AuthOptions configures the Auth middleware.
type AuthOptions struct {
	BootstrapKey string
	// Verifier, when set, accepts OIDC ID tokens as bearer credentials.
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
}

// Auth creates authentication middleware.
func Auth(store storage.Storage, opts AuthOptions) func(http.Handler) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, ok := credentialFrom(r)
			if !ok {
				unauthorized(w, domain.ErrCodeMissingAPIKey, "missing API key")
				return
			}

			ctx := r.Context()

			if opts.Verifier != nil && auth.LooksLikeJWT(credential) {
				claims, err := opts.Verifier.Verify(ctx, credential)
				if err != nil {
					logger.DebugContext(ctx, "rejected bearer token", "error", err)
					unauthorized(w, domain.ErrCodeInvalidAPIKey, "invalid bearer token")
					return
				}
				ctx = context.WithValue(ctx, ClaimsContextKey, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// Check if we have any API keys in the database
			keyCount, err := store.CountAPIKeys(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "counting API keys failed", "error", err)
				writeError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
				return
			}

			// If no keys exist and bootstrap key is set, allow bootstrap key
			if keyCount == 0 && opts.BootstrapKey != "" {
				if subtle.ConstantTimeCompare([]byte(credential), []byte(opts.BootstrapKey)) == 1 {
					ctx = context.WithValue(ctx, APIKeyContextKey, &domain.APIKey{
						ID:   "bootstrap",
						Name: "Bootstrap Key",
					})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			storedKey, err := store.GetAPIKeyByHash(ctx, HashAPIKey(credential))
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					unauthorized(w, domain.ErrCodeInvalidAPIKey, "invalid API key")
					return
				}
				logger.ErrorContext(ctx, "looking up API key failed", "error", err)
				writeError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
				return
			}

			// Update last used timestamp (fire and forget)
			go func() {
				_ = store.UpdateAPIKeyLastUsed(context.Background(), storedKey.ID)
			}()

			ctx = context.WithValue(ctx, APIKeyContextKey, storedKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// credentialFrom reads a Bearer Authorization header, falling back to the
// API key header when Authorization is absent or uses another scheme.
func credentialFrom(r *http.Request) (string, bool) {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, true
		}
	}
	key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	return key, key != ""
}

func unauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="sandbox"`)
	writeError(w, http.StatusUnauthorized, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.APIError{Code: code, Message: message})
}

// HashAPIKey creates a SHA-256 hash of the API key.
// SHA-256 is enough for lookups since API keys are high-entropy random strings.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Caller names the authenticated principal of a request for audit logs:
// "key:<name>" for API keys, "oidc:<email>" (or subject) for bearer tokens,
// and "" outside the Auth middleware.
func Caller(ctx context.Context) string {
	if key, ok := ctx.Value(APIKeyContextKey).(*domain.APIKey); ok && key != nil {
		return "key:" + key.Name
	}
	if claims, ok := ctx.Value(ClaimsContextKey).(*auth.Claims); ok && claims != nil {
		if claims.Email != "" {
			return "oidc:" + claims.Email
		}
		return "oidc:" + claims.Subject
	}
	return ""
}
