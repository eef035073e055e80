package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
)

// GenerateETag generates an ETag for a sandbox from the fields that change
// over its life: the last transition time and the expiry.
// Format: "sandbox-<id>-<last_transition_unix_nano>-<expires_at_unix_nano>"
func GenerateETag(sb *domain.Sandbox) string {
	return fmt.Sprintf(`"sandbox-%s-%d-%d"`, sb.ID, sb.Status.LastTransitionAt.UnixNano(), sb.ExpiresAt.UnixNano())
}

// SetETagHeader sets the ETag header on the response.
func SetETagHeader(w http.ResponseWriter, sb *domain.Sandbox) {
	w.Header().Set("ETag", GenerateETag(sb))
}

// CheckIfNoneMatch reports whether the If-None-Match header already names
// the current version of sb, in which case the client copy is fresh.
func CheckIfNoneMatch(r *http.Request, sb *domain.Sandbox) bool {
	header := r.Header.Get("If-None-Match")
	if header == "" {
		return false
	}
	current := GenerateETag(sb)
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || tag == current {
			return true
		}
	}
	return false
}
