package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Claims represents the claims read from a verified ID token.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// TokenVerifier checks a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// OIDCVerifier verifies ID tokens issued by an OIDC provider for the
// configured client.
type OIDCVerifier struct {
	verifier       *oidc.IDTokenVerifier
	allowedDomains []string
}

var _ TokenVerifier = (*OIDCVerifier)(nil)

// NewOIDCVerifier discovers the provider at issuerURL and builds a verifier
// for clientID.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string, allowedDomains []string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return &OIDCVerifier{
		verifier:       provider.Verifier(&oidc.Config{ClientID: clientID}),
		allowedDomains: allowedDomains,
	}, nil
}

// Verify checks the token signature, issuer, audience and expiry, then the
// email domain restriction.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if err := ValidateClaims(&claims, v.allowedDomains); err != nil {
		return nil, err
	}
	return &claims, nil
}

// ValidateClaims checks if the claims meet requirements (e.g., domain restriction).
func ValidateClaims(claims *Claims, allowedDomains []string) error {
	if claims.Subject == "" {
		return fmt.Errorf("subject claim is required")
	}
	if len(allowedDomains) == 0 {
		return nil
	}

	if claims.Email == "" {
		return fmt.Errorf("email claim is required")
	}
	emailParts := strings.Split(claims.Email, "@")
	if len(emailParts) != 2 {
		return fmt.Errorf("invalid email format")
	}
	domain := strings.ToLower(emailParts[1])

	for _, d := range allowedDomains {
		if strings.ToLower(d) == domain {
			return nil
		}
	}
	return fmt.Errorf("email domain %s is not allowed", domain)
}

// LooksLikeJWT reports whether token has the three dot-separated segments of
// a compact JWS. API keys never contain dots.
func LooksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
