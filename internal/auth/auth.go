// Package auth verifies Supabase access tokens and carries the caller's
// identity through request contexts.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

const (
	clockLeeway      = 30 * time.Second
	defaultAudience  = "authenticated"
	issuerPathSuffix = "/auth/v1"
)

// Claims are the Supabase access token claims billing relies on.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens signed with the project's JWT secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier builds a Verifier. supabaseURL, when set, pins the token issuer.
func NewVerifier(secret, supabaseURL string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, billing.ConfigurationError("SUPABASE_JWT_SECRET is not set")
	}
	v := &Verifier{secret: []byte(secret)}
	if base := strings.TrimRight(strings.TrimSpace(supabaseURL), "/"); base != "" {
		v.issuer = base + issuerPathSuffix
	}
	return v, nil
}

// GetUser resolves a bearer token into the caller's identity.
func (v *Verifier) GetUser(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, billing.ErrNotAuthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(defaultAudience),
		jwt.WithLeeway(clockLeeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return models.Identity{}, &billing.Error{
			Kind:    billing.KindNotAuthenticated,
			Reason:  billing.ErrNotAuthenticated.Reason,
			Message: "invalid access token",
			Err:     err,
		}
	}
	if claims.Subject == "" {
		return models.Identity{}, &billing.Error{
			Kind:    billing.KindNotAuthenticated,
			Reason:  billing.ErrNotAuthenticated.Reason,
			Message: "access token has no subject",
		}
	}
	return models.Identity{ID: claims.Subject, Email: claims.Email}, nil
}

// IssueToken signs a token for userID. Used by dbtool and tests.
func (v *Verifier) IssueToken(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: email,
		Role:  defaultAudience,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{defaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

type contextKey struct{}

// WithIdentity stores the caller on ctx.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the caller stored by RequireUser.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(models.Identity)
	return id, ok && id.ID != ""
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// IdentityResolver turns a bearer token into an identity.
type IdentityResolver interface {
	GetUser(token string) (models.Identity, error)
}

// RequireUser rejects requests without a valid bearer token and stores the
// caller's identity on the request context.
func RequireUser(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.GetUser(BearerToken(r))
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("auth: rejected request")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":  "authentication required",
					"reason": billing.ErrNotAuthenticated.Reason,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
