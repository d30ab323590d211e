package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jcollis/bastion/internal/models"
	pkghttp "github.com/jcollis/bastion/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// UserContextKey is the key for storing user claims in context
	UserContextKey contextKey = "user"
)

// SessionValidator verifies a presented token against the credential's
// current session generation
type SessionValidator interface {
	Validate(ctx context.Context, tokenString string) (*models.TokenClaims, models.SessionStatus, error)
}

// UserFetcher is the slice of the user repository tier checks need
type UserFetcher interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// Middleware validates bearer tokens and injects user claims into
// context. A token whose generation was superseded gets a distinct
// response so clients can tell "logged in elsewhere" apart from an
// ordinary expired token.
func Middleware(sessions SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				pkghttp.WriteUnauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				pkghttp.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			claims, status, err := sessions.Validate(r.Context(), parts[1])
			if err != nil {
				if status == models.SessionSuperseded {
					pkghttp.WriteSessionSuperseded(w)
					return
				}
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			// Refresh tokens are only good at the refresh endpoint.
			if claims.Type != "access" {
				pkghttp.WriteUnauthorized(w, "token cannot be used for API access")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireTier enforces a minimum privilege tier. The role is re-read
// from the database so a demoted admin can't ride an old token.
func RequireTier(users UserFetcher, minTier models.PrivilegeTier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}

			user, err := users.GetByID(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					pkghttp.WriteUnauthorized(w, "user not found")
					return
				}
				pkghttp.WriteInternalError(w, "internal server error")
				return
			}

			tier := user.Tier()
			if !models.IsAdmin(tier) {
				pkghttp.WriteForbidden(w, "admin access required")
				return
			}
			if tier < minTier {
				pkghttp.WriteForbidden(w, "insufficient privileges")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}
