// Package middleware holds the HTTP middleware shared by every route group.
package middleware

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/sportify/backend/internal/apperror"
	"github.com/sportify/backend/internal/auth"
	"github.com/sportify/backend/internal/models"
)

const signInMessage = "please sign in"

// Authenticator turns a bearer token into an auth.Principal on the request context.
type Authenticator struct {
	tokens *auth.Tokens
	loader auth.Loader
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(tokens *auth.Tokens, loader auth.Loader) *Authenticator {
	return &Authenticator{tokens: tokens, loader: loader}
}

// RequireAuth rejects requests without a valid token for an existing account
// with 401, and stores the resolved principal otherwise.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			log.Printf("[auth] %s %s: missing or malformed Authorization header", r.Method, r.URL.Path)
			apperror.Write(w, apperror.Unauthorized(signInMessage))
			return
		}

		claims, err := a.tokens.Parse(raw)
		if err != nil {
			log.Printf("[auth] %s %s: %v", r.Method, r.URL.Path, err)
			apperror.Write(w, apperror.Unauthorized(signInMessage))
			return
		}

		principal, err := auth.Resolve(r.Context(), a.loader, claims)
		switch {
		case errors.Is(err, auth.ErrAccountNotFound), errors.Is(err, auth.ErrUnknownRole):
			log.Printf("[auth] %s %s: %v", r.Method, r.URL.Path, err)
			apperror.Write(w, apperror.Unauthorized(signInMessage))
			return
		case err != nil:
			apperror.Write(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// RequireRole allows only principals holding one of roles. It must run after
// RequireAuth.
func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				apperror.Write(w, apperror.Unauthorized(signInMessage))
				return
			}
			for _, role := range roles {
				if principal.Role() == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			apperror.Write(w, apperror.Forbidden("this action is not available to %s accounts", principal.Role()))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
