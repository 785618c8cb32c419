package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Auro-rium/aex/internal/identity"
)

type contextKey string

const principalKey contextKey = "aex.principal"

// GetPrincipal returns the authenticated principal from the request
// context, nil when the route was not behind BearerAuth.
func GetPrincipal(ctx context.Context) *identity.Principal {
	p, _ := ctx.Value(principalKey).(*identity.Principal)
	return p
}

// BearerAuth resolves the Authorization header to an agent principal and
// stores it on the request context. Any resolution failure is a 401; the
// specific cause is never leaked to the caller.
func BearerAuth(auth *identity.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := auth.FromRequest(r.Context(), r)
			if err != nil {
				msg := "A valid bearer token is required."
				if errors.Is(err, identity.ErrExpiredToken) {
					msg = "Token expired."
				}
				respondUnauthorized(w, msg)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminKey gates the admin control surface on the X-AEX-Admin-Key header.
// An empty configured key disables the whole surface.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				respondUnauthorized(w, "Admin control surface is disabled.")
				return
			}
			candidate := r.Header.Get("X-AEX-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) != 1 {
				respondUnauthorized(w, "Invalid admin key.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="aex"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
