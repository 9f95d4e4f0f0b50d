package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned for a missing or invalid bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier resolves a bearer token to the opaque id of its holder.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type ctxKey struct{}

// WithActor returns a copy of ctx carrying actorID.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, actorID)
}

// Actor returns the authenticated id stored in ctx.
func Actor(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// BearerToken extracts the token from the Authorization header, falling
// back to the access_token query parameter used by websocket clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// Middleware rejects requests without a valid bearer token and stores the
// actor id in the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				http.Error(w, "Authorization header missing or invalid", http.StatusUnauthorized)
				return
			}
			actor, err := v.Verify(r.Context(), token)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
