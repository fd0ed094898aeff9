package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no caller identity.
var ErrUnauthenticated = errors.New("unauthenticated")

type ctxKey struct{}

// UserID returns the authenticated caller, or ErrUnauthenticated.
func UserID(ctx context.Context) (string, error) {
	id, _ := ctx.Value(ctxKey{}).(string)
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// WithUserID returns a context carrying id as the caller.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequireUser rejects requests without an X-User-ID header, as set by the
// upstream gateway. When apiKey is non-empty the request must also present
// it as a bearer token or in X-API-Key.
func RequireUser(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && !validKey(r, apiKey) {
				writeError(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
				return
			}
			id := strings.TrimSpace(r.Header.Get("X-User-ID"))
			if id == "" {
				writeError(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func validKey(r *http.Request, want string) bool {
	got := r.Header.Get("X-API-Key")
	if auth := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
