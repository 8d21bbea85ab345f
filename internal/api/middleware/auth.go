package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// TokenVerifier validates a caller's bearer token against the core service
// registry, returning the caller's registered name and type.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (name, serviceType string, err error)
}

type callerKey struct{}

// Caller is the authenticated identity attached to the request context.
// Both fields are empty when authentication is disabled or the caller sent
// no token.
type Caller struct {
	Name string
	Type string
}

// CallerFrom returns the authenticated caller stored in the context.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// BearerAuth returns middleware that verifies bearer tokens through the
// core. While required is false a missing token passes through anonymously;
// a present but invalid token is always rejected. The flag is read per
// request, so a Security category change flips enforcement without a
// restart.
func BearerAuth(verifier TokenVerifier, required *atomic.Bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				if required.Load() {
					unauthorized(w, "This endpoint requires a bearer token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			name, serviceType, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Token verification failed")
				unauthorized(w, "Invalid bearer token")
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{},
				Caller{Name: name, Type: serviceType})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="dispatcher"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "authentication_failed",
		"message": message,
	})
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}
