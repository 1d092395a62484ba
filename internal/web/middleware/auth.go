// Package middleware holds HTTP middleware shared by the API routes.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/casedesk/importer/internal/store"
)

// APIKeyAuth validates the X-API-Key header against the configured keys
// and attaches the caller identity to the request context. Comparison is
// constant-time over every configured key so response timing does not
// leak which key prefix matched.
func APIKeyAuth(keys []string) func(http.Handler) http.Handler {
	hashed := make([][32]byte, len(keys))
	for i, k := range keys {
		hashed[i] = sha256.Sum256([]byte(k))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := sha256.Sum256([]byte(r.Header.Get("X-API-Key")))

			match := 0
			for _, h := range hashed {
				match |= subtle.ConstantTimeCompare(h[:], presented[:])
			}
			if match != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "unauthorized",
					"message": "A valid X-API-Key header is required",
				})
				return
			}

			ctx := store.ContextWithPrincipal(r.Context(), store.Principal{
				ID:   "api-key",
				Name: "api-key",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AnonymousPrincipal attaches a fixed caller identity when API-key auth is
// disabled. The store treats a request without a principal as
// unauthenticated, so deployments that turn auth off still need one.
func AnonymousPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := store.ContextWithPrincipal(r.Context(), store.Principal{
			ID:   "anonymous",
			Name: "anonymous",
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
