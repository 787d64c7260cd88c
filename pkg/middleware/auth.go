package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/platinummonkey/recur/pkg/httputil"
)

// AdminAuth guards handlers with a static bearer token. An empty token
// rejects every request.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				httputil.WriteErrorMessage(w, http.StatusForbidden, "admin API disabled")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteUnauthorized(w, "missing authorization header")
				return
			}

			// Format: "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				httputil.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				httputil.WriteUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
