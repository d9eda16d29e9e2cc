package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, grounded on the teacher's pkg/proxy/auth.go bearerToken.
func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireBearer builds a middleware that rejects requests whose bearer
// token doesn't constant-time-match expected. An empty expected fails
// closed (every request rejected) rather than disabling auth, since the
// public and admin surfaces use separate keys and a missing key is always
// a configuration mistake, never an intentional "no auth" choice (§6.1,
// §6.2).
func (s *Server) requireBearer(expected string) func(http.Handler) http.Handler {
	expectedBytes := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header)
			if expected == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), expectedBytes) != 1 {
				writeErrorBody(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
