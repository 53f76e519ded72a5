package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyAuth guards the operator API with static keys. With no keys
// configured every request passes. Keys are accepted as
// "Authorization: Bearer <key>" or "X-API-Key: <key>".
//
// /health, /version and /metrics are always public.
type APIKeyAuth struct {
	keys [][]byte
}

// NewAPIKeyAuth builds the middleware from the configured keys.
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	a := &APIKeyAuth{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *APIKeyAuth) Enabled() bool { return len(a.keys) > 0 }

// Middleware enforces the key check.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		if !a.validateKey(key) {
			respondUnauthorized(w, "Invalid API key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *APIKeyAuth) validateKey(candidate string) bool {
	c := []byte(candidate)
	ok := false
	for _, k := range a.keys {
		// Compare against every key so timing does not reveal which matched.
		if subtle.ConstantTimeCompare(c, k) == 1 {
			ok = true
		}
	}
	return ok
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sandboxd"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
