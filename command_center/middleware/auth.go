package middleware

import (
	"net/http"
	"os"
)

// AuthMiddleware enforces the shared API key when AEGIS_API_KEY is set.
// With no key configured (dev mode) all requests pass.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := os.Getenv("AEGIS_API_KEY")
		if expected != "" && r.Header.Get("X-Aegis-API-Key") != expected {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
