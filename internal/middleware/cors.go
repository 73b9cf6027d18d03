// Package middleware provides HTTP middleware for the control plane API.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns a CORS middleware allowing the dashboard origin. Credentials
// are allowed because the dashboard authenticates with a session cookie.
func CORS(clientURL string) func(next http.Handler) http.Handler {
	origins := []string{"http://localhost:*"}
	if clientURL != "" {
		origins = append(origins, clientURL)
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})
}
