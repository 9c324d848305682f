package middleware

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// CORS allows the status/control API to be called from a browser-based
// dashboard on a different origin than the daemon itself.
func CORS() func(http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
	)
}
