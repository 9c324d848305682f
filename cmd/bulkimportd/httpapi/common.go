package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vgpastor/bulkimport/cmd/bulkimportd/httpapi/middleware"
)

// WriteJSON writes a JSON response body with status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes a standardized error envelope including the
// request's tracking ID, stamped by the request-id middleware.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(middleware.RequestIDKey).(string)

	WriteJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": requestID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	})
}
