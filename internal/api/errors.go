package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// httpError writes the standard error envelope: a stable code, a readable
// message, and the request correlation ID. Internal detail belongs in logs,
// not in the message.
func httpError(w http.ResponseWriter, r *http.Request, status int, code string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    fmt.Sprintf(format, args...),
			"request_id": middleware.GetReqID(r.Context()),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
