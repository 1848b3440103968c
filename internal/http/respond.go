package httpx

import (
	"encoding/json"
	"net/http"
)

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}

// writeEnvelope wraps data in the {status, data} envelope used by the
// deployment read endpoints.
func (r *Router) writeEnvelope(w http.ResponseWriter, status int, data any) {
	payload := map[string]any{"status": status}
	if data != nil {
		payload["data"] = data
	}
	r.writeJSON(w, status, payload)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
