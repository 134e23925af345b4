package server

import (
	"encoding/json"
	"net/http"

	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logging.Component("server").WithError(err).Warn("Failed to encode response")
		}
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"status": "error", "detail": message})
}
