package httpx

import (
	"encoding/json"
	"net/http"
)

// Error writes a small JSON error body. Extra fields are merged into the
// object next to the error code.
func Error(w http.ResponseWriter, status int, code string, extra map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	_ = json.NewEncoder(w).Encode(body)
}
