package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const contentTypeJSON = "application/json; charset=utf-8"

// WriteJSON encodes v before writing anything, so a value that does not
// encode yields a 500 instead of a truncated success response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode JSON response", "status", status, "error", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(map[string]string{
			"error":   http.StatusText(status),
			"message": "response could not be encoded",
		})
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Debug("failed to write JSON response", "error", err)
	}
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"message": msg,
	})
}
