package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shoot3rs/fleetstream/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the only place an error kind becomes a status code.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	attrs := []any{"method", r.Method, "path", r.URL.Path, "kind", kind, "error", err}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", attrs...)
	} else {
		logger.Warn("request rejected", attrs...)
	}

	writeJSON(w, status, map[string]string{"error": apperr.PublicMessage(err)})
}
