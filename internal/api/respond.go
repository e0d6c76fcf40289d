package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"mimir/internal/apperr"
	"mimir/internal/quota"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ok wraps fields in {"success":true,...}.
func ok(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func fail(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]any{"success": false, "error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": msg})
}

func statusOf(err error) int {
	if errors.Is(err, quota.ErrQuotaExceeded) {
		return http.StatusTooManyRequests
	}
	switch apperr.Kind(err) {
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrConfiguration, apperr.ErrParse:
		return http.StatusBadRequest
	case apperr.ErrConnection, apperr.ErrStream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
