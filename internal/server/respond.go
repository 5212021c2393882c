package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"procodus.dev/sensorhub/internal/apperr"
)

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Auth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v before the header goes out, so an encoding failure
// still reaches the client as a 500.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
		buf.Reset()
		status = http.StatusInternalServerError
		_ = json.NewEncoder(&buf).Encode(errorResponse{Error: "failed to encode response"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Error("failed to write JSON response", "error", err)
	}
}

// writeError renders err as {"error": ...} with the status of its kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", apperr.KindOf(err).String(),
			"error", err,
		)
	}
	s.writeJSON(w, status, errorResponse{Error: apperr.Message(err)})
}
