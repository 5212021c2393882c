package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/internal/ingest"
	"procodus.dev/sensorhub/internal/store"
)

// maxBodyBytes caps ingest payloads.
const maxBodyBytes = 64 << 10

// dashboardRows is the number of readings listed on the dashboard.
const dashboardRows = 25

var emptyMarker = statusResponse{Status: "empty"}

// handleHealth reports whether the database answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.readings.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: apperr.Message(err)})
		return
	}

	s.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleIngest stores one reading posted by a device.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, apperr.Newf(apperr.Validation, "ingest", "request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, r, apperr.Wrap(apperr.Validation, "ingest", err))
		return
	}

	reading, err := s.ingester.Ingest(r.Context(), ingest.SourceHTTP, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Debug("reading ingested", "id", reading.ID, "device_id", reading.DeviceID)
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "saved"})
}

// handleLatest returns the newest reading or the empty marker.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	reading, err := s.readings.Latest(r.Context(), deviceParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if reading == nil {
		s.writeJSON(w, http.StatusOK, emptyMarker)
		return
	}
	s.writeJSON(w, http.StatusOK, reading)
}

// handleHistory returns recent readings, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rows, err := s.readings.History(r.Context(), deviceParam(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if rows == nil {
		rows = []store.Reading{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// handleDashboard renders the latest reading and a short history.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	deviceID := deviceParam(r)

	rows, err := s.readings.History(r.Context(), deviceID, dashboardRows)
	if err != nil {
		s.logger.Error("failed to load dashboard readings", "error", err)
		http.Error(w, "Failed to load readings", http.StatusInternalServerError)
		return
	}

	if err := s.render(w, r, http.StatusOK, "dashboard", dashboardPage(deviceID, rows)); err != nil {
		s.logger.Error("failed to render dashboard", "error", err)
	}
}

func deviceParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("device_id"))
}

// limitParam parses ?limit, defaulting to store.DefaultLimit. Out of range
// values are clamped by the store.
func limitParam(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return store.DefaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.Validation, "history", "limit must be an integer")
	}
	return store.ClampLimit(limit), nil
}
