// Package api provides HTTP handlers for RelayCore endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MapleDental/RelayCore/internal/breaker"
	"github.com/MapleDental/RelayCore/internal/messaging"
	"github.com/MapleDental/RelayCore/internal/models"
)

// batchUpdateRequest is the body of POST /messaging/batch-status-update.
type batchUpdateRequest struct {
	Updates []models.StatusUpdate `json:"updates"`
}

// requireMethod enforces the HTTP method, answering 405 with an Allow header.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		slog.Warn("Server: method not allowed", "method", r.Method, "path", r.URL.Path)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// dateFromPath extracts and validates the trailing {date} path segment.
func dateFromPath(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	date := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if date == "" || strings.Contains(date, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing date path segment"))
		return "", false
	}
	if !models.ValidDate(date) {
		slog.Warn("Server: invalid date parameter", "date", date, "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Date must be in YYYY-MM-DD format"))
		return "", false
	}
	return date, true
}

// breakerStatusHandler handles GET /messaging/circuit-breaker-status.
func (s *Server) breakerStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.brk.Status()))
}

// breakerResetHandler handles POST /messaging/reset-circuit-breaker.
func (s *Server) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.brk.Reset()
	slog.Info("Server.breakerResetHandler: circuit breaker reset via API")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Circuit breaker reset", s.brk.Status()))
}

// batchStatusUpdateHandler handles POST /messaging/batch-status-update.
//
// Partial failure stays HTTP 200: per-entry problems are reported in the
// result, not as a request error. Only a malformed body (400), an empty batch
// (400), or an open breaker (503) fail the request.
func (s *Server) batchStatusUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req batchUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.batchStatusUpdateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	result, err := s.updater.BatchUpdate(r.Context(), req.Updates)
	if err != nil {
		if errors.Is(err, models.ErrEmptyBatch) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if breaker.IsOpen(err) {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
			return
		}
		slog.Error("Server.batchStatusUpdateHandler: batch failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to apply batch update"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// statusHandler handles GET /messaging/status/{date}: the display shape keyed
// by appointment id consumed by the schedule view.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	date, ok := dateFromPath(w, r, "/messaging/status/")
	if !ok {
		return
	}

	_, details, err := s.updater.SummaryForDate(r.Context(), date)
	if err != nil {
		s.writeRepoError(w, "statusHandler", err)
		return
	}

	display := make(map[string]interface{}, len(details))
	for _, d := range details {
		display[strconv.FormatInt(d.AppointmentID, 10)] = map[string]interface{}{
			"status":    d.Status,
			"ack":       int(d.Ack),
			"messageId": d.ExternalMessageID,
			"error":     d.ErrorNote,
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(display))
}

// countHandler handles GET /messaging/count/{date}: the bucketed counts.
func (s *Server) countHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	date, ok := dateFromPath(w, r, "/messaging/count/")
	if !ok {
		return
	}

	summary, _, err := s.updater.SummaryForDate(r.Context(), date)
	if err != nil {
		s.writeRepoError(w, "countHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

// detailsHandler handles GET /messaging/details/{date}: the merged
// per-recipient rows.
func (s *Server) detailsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	date, ok := dateFromPath(w, r, "/messaging/details/")
	if !ok {
		return
	}

	summary, details, err := s.updater.SummaryForDate(r.Context(), date)
	if err != nil {
		s.writeRepoError(w, "detailsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"date":       date,
		"summary":    summary,
		"recipients": details,
	}))
}

// resetDateHandler handles POST /messaging/reset/{date}.
func (s *Server) resetDateHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	date, ok := dateFromPath(w, r, "/messaging/reset/")
	if !ok {
		return
	}

	removed, err := s.updater.ResetDate(r.Context(), date)
	if err != nil {
		s.writeRepoError(w, "resetDateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Statuses reset", map[string]interface{}{
		"date":    date,
		"removed": removed,
	}))
}

// syncQueueStatusHandler handles GET /sync/queue-status.
func (s *Server) syncQueueStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.syncQueue == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Sync queue not configured"))
		return
	}

	status, err := s.syncQueue.SyncQueueStatus()
	if err != nil {
		slog.Error("Server.syncQueueStatusHandler: failed to read queue status", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch sync queue status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// twilioStatusCallbackHandler handles POST /twilio/status-callback, the
// carrier webhook for the SMS fallback channel. Twilio retries non-2xx
// responses, so resolution misses are acknowledged and logged rather than
// errored.
func (s *Server) twilioStatusCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}

	update, err := messaging.ParseStatusCallback(r.PostForm)
	if err != nil {
		slog.Warn("Server.twilioStatusCallbackHandler: malformed callback", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	switch {
	case update.AppointmentID > 0:
		// Callback URL carried the appointment, record directly.
		if err := s.updater.RecordUpdate(r.Context(), update); err != nil {
			slog.Error("Server.twilioStatusCallbackHandler: record failed", "error", err, "sid", update.ExternalMessageID)
		}
	case s.twilioSvc != nil && s.twilioSvc.HandleStatusCallback(update):
		// Resolved through the send table; the status pump records it.
	default:
		slog.Debug("Server.twilioStatusCallbackHandler: unresolvable callback dropped", "sid", update.ExternalMessageID)
	}

	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// healthHandler provides a health check endpoint for monitoring.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"breaker":   s.brk.Status().State,
	}

	if s.syncQueue != nil {
		if status, err := s.syncQueue.SyncQueueStatus(); err != nil {
			slog.Warn("Server.healthHandler: failed to read sync queue", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "Failed to fetch sync queue status"
		} else {
			healthData["sync_queue"] = status
		}
	}
	if s.hub != nil {
		healthData["ws_clients"] = s.hub.ClientCount()
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" || s.brk.Status().State == breaker.StateOpen {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// writeRepoError maps repository failures onto API status codes: breaker-open
// answers 503 so callers back off, everything else is a 500.
func (s *Server) writeRepoError(w http.ResponseWriter, handler string, err error) {
	if breaker.IsOpen(err) {
		slog.Warn("Server."+handler+": database breaker open", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(err.Error()))
		return
	}
	slog.Error("Server."+handler+": repository error", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
}
