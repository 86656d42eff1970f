package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/vizreview/internal/config"
	"github.com/shehryarbajwa/vizreview/internal/pipeline"
	"github.com/shehryarbajwa/vizreview/internal/review"
	"github.com/shehryarbajwa/vizreview/internal/security"
	"github.com/shehryarbajwa/vizreview/internal/session"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// maxBodySize bounds every JSON request body
const maxBodySize = 1 << 20

// Handler holds dependencies for HTTP handlers
type Handler struct {
	svc    *review.Service
	logger logrus.FieldLogger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc *review.Service, logger logrus.FieldLogger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger.WithField("component", "api"),
	}
}

// StartReview handles POST /v1/reviews. The review runs for the lifetime of
// the request; a client that hangs up interrupts it.
func (h *Handler) StartReview(w http.ResponseWriter, r *http.Request) {
	var req models.ReviewRequest
	if !decode(w, r, &req) {
		return
	}

	report, err := h.svc.StartReview(r.Context(), req, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListReports handles GET /v1/reports
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.svc.Reports()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// GetReport handles GET /v1/reports/{id}
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Report(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetArchive handles GET /v1/reports/{id}/archive
func (h *Handler) GetArchive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.svc.Report(id); err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tar.gz"`, id))
	if err := h.svc.Archive(w, id); err != nil {
		// headers are gone; all that is left is to cut the stream short
		h.logger.WithError(err).WithField("report", id).Error("❌ Archive failed")
	}
}

// GetScreenshot handles GET /v1/reports/{id}/screenshots/{name}
func (h *Handler) GetScreenshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := h.svc.Screenshot(vars["id"], vars["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(data)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListSessions())
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.svc.StopSession(mux.Vars(r)["id"]) {
		h.writeError(w, session.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnablePolling handles PUT /v1/sessions/{id}/polling
func (h *Handler) EnablePolling(w http.ResponseWriter, r *http.Request) {
	var req models.PollingRequest
	if !decode(w, r, &req) {
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.svc.EnablePolling(id, time.Duration(req.IntervalSeconds)*time.Second); err != nil {
		h.writeError(w, err)
		return
	}
	for _, info := range h.svc.ListSessions() {
		if info.ID == id {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	h.writeError(w, session.ErrNotFound)
}

// DisablePolling handles DELETE /v1/sessions/{id}/polling
func (h *Handler) DisablePolling(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DisablePolling(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunPollCycle handles POST /v1/sessions/{id}/poll
func (h *Handler) RunPollCycle(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.RunPollCycle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Discover handles POST /v1/discover
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	var req models.DiscoverRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.svc.Discover(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(h.svc.ListSessions()),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRun),
		errors.Is(err, security.ErrPrivateTarget),
		errors.Is(err, config.ErrPollIntervalTooShort):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("❌ Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
