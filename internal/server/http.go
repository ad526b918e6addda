package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/attendance-tracker/internal/capture"
	"github.com/ChuLiYu/attendance-tracker/internal/export"
	"github.com/ChuLiYu/attendance-tracker/internal/metrics"
	"github.com/ChuLiYu/attendance-tracker/internal/prefs"
	"github.com/ChuLiYu/attendance-tracker/internal/roster"
	"github.com/ChuLiYu/attendance-tracker/internal/tracker"
)

// NewRouter creates the chi router for the control API.
//
//	GET  /health
//	GET  /metrics
//	GET  /api/status
//	POST /api/tracking/start
//	POST /api/tracking/stop
//	POST /api/capture
//	POST /api/probe
//	GET  /api/preferences
//	PUT  /api/preferences
func NewRouter(svc *Service, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	h := &handler{svc: svc}

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Route("/tracking", func(r chi.Router) {
			r.Post("/start", h.StartTracking)
			r.Post("/stop", h.StopTracking)
		})
		r.Post("/capture", h.Capture)
		r.Post("/probe", h.Probe)
		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.PutPreferences)
	})

	return r
}

type handler struct {
	svc *Service
}

// Health handles GET /health
func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/status
func (h *handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// StartTracking handles POST /api/tracking/start
func (h *handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.StartTracking(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Started {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// StopTracking handles POST /api/tracking/stop
func (h *handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	// the export must finish even if the caller goes away
	resp, err := h.svc.StopTracking(context.WithoutCancel(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Capture handles POST /api/capture
func (h *handler) Capture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.svc.Capture(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Probe handles POST /api/probe
func (h *handler) Probe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	status, err := h.svc.Probe(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetPreferences handles GET /api/preferences
func (h *handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Preferences()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutPreferences handles PUT /api/preferences
func (h *handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p, err := h.svc.UpdatePreferences(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ============================================================================
// Helpers
// ============================================================================

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracker.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, prefs.ErrCorrupted), errors.Is(err, prefs.ErrIncompatibleVersion):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, roster.ErrPanelUnavailable), errors.Is(err, capture.ErrNoParticipantsFound):
		writeError(w, http.StatusUnprocessableEntity, capture.UserMessage(err))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, capture.UserMessage(err))
	case errors.Is(err, export.ErrDeliveryFailure):
		writeError(w, http.StatusBadGateway, capture.UserMessage(err))
	default:
		writeError(w, http.StatusInternalServerError, capture.UserMessage(err))
	}
}
