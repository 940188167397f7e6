// Package api exposes the operator-facing endpoints: device listing,
// device re-sync from the backend config, and stream discovery (including
// the forced re-run).
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"nvr-bridge/internal/device"
	"nvr-bridge/internal/discovery"

	"github.com/go-chi/chi/v5"
)

// Handler serves the bridge's management API.
type Handler struct {
	engine       *discovery.Engine
	devices      device.Registry
	cfg          discovery.ConfigSource
	mediaBaseURL string
	log          *slog.Logger
}

// NewHandler returns a Handler.
func NewHandler(engine *discovery.Engine, devices device.Registry, cfg discovery.ConfigSource, mediaBaseURL string, log *slog.Logger) *Handler {
	return &Handler{
		engine:       engine,
		devices:      devices,
		cfg:          cfg,
		mediaBaseURL: mediaBaseURL,
		log:          log,
	}
}

// Routes mounts the management endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", h.Devices)
		r.Post("/sync", h.Sync)
		r.Route("/cameras/{camera}", func(r chi.Router) {
			r.Get("/streams", h.Streams)
			r.Post("/discover", h.Discover)
		})
	})
}

// Devices handles GET /api/devices.
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.devices.List())
}

// Sync handles POST /api/sync: re-reads the backend config and registers
// any new cameras as devices.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.cfg.Config(r.Context())
	if err != nil {
		h.log.Error("device sync failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "backend config fetch failed"})
		return
	}
	device.SyncFromConfig(h.devices, cfg, h.mediaBaseURL)
	writeJSON(w, http.StatusOK, h.devices.List())
}

// Streams handles GET /api/cameras/{camera}/streams: returns stored
// descriptors, discovering first only when the camera has none.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	h.refresh(w, r, false)
}

// Discover handles POST /api/cameras/{camera}/discover: a forced run that
// re-fetches the backend configuration and replaces stored descriptors.
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	h.refresh(w, r, true)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, force bool) {
	camera := chi.URLParam(r, "camera")
	if camera == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "camera is required"})
		return
	}

	descs, err := h.engine.Refresh(r.Context(), camera, force)
	if err != nil {
		if errors.Is(err, discovery.ErrUnknownCamera) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.log.Error("discovery failed",
			slog.String("camera", camera),
			slog.Bool("forced", force),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, descs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
