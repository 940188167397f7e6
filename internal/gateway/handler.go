// Package gateway is the HTTP entry point for clip, segment, and thumbnail
// delivery. Requests are dispatched by a {deviceId, eventId, webhook kind}
// triple; segment fetches take a low-latency path that never touches event
// metadata, while clip fetches go through the manifest resolution cache.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nvr-bridge/internal/device"
	"nvr-bridge/internal/nvr"
	"nvr-bridge/internal/platform/metrics"
	"nvr-bridge/internal/resolve"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	// WebhookVideoclip serves a recorded event's clip or its segments.
	WebhookVideoclip = "videoclip"
	// WebhookThumbnail serves the camera's latest snapshot.
	WebhookThumbnail = "thumbnail"

	// hlsSegmentFlag marks a request as an HLS segment fetch.
	hlsSegmentFlag = "seg"
)

// EventSource provides recorded-event metadata and snapshots. Satisfied by
// *nvr.Client.
type EventSource interface {
	Event(ctx context.Context, id string) (*nvr.Event, error)
	EventManifestURL(ev *nvr.Event) string
	Snapshot(ctx context.Context, camera string) ([]byte, error)
}

// Handler exposes the streaming gateway endpoints.
type Handler struct {
	events  EventSource
	devices device.Registry
	cache   *resolve.Cache
	log     *slog.Logger
	metrics *metrics.Metrics
	stream  *http.Client
}

// NewHandler returns a Handler. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(events EventSource, devices device.Registry, cache *resolve.Cache, log *slog.Logger, m *metrics.Metrics) *Handler {
	transport := &http.Transport{
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &Handler{
		events:  events,
		devices: devices,
		cache:   cache,
		log:     log,
		metrics: m,
		stream: &http.Client{
			Transport: transport,
			// No overall timeout: clip bodies stream for as long as the
			// client plays. The transport bounds header latency.
			CheckRedirect: checkRedirectOrigin,
		},
	}
}

// Routes mounts the gateway endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/endpoint/{webhook}", h.Webhook)
}

// Webhook handles GET /endpoint/{webhook}?deviceId=...&eventId=...[&hls=seg].
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	eventID := r.URL.Query().Get("eventId")

	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("webhook panic",
				slog.String("device_id", deviceID),
				slog.String("event_id", eventID),
				slog.Any("panic", rec))
			h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", rec), deviceID, eventID)
		}
	}()

	if deviceID == "" || eventID == "" {
		h.writeError(w, http.StatusBadRequest, "deviceId and eventId are required", deviceID, eventID)
		return
	}

	dev, ok := h.devices.Find(deviceID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown device", deviceID, eventID)
		return
	}

	switch chi.URLParam(r, "webhook") {
	case WebhookThumbnail:
		h.thumbnail(w, r, dev, eventID)
	case WebhookVideoclip:
		if r.URL.Query().Get("hls") == hlsSegmentFlag {
			h.segment(w, r, dev)
			return
		}
		h.clip(w, r, dev, eventID)
	default:
		h.writeError(w, http.StatusNotFound, "unknown webhook kind", deviceID, eventID)
	}
}

// thumbnail fetches the device's latest snapshot and returns it verbatim.
func (h *Handler) thumbnail(w http.ResponseWriter, r *http.Request, dev device.Device, eventID string) {
	data, err := h.events.Snapshot(r.Context(), dev.CameraName)
	if err != nil {
		h.log.Error("thumbnail fetch failed",
			slog.String("camera", dev.CameraName),
			slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, "thumbnail fetch failed", dev.ID, eventID)
		return
	}
	if h.metrics != nil {
		h.metrics.IncThumbnails()
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Debug("thumbnail write aborted", slog.String("error", err.Error()))
	}
}

// segment proxies an HLS segment fetch against the device's precomputed
// media URL. This path deliberately performs no event-metadata call: a
// playback session issues many segment requests in quick succession and
// each must stay cheap.
func (h *Handler) segment(w http.ResponseWriter, r *http.Request, dev device.Device) {
	target := dev.MediaURL
	if p := r.URL.Query().Get("path"); p != "" {
		target = strings.TrimRight(dev.MediaURL, "/") + "/" + strings.TrimLeft(p, "/")
	}
	h.proxy(w, r, target, []string{originOf(dev.MediaURL)}, dev.ID)
}

// clip resolves the event's manifest URL through the cache (one upstream
// metadata fetch per key and TTL), then streams the clip.
func (h *Handler) clip(w http.ResponseWriter, r *http.Request, dev device.Device, eventID string) {
	key := dev.ID + ":" + eventID

	manifestURL, err := h.cache.Resolve(r.Context(), key, func(ctx context.Context) (string, error) {
		if h.metrics != nil {
			h.metrics.IncResolutions()
		}
		ev, err := h.events.Event(ctx, eventID)
		if err != nil {
			return "", err
		}
		return h.events.EventManifestURL(ev), nil
	})
	if err != nil {
		if errors.Is(err, nvr.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "unknown event", dev.ID, eventID)
			return
		}
		h.log.Error("manifest resolution failed",
			slog.String("device_id", dev.ID),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, "manifest resolution failed", dev.ID, eventID)
		return
	}

	origins := []string{originOf(dev.MediaURL), originOf(manifestURL)}
	h.proxy(w, r, manifestURL, origins, dev.ID)
}

type originsKey struct{}

// checkRedirectOrigin keeps redirect targets inside the allowed origin set
// so the gateway cannot be used as an open relay.
func checkRedirectOrigin(req *http.Request, via []*http.Request) error {
	origins, _ := req.Context().Value(originsKey{}).([]string)
	if originAllowed(req.URL, origins) {
		return nil
	}
	return fmt.Errorf("redirect to %s outside allowed origins", req.URL.Redacted())
}

// proxy forwards the request to target, passing byte-range semantics
// through both ways. Failures after the response has started are logged
// and terminate the request without a second status write.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, target string, origins []string, deviceID string) {
	u, err := url.Parse(target)
	if err != nil || !originAllowed(u, origins) {
		h.writeError(w, http.StatusBadGateway, "proxy target outside allowed origins", deviceID, "")
		return
	}

	ctx := context.WithValue(r.Context(), originsKey{}, origins)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "bad proxy target", deviceID, "")
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := h.stream.Do(req)
	if err != nil {
		h.log.Error("upstream fetch failed",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, "upstream fetch failed", deviceID, "")
		return
	}
	defer resp.Body.Close()

	for _, k := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Cache-Control"} {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if h.metrics != nil {
		h.metrics.IncProxyRequests()
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Client disconnects land here; nothing more can be written.
		h.log.Debug("proxy stream ended early",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()))
	}
}

func originAllowed(u *url.URL, origins []string) bool {
	if u == nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	got := u.Scheme + "://" + u.Host
	for _, o := range origins {
		if o != "" && got == o {
			return true
		}
	}
	return false
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

type errorBody struct {
	Error     string `json:"error"`
	DeviceID  string `json:"deviceId,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	RequestID string `json:"requestId"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg, deviceID, eventID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     msg,
		DeviceID:  deviceID,
		EventID:   eventID,
		RequestID: uuid.NewString(),
	})
}
