package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"nvr-bridge/internal/device"
	"nvr-bridge/internal/discovery"
	"nvr-bridge/internal/nvr"
	"nvr-bridge/internal/probe"

	"github.com/go-chi/chi/v5"
)

type fakeBackend struct {
	cfg        *nvr.Config
	cfgErr     error
	cfgCalls   int64
	probeCalls int64
}

func (f *fakeBackend) Config(ctx context.Context) (*nvr.Config, error) {
	atomic.AddInt64(&f.cfgCalls, 1)
	return f.cfg, f.cfgErr
}

func (f *fakeBackend) Probe(ctx context.Context, streamURL string) (any, error) {
	atomic.AddInt64(&f.probeCalls, 1)
	return map[string]any{"streams": []any{}}, nil
}

func newTestAPI(backend *fakeBackend, store discovery.Store, devices device.Registry) *chi.Mux {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	norm := probe.NewNormalizerWithFallback(func(ctx context.Context, url string) (any, error) {
		return nil, errors.New("no local fallback in tests")
	})
	engine := discovery.NewEngine(backend, backend, norm, store, "rtsp://relay:8554", 2, log, nil)
	h := NewHandler(engine, devices, backend, "http://nvr:5000", log)

	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestStreams_runs_discovery_when_empty(t *testing.T) {
	backend := &fakeBackend{cfg: &nvr.Config{Cameras: map[string]nvr.CameraConfig{
		"yard": {FFmpeg: nvr.FFmpegConfig{Inputs: []nvr.InputConfig{{Path: "rtsp://yard/main"}}}},
	}}}
	r := newTestAPI(backend, discovery.NewInMemoryStore(), device.NewInMemoryRegistry())

	req := httptest.NewRequest(http.MethodGet, "/api/cameras/yard/streams", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var descs []discovery.StreamDescriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &descs); err != nil {
		t.Fatal(err)
	}
	if len(descs) != 1 || descs[0].StreamID != "stream_1" {
		t.Errorf("descriptors: %+v", descs)
	}
}

func TestStreams_uses_store_when_present(t *testing.T) {
	backend := &fakeBackend{}
	store := discovery.NewInMemoryStore()
	store.SetDescriptors("yard", []discovery.StreamDescriptor{{CameraName: "yard", StreamID: "stream_1"}})
	r := newTestAPI(backend, store, device.NewInMemoryRegistry())

	req := httptest.NewRequest(http.MethodGet, "/api/cameras/yard/streams", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if atomic.LoadInt64(&backend.cfgCalls) != 0 {
		t.Error("stored descriptors should not trigger a config fetch")
	}
}

func TestDiscover_forced_unknown_camera(t *testing.T) {
	backend := &fakeBackend{cfg: &nvr.Config{Cameras: map[string]nvr.CameraConfig{}}}
	r := newTestAPI(backend, discovery.NewInMemoryStore(), device.NewInMemoryRegistry())

	req := httptest.NewRequest(http.MethodPost, "/api/cameras/ghost/discover", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSync_registers_devices(t *testing.T) {
	backend := &fakeBackend{cfg: &nvr.Config{Cameras: map[string]nvr.CameraConfig{"yard": {}}}}
	devices := device.NewInMemoryRegistry()
	r := newTestAPI(backend, discovery.NewInMemoryStore(), devices)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, ok := devices.Find("camera:yard"); !ok {
		t.Error("yard device not registered after sync")
	}
}

func TestSync_backend_unreachable(t *testing.T) {
	backend := &fakeBackend{cfgErr: errors.New("connection refused")}
	r := newTestAPI(backend, discovery.NewInMemoryStore(), device.NewInMemoryRegistry())

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}
