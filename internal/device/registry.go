// Package device is the thin glue between backend cameras and the host
// platform's device registry. Each physical camera (plus the synthetic
// overview camera) maps to one platform-native device; the gateway resolves
// inbound deviceId parameters through this registry.
package device

import (
	"sort"
	"strings"
	"sync"

	"nvr-bridge/internal/discovery"
	"nvr-bridge/internal/nvr"
)

// Device is one mixin-wrapped camera device.
type Device struct {
	ID         string `json:"id"`
	CameraName string `json:"cameraName"`
	// MediaURL is the precomputed base the gateway proxies segment
	// requests against.
	MediaURL string `json:"mediaUrl"`
	Overview bool   `json:"overview,omitempty"`
}

// Registry holds the bridge's registered devices.
type Registry interface {
	Find(id string) (Device, bool)
	FindByCamera(camera string) (Device, bool)
	Register(d Device)
	List() []Device
}

// InMemoryRegistry is a concurrency-safe in-memory Registry.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewInMemoryRegistry returns a new empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{devices: make(map[string]Device)}
}

// Find implements Registry.Find.
func (r *InMemoryRegistry) Find(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// FindByCamera implements Registry.FindByCamera.
func (r *InMemoryRegistry) FindByCamera(camera string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.CameraName == camera {
			return d, true
		}
	}
	return Device{}, false
}

// Register implements Registry.Register.
func (r *InMemoryRegistry) Register(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// List implements Registry.List, ordered by device ID.
func (r *InMemoryRegistry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SyncFromConfig registers one device per configured camera, plus the
// overview device when its restream is enabled. Device IDs are stable
// (derived from the camera name) so re-syncing is idempotent.
func SyncFromConfig(r Registry, cfg *nvr.Config, mediaBaseURL string) {
	base := strings.TrimRight(mediaBaseURL, "/")
	for name := range cfg.Cameras {
		r.Register(Device{
			ID:         "camera:" + name,
			CameraName: name,
			MediaURL:   base + "/vod/" + name,
		})
	}
	if cfg.Overview.Enabled && cfg.Overview.Restream {
		r.Register(Device{
			ID:         "camera:" + discovery.OverviewCamera,
			CameraName: discovery.OverviewCamera,
			MediaURL:   base + "/vod/" + discovery.OverviewCamera,
			Overview:   true,
		})
	}
}
