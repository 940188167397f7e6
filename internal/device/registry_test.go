package device

import (
	"testing"

	"nvr-bridge/internal/nvr"
)

func TestSyncFromConfig_registers_cameras_and_overview(t *testing.T) {
	reg := NewInMemoryRegistry()
	cfg := &nvr.Config{
		Cameras: map[string]nvr.CameraConfig{
			"front_door": {},
			"yard":       {},
		},
		Overview: nvr.OverviewConfig{Enabled: true, Restream: true},
	}

	SyncFromConfig(reg, cfg, "http://nvr:5000/")

	if len(reg.List()) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(reg.List()))
	}

	d, ok := reg.Find("camera:front_door")
	if !ok {
		t.Fatal("front_door device missing")
	}
	if d.MediaURL != "http://nvr:5000/vod/front_door" {
		t.Errorf("media url: %q", d.MediaURL)
	}

	ov, ok := reg.Find("camera:birdseye")
	if !ok || !ov.Overview {
		t.Errorf("overview device: %+v ok=%v", ov, ok)
	}
}

func TestSyncFromConfig_overview_needs_restream(t *testing.T) {
	reg := NewInMemoryRegistry()
	cfg := &nvr.Config{
		Cameras:  map[string]nvr.CameraConfig{"yard": {}},
		Overview: nvr.OverviewConfig{Enabled: true, Restream: false},
	}

	SyncFromConfig(reg, cfg, "http://nvr:5000")

	if _, ok := reg.Find("camera:birdseye"); ok {
		t.Error("overview without restream should not be registered")
	}
}

func TestSyncFromConfig_resync_is_idempotent(t *testing.T) {
	reg := NewInMemoryRegistry()
	cfg := &nvr.Config{Cameras: map[string]nvr.CameraConfig{"yard": {}}}

	SyncFromConfig(reg, cfg, "http://nvr:5000")
	SyncFromConfig(reg, cfg, "http://nvr:5000")

	if len(reg.List()) != 1 {
		t.Errorf("expected 1 device after resync, got %d", len(reg.List()))
	}
}

func TestFindByCamera(t *testing.T) {
	reg := NewInMemoryRegistry()
	reg.Register(Device{ID: "camera:yard", CameraName: "yard"})

	if _, ok := reg.FindByCamera("yard"); !ok {
		t.Error("expected to find yard by camera name")
	}
	if _, ok := reg.FindByCamera("missing"); ok {
		t.Error("unexpected match for missing camera")
	}
}
