// Package nvr is the REST client for the detection/recording backend. All
// JSON/YAML resources the bridge consumes live under one base URL; media
// bytes (clips, segments) are served from a separately reachable origin and
// are not fetched through this client.
package nvr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when the backend answers 404 for a resource.
var ErrNotFound = errors.New("not found")

const requestTimeout = 30 * time.Second

// Event is the recorded-event metadata the backend exposes under /events.
// Timestamps are epoch seconds; EndTime is nil while the event is still in
// progress.
type Event struct {
	ID        string   `json:"id"`
	Camera    string   `json:"camera"`
	Label     string   `json:"label"`
	StartTime float64  `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
	HasClip   bool     `json:"has_clip"`
}

// InputConfig is one configured camera input.
type InputConfig struct {
	Path  string   `json:"path" yaml:"path"`
	Roles []string `json:"roles" yaml:"roles"`
}

// FFmpegConfig holds a camera's input list in declared order.
type FFmpegConfig struct {
	Inputs []InputConfig `json:"inputs" yaml:"inputs"`
}

// CameraConfig is the per-camera slice of the backend configuration.
type CameraConfig struct {
	Enabled bool         `json:"enabled" yaml:"enabled"`
	FFmpeg  FFmpegConfig `json:"ffmpeg" yaml:"ffmpeg"`
}

// RelayConfig describes the relay/restreaming service's named streams.
// Stream values vary by backend version (string or list of sources), so
// they are kept opaque.
type RelayConfig struct {
	Streams map[string]any `json:"streams" yaml:"streams"`
}

// OverviewConfig describes the synthetic aggregate camera.
type OverviewConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	Restream bool `json:"restream" yaml:"restream"`
}

// Config is the backend configuration the bridge cares about.
type Config struct {
	Cameras  map[string]CameraConfig `json:"cameras" yaml:"cameras"`
	Relay    RelayConfig             `json:"go2rtc" yaml:"go2rtc"`
	Overview OverviewConfig          `json:"birdseye" yaml:"birdseye"`
}

// RelayStreamNames returns the relay registry as a sorted name list.
func (c *Config) RelayStreamNames() []string {
	names := make([]string, 0, len(c.Relay.Streams))
	for name := range c.Relay.Streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client talks to the backend NVR. The underlying transport pools
// keep-alive connections so repeated metadata calls do not pay connection
// setup.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     *slog.Logger
}

// NewClient returns a Client for the backend at baseURL (e.g.
// "http://nvr:5000/api").
func NewClient(baseURL string, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("nvr base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("nvr base url %q: missing scheme or host", baseURL)
	}

	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: u,
		http:    &http.Client{Transport: transport, Timeout: requestTimeout},
		log:     log,
	}, nil
}

// Origin returns the scheme://host part of the base URL. Recorded-event
// manifests are served from this origin, outside the API path prefix.
func (c *Client) Origin() string {
	return c.baseURL.Scheme + "://" + c.baseURL.Host
}

// Event fetches metadata for one recorded event.
func (c *Client) Event(ctx context.Context, id string) (*Event, error) {
	var ev Event
	if err := c.getJSON(ctx, "/events/"+url.PathEscape(id), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Config fetches the backend's effective configuration.
func (c *Client) Config(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.getJSON(ctx, "/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RawConfig fetches the operator-authored configuration from /config/raw,
// which the backend serves as YAML.
func (c *Client) RawConfig(ctx context.Context) (*Config, error) {
	body, err := c.get(ctx, "/config/raw")
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("config/raw: %w", err)
	}
	return &cfg, nil
}

// Probe asks the backend to probe streamURL. The response envelope varies
// across backend versions, so it is returned decoded but unshaped.
func (c *Client) Probe(ctx context.Context, streamURL string) (any, error) {
	body, err := c.get(ctx, "/ffprobe?paths="+url.QueryEscape(streamURL))
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("ffprobe response: %w", err)
	}
	return raw, nil
}

// Snapshot fetches the camera's latest still frame.
func (c *Client) Snapshot(ctx context.Context, camera string) ([]byte, error) {
	return c.get(ctx, "/"+url.PathEscape(camera)+"/latest.jpg")
}

// VodManifestURL derives the playlist URL for a recorded time range.
func (c *Client) VodManifestURL(camera string, start, end int64) string {
	return fmt.Sprintf("%s/vod/%s/start/%d/end/%d/index.m3u8",
		c.Origin(), url.PathEscape(camera), start, end)
}

// EventManifestURL derives the playlist URL for a recorded event. An event
// without an end timestamp is still being recorded; the range is closed at
// the current time.
func (c *Client) EventManifestURL(ev *Event) string {
	start := int64(ev.StartTime)
	end := time.Now().Unix()
	if ev.EndTime != nil {
		end = int64(*ev.EndTime)
	}
	return c.VodManifestURL(ev.Camera, start, end)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	target := strings.TrimRight(c.baseURL.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debug("backend request failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", path, err)
	}
	return body, nil
}
