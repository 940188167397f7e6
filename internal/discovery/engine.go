// Package discovery reconciles a camera's configured inputs with the relay
// registry and annotates each resulting stream with probed codec metadata.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"nvr-bridge/internal/batch"
	"nvr-bridge/internal/nvr"
	"nvr-bridge/internal/platform/metrics"
	"nvr-bridge/internal/probe"
)

// OverviewCamera is the synthetic aggregate camera exposed by the backend.
// It has no configured inputs and is never probed.
const OverviewCamera = "birdseye"

// DefaultConcurrency caps in-flight probes per discovery run.
const DefaultConcurrency = 4

// ErrUnknownCamera is returned when the backend config has no entry for
// the requested camera.
var ErrUnknownCamera = errors.New("camera not in backend config")

// ConfigSource fetches the backend's current camera configuration.
type ConfigSource interface {
	Config(ctx context.Context) (*nvr.Config, error)
}

// ProbeSource asks the backend to probe a stream URL.
type ProbeSource interface {
	Probe(ctx context.Context, streamURL string) (any, error)
}

// Engine runs stream discovery for cameras.
type Engine struct {
	cfg          ConfigSource
	probes       ProbeSource
	norm         *probe.Normalizer
	store        Store
	baseRelayURL string
	concurrency  int
	log          *slog.Logger
	metrics      *metrics.Metrics

	now func() time.Time
}

// NewEngine returns an Engine. baseRelayURL is the relay service root each
// relayed stream is rewritten under. A concurrency below 1 falls back to
// DefaultConcurrency. Metrics may be nil to disable metric recording.
func NewEngine(cfg ConfigSource, probes ProbeSource, norm *probe.Normalizer, store Store, baseRelayURL string, concurrency int, log *slog.Logger, m *metrics.Metrics) *Engine {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Engine{
		cfg:          cfg,
		probes:       probes,
		norm:         norm,
		store:        store,
		baseRelayURL: strings.TrimRight(baseRelayURL, "/"),
		concurrency:  concurrency,
		log:          log,
		metrics:      m,
		now:          time.Now,
	}
}

// Refresh returns the camera's descriptors, running discovery when needed.
// Without force, stored descriptors are returned as-is and discovery only
// runs for a camera that has none. A forced run always re-fetches the
// upstream configuration.
func (e *Engine) Refresh(ctx context.Context, camera string, force bool) ([]StreamDescriptor, error) {
	if !force {
		if descs, ok := e.store.Descriptors(camera); ok {
			return descs, nil
		}
	}

	cfg, err := e.cfg.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", camera, err)
	}

	if camera == OverviewCamera {
		return e.discoverOverview(camera), nil
	}

	cam, ok := cfg.Cameras[camera]
	if !ok {
		return nil, fmt.Errorf("discover %s: %w", camera, ErrUnknownCamera)
	}
	return e.Discover(ctx, camera, cam, cfg.RelayStreamNames()), nil
}

// Discover enumerates the camera's inputs in declared order, classifies
// each against the relay registry, probes the lot, and persists the result
// wholesale.
func (e *Engine) Discover(ctx context.Context, camera string, cam nvr.CameraConfig, registry []string) []StreamDescriptor {
	descs := make([]StreamDescriptor, 0, len(cam.FFmpeg.Inputs))

	for i, input := range cam.FFmpeg.Inputs {
		d := StreamDescriptor{
			CameraName: camera,
			StreamID:   fmt.Sprintf("stream_%d", i+1),
			StreamName: fmt.Sprintf("Stream %d", i+1),
			Source:     SourceDirect,
			URL:        input.Path,
			Roles:      input.Roles,
		}
		if name, ok := matchRelay(input.Path, registry); ok {
			d.Source = SourceRelayed
			d.StreamName = name
			d.URL = e.baseRelayURL + "/" + name
		}
		// Persist the derived URL under its stream key so later UI edits
		// can override it independently of a re-discovery run.
		e.store.SetStreamURL(camera, d.StreamID, d.URL)
		descs = append(descs, d)
	}

	results := batch.MapLimit(ctx, descs, e.concurrency, func(ctx context.Context, d StreamDescriptor) (StreamDescriptor, error) {
		d.ProbedAt = e.now()
		raw, err := e.probes.Probe(ctx, d.URL)
		if err != nil {
			d.ProbeError = err.Error()
			return d, nil
		}
		res, err := e.norm.Normalize(ctx, raw, d.URL)
		if err != nil {
			d.ProbeError = err.Error()
			return d, nil
		}
		d.Probe = &res
		return d, nil
	})

	for i, r := range results {
		descs[i] = r.Value
		if descs[i].ProbeError != "" {
			if e.metrics != nil {
				e.metrics.IncProbeFailures()
			}
			e.log.Warn("stream probe failed",
				slog.String("camera", camera),
				slog.String("stream_id", descs[i].StreamID),
				slog.String("error", descs[i].ProbeError))
		}
	}

	e.store.SetDescriptors(camera, descs)
	e.log.Info("discovery complete",
		slog.String("camera", camera),
		slog.Int("streams", len(descs)))
	return descs
}

// discoverOverview handles the synthetic aggregate camera: exactly one
// relay-derived stream, no configured inputs, no probing.
func (e *Engine) discoverOverview(camera string) []StreamDescriptor {
	d := StreamDescriptor{
		CameraName: camera,
		StreamName: camera,
		StreamID:   "stream_1",
		Source:     SourceRelayed,
		URL:        e.baseRelayURL + "/" + camera,
	}
	e.store.SetStreamURL(camera, d.StreamID, d.URL)
	descs := []StreamDescriptor{d}
	e.store.SetDescriptors(camera, descs)
	return descs
}

// matchRelay reports the first registry name that appears in the input
// path, either as a bare path segment or as a segment with a ":port"
// suffix.
func matchRelay(inputPath string, registry []string) (string, bool) {
	if len(registry) == 0 {
		return "", false
	}

	names := make(map[string]struct{}, len(registry))
	for _, n := range registry {
		names[n] = struct{}{}
	}

	for _, seg := range pathSegments(inputPath) {
		if _, ok := names[seg]; ok {
			return seg, true
		}
		if head, _, found := strings.Cut(seg, ":"); found {
			if _, ok := names[head]; ok {
				return head, true
			}
		}
	}
	return "", false
}

func pathSegments(inputPath string) []string {
	p := inputPath
	if u, err := url.Parse(inputPath); err == nil && u.Path != "" {
		p = u.Path
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
