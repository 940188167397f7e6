package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the NVR bridge.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	proxyRequestsTotal  prometheus.Counter
	resolutionsTotal    prometheus.Counter
	thumbnailsTotal     prometheus.Counter
	probeFailuresTotal  prometheus.Counter
	errorsTotal         prometheus.Counter
	resolutionCacheSize prometheus.Gauge
	discoveredStreams   prometheus.Gauge
}

// New creates and registers Prometheus metrics for the bridge.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_requests_total",
		Help: "Total number of HTTP requests received",
	})
	proxyRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_proxy_requests_total",
		Help: "Total number of clip/segment requests proxied upstream",
	})
	resolutionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_manifest_resolutions_total",
		Help: "Total number of upstream manifest resolutions (cache misses)",
	})
	thumbnailsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_thumbnails_total",
		Help: "Total number of thumbnail fetches served",
	})
	probeFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_probe_failures_total",
		Help: "Total number of stream probes that failed",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	resolutionCacheSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_resolution_cache_size",
		Help: "Number of keys held by the manifest resolution cache",
	})
	discoveredStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_discovered_streams",
		Help: "Number of stream descriptors held across all cameras",
	})

	registry.MustRegister(
		requestsTotal,
		proxyRequestsTotal,
		resolutionsTotal,
		thumbnailsTotal,
		probeFailuresTotal,
		errorsTotal,
		resolutionCacheSize,
		discoveredStreams,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		proxyRequestsTotal:  proxyRequestsTotal,
		resolutionsTotal:    resolutionsTotal,
		thumbnailsTotal:     thumbnailsTotal,
		probeFailuresTotal:  probeFailuresTotal,
		errorsTotal:         errorsTotal,
		resolutionCacheSize: resolutionCacheSize,
		discoveredStreams:   discoveredStreams,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncProxyRequests increments the proxied request counter.
func (m *Metrics) IncProxyRequests() {
	m.proxyRequestsTotal.Inc()
}

// IncResolutions increments the manifest resolution counter.
func (m *Metrics) IncResolutions() {
	m.resolutionsTotal.Inc()
}

// IncThumbnails increments the thumbnail counter.
func (m *Metrics) IncThumbnails() {
	m.thumbnailsTotal.Inc()
}

// IncProbeFailures increments the probe failure counter.
func (m *Metrics) IncProbeFailures() {
	m.probeFailuresTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetResolutionCacheSize sets the resolution cache size gauge.
func (m *Metrics) SetResolutionCacheSize(n int) {
	m.resolutionCacheSize.Set(float64(n))
}

// SetDiscoveredStreams sets the discovered streams gauge.
func (m *Metrics) SetDiscoveredStreams(n int) {
	m.discoveredStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
