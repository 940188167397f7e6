package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nvr-bridge/internal/api"
	"nvr-bridge/internal/device"
	"nvr-bridge/internal/discovery"
	"nvr-bridge/internal/gateway"
	"nvr-bridge/internal/nvr"
	"nvr-bridge/internal/platform/config"
	"nvr-bridge/internal/platform/logger"
	"nvr-bridge/internal/platform/metrics"
	"nvr-bridge/internal/probe"
	"nvr-bridge/internal/resolve"

	"github.com/go-chi/chi/v5"
)

const (
	shutdownTimeout = 10 * time.Second
	startupTimeout  = 30 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	nvrURL := config.GetEnv("NVR_URL", "http://127.0.0.1:5000/api")
	relayURL := config.GetEnv("RELAY_URL", "rtsp://127.0.0.1:8554")
	probeConcurrency := config.GetEnvInt("PROBE_CONCURRENCY", discovery.DefaultConcurrency)
	resolveTTL := config.GetEnvDuration("RESOLVE_TTL", resolve.DefaultTTL)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	client, err := nvr.NewClient(nvrURL, log)
	if err != nil {
		log.Error("invalid NVR_URL", "error", err)
		os.Exit(1)
	}

	store := discovery.NewInMemoryStore()
	registry := device.NewInMemoryRegistry()
	cache := resolve.NewCache(resolveTTL)
	met := metrics.New()
	engine := discovery.NewEngine(client, client, probe.NewNormalizer(), store, relayURL, probeConcurrency, log, met)

	gw := gateway.NewHandler(client, registry, cache, log, met)
	mgmt := api.NewHandler(engine, registry, client, client.Origin(), log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetResolutionCacheSize(cache.Len())
			met.SetDiscoveredStreams(store.StreamCount())
		}).ServeHTTP(w, req)
	})
	gw.Routes(r)
	mgmt.Routes(r)

	// Register devices and kick off initial discovery; the server still
	// comes up when the backend is unreachable, and /api/sync recovers.
	go bootstrap(client, registry, engine, log)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"nvr_url", nvrURL,
		"relay_url", relayURL,
		"probe_concurrency", probeConcurrency,
		"resolve_ttl", resolveTTL.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// bootstrap syncs devices from the backend config and discovers streams
// for cameras that have none stored yet.
func bootstrap(client *nvr.Client, registry device.Registry, engine *discovery.Engine, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	cfg, err := client.Config(ctx)
	if err != nil {
		log.Error("initial backend config fetch failed", "error", err)
		return
	}
	device.SyncFromConfig(registry, cfg, client.Origin())

	for _, dev := range registry.List() {
		if _, err := engine.Refresh(ctx, dev.CameraName, false); err != nil {
			log.Error("initial discovery failed", "camera", dev.CameraName, "error", err)
		}
	}
	log.Info("bootstrap complete", "devices", len(registry.List()))
}
