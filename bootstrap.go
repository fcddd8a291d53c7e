package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-worker/internal/assets"
	"github.com/any-hub/offline-worker/internal/cache"
	"github.com/any-hub/offline-worker/internal/cache/postgres"
	"github.com/any-hub/offline-worker/internal/cache/sqlite"
	"github.com/any-hub/offline-worker/internal/config"
	"github.com/any-hub/offline-worker/internal/connectivity"
	"github.com/any-hub/offline-worker/internal/proxy"
	"github.com/any-hub/offline-worker/internal/server"
	"github.com/any-hub/offline-worker/internal/worker"
)

// workerRuntime 持有进程内共享的组件，生命周期与进程一致。
type workerRuntime struct {
	route   *server.Route
	storage *cache.Storage
	fetcher *proxy.UpstreamFetcher
	monitor *connectivity.Monitor
	worker  *worker.Worker
}

// bootstrap 按配置装配缓存后端、上游 fetcher、连通性探测与 worker，但不执行生命周期事件。
func bootstrap(ctx context.Context, cfg *config.Config, manifest *assets.Manifest, logger *logrus.Logger) (*workerRuntime, error) {
	route, err := server.NewRoute(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, cfg.Global)
	if err != nil {
		return nil, err
	}
	storage := cache.NewStorage(backend)

	fetcher, err := proxy.NewUpstreamFetcher(server.NewUpstreamClient(cfg), route)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	probeTarget := *route.Upstream
	probeTarget.Path = strings.TrimSuffix(route.Upstream.Path, "/") + cfg.Worker.ProbePath
	probeTarget.RawPath = ""
	monitor, err := connectivity.New(connectivity.Options{
		Client:   server.NewProbeClient(cfg),
		Target:   probeTarget.String(),
		Interval: cfg.Worker.ProbeInterval.DurationValue(),
		Mode:     cfg.Worker.ConnectivityMode,
		Logger:   logger,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	w, err := worker.New(worker.Options{
		Storage:            storage,
		Fetcher:            fetcher,
		Manifest:           manifest,
		Scope:              route.Scope.String(),
		OfflinePage:        cfg.Worker.OfflinePage,
		UncachedRoutes:     cfg.Worker.UncachedRoutes,
		Online:             monitor.Online,
		InstallConcurrency: cfg.Worker.InstallConcurrency,
		Logger:             logger,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	return &workerRuntime{
		route:   route,
		storage: storage,
		fetcher: fetcher,
		monitor: monitor,
		worker:  w,
	}, nil
}

// Close 释放缓存后端。
func (rt *workerRuntime) Close() error {
	return rt.storage.Close()
}

func openBackend(ctx context.Context, g config.GlobalConfig) (cache.Backend, error) {
	switch g.StorageDriver {
	case config.StorageDriverFS, "":
		return cache.NewFSBackend(g.StoragePath)
	case config.StorageDriverSQLite:
		return sqlite.Open(ctx, g.StoragePath)
	case config.StorageDriverPostgres:
		return postgres.Open(ctx, g.StorageDSN)
	case config.StorageDriverMemory:
		return cache.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", g.StorageDriver)
	}
}
