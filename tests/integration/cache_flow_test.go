package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-worker/internal/assets"
	"github.com/any-hub/offline-worker/internal/cache"
	"github.com/any-hub/offline-worker/internal/config"
	"github.com/any-hub/offline-worker/internal/connectivity"
	"github.com/any-hub/offline-worker/internal/logging"
	"github.com/any-hub/offline-worker/internal/proxy"
	"github.com/any-hub/offline-worker/internal/server"
	"github.com/any-hub/offline-worker/internal/server/routes"
	"github.com/any-hub/offline-worker/internal/worker"
)

const edgeScope = "http://localhost:5000"

var testManifest = assets.Manifest{
	Version: "5",
	Build:   []string{"/_app/immutable/app.js", "/_app/immutable/app.css"},
	Files:   []string{"/favicon.png", "/offline.html"},
}

// edge 是按 main 装配顺序组装的完整请求链路。
type edge struct {
	app     *fiber.App
	worker  *worker.Worker
	monitor *connectivity.Monitor
	storage *cache.Storage
}

func newEdge(t *testing.T, stub *upstreamStub, backend cache.Backend, manifest assets.Manifest) *edge {
	t.Helper()
	logger := logging.NewDiscardLogger()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Worker: config.WorkerConfig{
			Upstream:      stub.URL,
			Scope:         edgeScope,
			ProbePath:     "/",
			ProbeInterval: config.Duration(0),
		},
	}
	route, err := server.NewRoute(cfg)
	require.NoError(t, err)

	storage := cache.NewStorage(backend)
	fetcher, err := proxy.NewUpstreamFetcher(server.NewUpstreamClient(cfg), route)
	require.NoError(t, err)

	probe, err := url.JoinPath(stub.URL, cfg.Worker.ProbePath)
	require.NoError(t, err)
	monitor, err := connectivity.New(connectivity.Options{
		Client: server.NewProbeClient(cfg),
		Target: probe,
		Mode:   config.ConnectivityAuto,
		Logger: logger,
	})
	require.NoError(t, err)

	w, err := worker.New(worker.Options{
		Storage:        storage,
		Fetcher:        fetcher,
		Manifest:       &manifest,
		Scope:          route.Scope.String(),
		UncachedRoutes: config.DefaultUncachedRoutes,
		Online:         monitor.Online,
		Logger:         logger,
	})
	require.NoError(t, err)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Route:      route,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(w, fetcher, logger), logger),
		ListenPort: 5000,
		Diagnostics: func(app *fiber.App) {
			routes.RegisterDiagnostics(app, routes.Deps{Worker: w, Connectivity: monitor, Logger: logger})
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown() })

	return &edge{app: app, worker: w, monitor: monitor, storage: storage}
}

type edgeResponse struct {
	status int
	source string
	body   string
}

func (e *edge) do(t *testing.T, method, target string, body io.Reader) edgeResponse {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return edgeResponse{status: resp.StatusCode, source: resp.Header.Get(proxy.HeaderSource), body: string(data)}
}

func startedEdge(t *testing.T) (*edge, *upstreamStub) {
	t.Helper()
	stub := newUpstreamStub(t)
	e := newEdge(t, stub, cache.NewMemoryBackend(), testManifest)
	require.NoError(t, e.worker.Start(context.Background()))
	return e, stub
}

func TestInstallPrecachesThroughUpstream(t *testing.T) {
	e, stub := startedEdge(t)

	assert.Equal(t, worker.StateActivated, e.worker.State())
	for _, p := range testManifest.ToCache() {
		assert.Equal(t, 1, stub.countPath(p), "asset %s should be fetched once", p)
	}

	c, err := e.storage.Open(context.Background(), "cache5")
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestOnlineFetchStoresRuntimeCopy(t *testing.T) {
	e, stub := startedEdge(t)

	resp := e.do(t, http.MethodGet, edgeScope+"/blog/post?id=1", nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "network", resp.source)
	assert.Equal(t, "<h1>page /blog/post</h1>", resp.body)

	reqs := stub.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, "/blog/post", last.Path)
	assert.Equal(t, "id=1", last.Query)
	assert.Equal(t, "localhost:5000", last.Headers.Get("X-Forwarded-Host"))

	runtime, err := e.storage.Open(context.Background(), "offline5")
	require.NoError(t, err)
	keys, err := runtime.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{edgeScope + "/blog/post?id=1"}, keys)
}

func TestOfflineServesStaticAssetsAndFallback(t *testing.T) {
	e, stub := startedEdge(t)
	e.do(t, http.MethodGet, edgeScope+"/blog/post", nil)

	stub.Close()
	assert.False(t, e.monitor.Probe(context.Background()))
	assert.False(t, e.worker.Online())

	resp := e.do(t, http.MethodGet, edgeScope+"/_app/immutable/app.js", nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "cache", resp.source)
	assert.Equal(t, "console.log('app')", resp.body)

	// 离线时非静态资源一律返回兜底页，即使运行时缓存中有副本
	resp = e.do(t, http.MethodGet, edgeScope+"/blog/post", nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "fallback", resp.source)
	assert.Equal(t, "<h1>offline</h1>", resp.body)
}

func TestNetworkFailureFallsBackToRuntimeCopy(t *testing.T) {
	e, stub := startedEdge(t)
	require.NoError(t, e.monitor.SetMode(config.ConnectivityOnline))

	first := e.do(t, http.MethodGet, edgeScope+"/docs", nil)
	require.Equal(t, "network", first.source)

	stub.Close()

	resp := e.do(t, http.MethodGet, edgeScope+"/docs", nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "cache", resp.source)
	assert.Equal(t, first.body, resp.body)

	resp = e.do(t, http.MethodGet, edgeScope+"/never-visited", nil)
	assert.Equal(t, http.StatusBadGateway, resp.status)
	assert.Contains(t, resp.body, "upstream_failed")
}

func TestRequestsOutsideInterceptionPassThrough(t *testing.T) {
	e, stub := startedEdge(t)

	resp := e.do(t, http.MethodPost, edgeScope+"/api/items", nil)
	assert.Equal(t, http.StatusCreated, resp.status)
	assert.Equal(t, "passthrough", resp.source)

	resp = e.do(t, http.MethodGet, edgeScope+"/s%C3%B8k/results", nil)
	assert.Equal(t, "passthrough", resp.source)
	assert.Equal(t, 1, stub.countPath("/søk/results"))

	// 同主机不同端口视为开发服务器
	resp = e.do(t, http.MethodGet, "http://localhost:5173/", nil)
	assert.Equal(t, "passthrough", resp.source)

	runtime, err := e.storage.Open(context.Background(), "offline5")
	require.NoError(t, err)
	keys, err := runtime.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOfflineWithoutFallbackReturns503(t *testing.T) {
	stub := newUpstreamStub(t)
	e := newEdge(t, stub, cache.NewMemoryBackend(), testManifest)
	require.NoError(t, e.worker.Start(context.Background()))

	c, err := e.storage.Open(context.Background(), "cache5")
	require.NoError(t, err)
	fallbackReq := httptest.NewRequest(http.MethodGet, edgeScope+"/offline.html", nil)
	removed, err := c.Delete(context.Background(), fallbackReq)
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, e.monitor.SetMode(config.ConnectivityOffline))
	resp := e.do(t, http.MethodGet, edgeScope+"/anything", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Contains(t, resp.body, "offline_fallback_missing")
}

func TestDiagnosticsThroughEdge(t *testing.T) {
	e, _ := startedEdge(t)

	resp := e.do(t, http.MethodGet, edgeScope+"/-/status", nil)
	require.Equal(t, http.StatusOK, resp.status)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.body), &payload))
	assert.Equal(t, "activated", payload["state"])
	assert.Equal(t, "5", payload["version"])

	resp = e.do(t, http.MethodGet, edgeScope+"/-/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Contains(t, resp.body, "not_found")
}
