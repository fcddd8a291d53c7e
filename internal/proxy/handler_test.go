package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-worker/internal/cache"
	"github.com/any-hub/offline-worker/internal/logging"
	"github.com/any-hub/offline-worker/internal/server"
	"github.com/any-hub/offline-worker/internal/worker"
)

type fakeInterceptor struct {
	mu      sync.Mutex
	offline bool
	seen    []*http.Request
	respond func(context.Context) (*worker.Result, error)
	decline bool
}

func (f *fakeInterceptor) Intercept(req *http.Request) (worker.Responder, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	if f.decline {
		return worker.Responder{}, false
	}
	return worker.Responder{Offline: f.offline, Respond: f.respond}, true
}

func (f *fakeInterceptor) lastRequest(t *testing.T) *http.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.seen)
	return f.seen[len(f.seen)-1]
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/html"}, "X-Upstream": {"a", "b"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newHandlerApp(t *testing.T, w Interceptor, fetcher cache.Fetcher) *fiber.App {
	t.Helper()
	return newHandlerAppWithLogger(t, w, fetcher, logging.NewDiscardLogger())
}

func newHandlerAppWithLogger(t *testing.T, w Interceptor, fetcher cache.Fetcher, logger *logrus.Logger) *fiber.App {
	t.Helper()
	scope, _ := url.Parse("http://localhost:5000")
	upstream, _ := url.Parse("http://127.0.0.1:9")
	route := &server.Route{Scope: scope, Upstream: upstream, ListenPort: 5000}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logging.NewDiscardLogger(),
		Route:      route,
		Proxy:      NewHandler(w, fetcher, logger),
		ListenPort: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown() })
	return app
}

func failingFetcher(t *testing.T) cache.Fetcher {
	return cache.FetcherFunc(func(context.Context, *http.Request) (*http.Response, error) {
		t.Fatalf("passthrough fetcher should not be called")
		return nil, nil
	})
}

func TestHandlerServesInterceptedResponse(t *testing.T) {
	w := &fakeInterceptor{respond: func(context.Context) (*worker.Result, error) {
		return &worker.Result{Response: textResponse(http.StatusOK, "<h1>home</h1>"), Source: worker.SourceNetwork}, nil
	}}
	app := newHandlerApp(t, w, failingFetcher(t))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://localhost:5000/index.html?x=1", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>home</h1>", string(body))
	assert.Equal(t, "network", resp.Header.Get(HeaderSource))
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.ElementsMatch(t, []string{"a", "b"}, resp.Header.Values("X-Upstream"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req := w.lastRequest(t)
	assert.Equal(t, "http://localhost:5000/index.html?x=1", req.URL.String())
	assert.Equal(t, http.MethodGet, req.Method)
}

func TestHandlerCanonicalisesScopeHost(t *testing.T) {
	w := &fakeInterceptor{respond: func(context.Context) (*worker.Result, error) {
		return &worker.Result{Response: textResponse(http.StatusOK, "ok"), Source: worker.SourceCache}, nil
	}}
	app := newHandlerApp(t, w, failingFetcher(t))

	req := httptest.NewRequest(http.MethodGet, "http://LOCALHOST:5000/app.js", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()

	got := w.lastRequest(t)
	assert.Equal(t, "localhost:5000", got.URL.Host)
	assert.Equal(t, "http", got.URL.Scheme)
	assert.Equal(t, "localhost:5000", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "5000", got.Header.Get("X-Forwarded-Port"))
}

func TestHandlerPassthrough(t *testing.T) {
	var fetched *http.Request
	fetcher := cache.FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		fetched = req
		return textResponse(http.StatusCreated, "created"), nil
	})
	w := &fakeInterceptor{decline: true}
	app := newHandlerApp(t, w, fetcher)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "http://localhost:5000/api/items", strings.NewReader(`{"a":1}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", string(body))
	assert.Equal(t, "passthrough", resp.Header.Get(HeaderSource))
	require.NotNil(t, fetched)
	assert.Equal(t, http.MethodPost, fetched.Method)
	sent, _ := io.ReadAll(fetched.Body)
	assert.Equal(t, `{"a":1}`, string(sent))
}

func TestHandlerPassthroughUpstreamFailure(t *testing.T) {
	fetcher := cache.FetcherFunc(func(context.Context, *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	app := newHandlerApp(t, &fakeInterceptor{decline: true}, fetcher)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://localhost:5000/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "upstream_failed")
}

func TestHandlerMapsWorkerErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"network", &worker.FetchError{URL: "http://localhost:5000/", Err: errors.New("refused")}, http.StatusBadGateway, "upstream_failed"},
		{"fallback", worker.ErrFallbackMiss, http.StatusServiceUnavailable, "offline_fallback_missing"},
		{"other", errors.New("disk full"), http.StatusInternalServerError, "cache_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &fakeInterceptor{respond: func(context.Context) (*worker.Result, error) {
				return nil, tc.err
			}}
			app := newHandlerApp(t, w, failingFetcher(t))

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://localhost:5000/page", nil))
			require.NoError(t, err)
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Contains(t, string(body), tc.code)
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		})
	}
}

func TestHandlerHeadSkipsBody(t *testing.T) {
	fetcher := cache.FetcherFunc(func(context.Context, *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, "ignored"), nil
	})
	app := newHandlerApp(t, &fakeInterceptor{decline: true}, fetcher)

	resp, err := app.Test(httptest.NewRequest(http.MethodHead, "http://localhost:5000/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestHandlerLogsOfflineDecisionFromDispatch(t *testing.T) {
	logBuf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(logBuf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	w := &fakeInterceptor{offline: true, respond: func(context.Context) (*worker.Result, error) {
		return &worker.Result{Response: textResponse(http.StatusOK, "<h1>offline</h1>"), Source: worker.SourceFallback}, nil
	}}
	app := newHandlerAppWithLogger(t, w, failingFetcher(t), logger)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://localhost:5000/blog", nil))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "fallback", resp.Header.Get(HeaderSource))
	assert.Contains(t, logBuf.String(), `"offline":true`)
	assert.Contains(t, logBuf.String(), `"source":"fallback"`)
}
