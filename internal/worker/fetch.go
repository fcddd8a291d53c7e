package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-worker/internal/cache"
)

// Source 标识响应来自哪里，会写入 X-Offline-Worker-Source 头。
type Source string

const (
	SourcePassthrough Source = "passthrough"
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
)

// Result 是拦截后的响应。Response.Body 由调用方负责关闭。
type Result struct {
	Response *http.Response
	Source   Source
}

// Responder 是一次拦截的结果，相当于 respondWith 收到的 promise。
// Offline 记录分发时的在线判定，Respond 按该判定产出响应。
type Responder struct {
	Offline bool
	Respond func(ctx context.Context) (*Result, error)
}

// Intercept 决定是否接管请求。返回 false 时调用方应按默认方式直连上游。
// 在线状态在此处同步判定，之后网络状态变化不影响本次请求的分支。
func (w *Worker) Intercept(req *http.Request) (Responder, bool) {
	if w.State() != StateActivated {
		return Responder{}, false
	}
	if !w.shouldIntercept(req) {
		return Responder{}, false
	}

	static := w.isStaticAsset(req)
	if !w.online() {
		return Responder{
			Offline: true,
			Respond: func(ctx context.Context) (*Result, error) {
				return w.respondOffline(ctx, req, static)
			},
		}, true
	}
	return Responder{
		Respond: func(ctx context.Context) (*Result, error) {
			return w.fetchAndCache(ctx, req)
		},
	}, true
}

func (w *Worker) shouldIntercept(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return false
	}

	u := req.URL
	// 例如 data: URI 不处理
	if !strings.HasPrefix(u.Scheme, "http") {
		return false
	}
	for _, route := range w.uncached {
		if strings.HasPrefix(u.Path, route) {
			return false
		}
	}
	if u.Hostname() == w.scope.Hostname() && effectivePort(u.Scheme, u.Port()) != effectivePort(w.scope.Scheme, w.scope.Port()) {
		return false
	}
	if onlyIfCached(req.Header) && !w.isStaticAsset(req) {
		return false
	}
	return true
}

func (w *Worker) isStaticAsset(req *http.Request) bool {
	return strings.EqualFold(hostPort(req.URL.Scheme, req.URL.Host), hostPort(w.scope.Scheme, w.scope.Host)) &&
		w.static.Has(req.URL.Path)
}

func (w *Worker) respondOffline(ctx context.Context, req *http.Request, static bool) (*Result, error) {
	if static {
		rec, err := w.storage.Match(ctx, req)
		switch {
		case err == nil:
			return &Result{Response: rec.Response(req), Source: SourceCache}, nil
		case !errors.Is(err, cache.ErrNotFound):
			return nil, err
		}
	}

	fallbackURL, err := w.resolve(w.offlinePage)
	if err != nil {
		return nil, err
	}
	fallbackReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fallbackURL.String(), nil)
	if err != nil {
		return nil, err
	}
	rec, err := w.storage.Match(ctx, fallbackReq)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrFallbackMiss
		}
		return nil, err
	}
	return &Result{Response: rec.Response(req), Source: SourceFallback}, nil
}

// fetchAndCache 走网络并把响应副本写入运行时缓存代；网络失败时回退到该缓存代中的旧副本。
func (w *Worker) fetchAndCache(ctx context.Context, req *http.Request) (*Result, error) {
	runtime, err := w.storage.Open(ctx, w.OfflineCacheName())
	if err != nil {
		return nil, err
	}

	resp, fetchErr := w.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		err := runtime.Put(ctx, req, resp)
		switch {
		case err == nil:
			return &Result{Response: resp, Source: SourceNetwork}, nil
		case errors.Is(err, cache.ErrBodyRead):
			// 正文在传输中断开，按网络失败处理
			fetchErr = err
		default:
			// 写缓存失败不影响本次响应
			w.logger.WithFields(logrus.Fields{
				"action": "fetch",
				"cache":  runtime.Name(),
				"url":    cache.RequestKey(req),
			}).WithError(err).Warn("runtime_cache_put_failed")
			return &Result{Response: resp, Source: SourceNetwork}, nil
		}
	}

	rec, err := runtime.Match(ctx, req)
	if err == nil {
		return &Result{Response: rec.Response(req), Source: SourceCache}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) && !errors.Is(err, cache.ErrGenerationNotFound) {
		w.logger.WithFields(logrus.Fields{
			"action": "fetch",
			"cache":  runtime.Name(),
		}).WithError(err).Warn("runtime_cache_match_failed")
	}
	return nil, &FetchError{URL: cache.RequestKey(req), Err: fetchErr}
}

func onlyIfCached(header http.Header) bool {
	for _, raw := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(raw, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "only-if-cached") {
				return true
			}
		}
	}
	return false
}

// effectivePort 把协议默认端口归一为空串，与浏览器 URL.port 的行为一致。
func effectivePort(scheme, port string) string {
	switch {
	case scheme == "http" && port == "80", scheme == "https" && port == "443":
		return ""
	}
	return port
}

func hostPort(scheme, host string) string {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if effectivePort(scheme, p) == "" {
		return h
	}
	return host
}
