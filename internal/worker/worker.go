// Package worker 实现离线缓存 worker：install 预缓存静态资源，activate 清理旧缓存代，
// fetch 阶段按在线状态决定走网络、缓存或离线兜底页。
package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-worker/internal/assets"
	"github.com/any-hub/offline-worker/internal/cache"
)

const (
	staticCachePrefix  = "cache"
	offlineCachePrefix = "offline"
	defaultOfflinePage = "/offline.html"
)

// StaticCacheName 返回版本对应的静态资源缓存代名称。
func StaticCacheName(version string) string {
	return staticCachePrefix + version
}

// OfflineCacheName 返回版本对应的运行时离线缓存代名称。
func OfflineCacheName(version string) string {
	return offlineCachePrefix + version
}

// Options 汇集 worker 的全部外部依赖。
type Options struct {
	Storage  *cache.Storage
	Fetcher  cache.Fetcher
	Manifest *assets.Manifest
	// Scope 是 worker 对外服务的 origin，静态资源路径相对它解析。
	Scope          string
	OfflinePage    string
	UncachedRoutes []string
	// Online 在每次 fetch 分发时同步调用；为空时视为始终在线。
	Online             func() bool
	InstallConcurrency int
	Logger             *logrus.Logger
}

// Worker 在构造后只有 state 会变化，其余字段只读，可被并发请求共享。
type Worker struct {
	storage     *cache.Storage
	fetcher     cache.Fetcher
	version     string
	toCache     []string
	static      *assets.Set
	scope       *url.URL
	offlinePage string
	uncached    []string
	online      func() bool
	concurrency int
	logger      *logrus.Logger

	state atomic.Int32
}

// New 校验依赖并构建 worker，初始状态为 parsed。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Manifest == nil || strings.TrimSpace(opts.Manifest.Version) == "" {
		return nil, assets.ErrMissingVersion
	}

	scope, err := url.Parse(strings.TrimSpace(opts.Scope))
	if err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}
	if (scope.Scheme != "http" && scope.Scheme != "https") || scope.Host == "" {
		return nil, fmt.Errorf("invalid scope %q: absolute http(s) origin required", opts.Scope)
	}

	toCache := opts.Manifest.ToCache()
	static := assets.NewSet(toCache)

	offlinePage := opts.OfflinePage
	if offlinePage == "" {
		offlinePage = defaultOfflinePage
	}
	if !static.Has(offlinePage) {
		return nil, fmt.Errorf("offline page %s must be one of the static assets", offlinePage)
	}

	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	return &Worker{
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		version:     strings.TrimSpace(opts.Manifest.Version),
		toCache:     toCache,
		static:      static,
		scope:       scope,
		offlinePage: offlinePage,
		uncached:    append([]string(nil), opts.UncachedRoutes...),
		online:      online,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Version 返回当前版本号。
func (w *Worker) Version() string { return w.version }

// StaticCacheName 返回当前版本的静态资源缓存代名称。
func (w *Worker) StaticCacheName() string { return StaticCacheName(w.version) }

// OfflineCacheName 返回当前版本的运行时缓存代名称。
func (w *Worker) OfflineCacheName() string { return OfflineCacheName(w.version) }

// State 返回当前生命周期状态。
func (w *Worker) State() State { return State(w.state.Load()) }

// StaticAssets 返回不可变的静态资源集合。
func (w *Worker) StaticAssets() *assets.Set { return w.static }

// Storage 返回 worker 使用的缓存存储，供诊断接口只读使用。
func (w *Worker) Storage() *cache.Storage { return w.storage }

// Online 返回注入的在线判定结果。
func (w *Worker) Online() bool { return w.online() }

func (w *Worker) transition(from, to State) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// resolve 把站内路径解析为 scope 下的绝对 URL。
func (w *Worker) resolve(path string) (*url.URL, error) {
	return w.scope.Parse(path)
}
