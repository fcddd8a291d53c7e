package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-worker/internal/logging"
)

// 生命周期事件名称。
const (
	EventInstall  = "install"
	EventActivate = "activate"
)

// Handler 处理一个生命周期事件，返回时事件即完成（相当于 waitUntil 的 promise 落定）。
type Handler func(ctx context.Context) error

// Lifecycle 返回按事件名注册的处理函数。
func (w *Worker) Lifecycle() map[string]Handler {
	return map[string]Handler{
		EventInstall:  w.Install,
		EventActivate: w.Activate,
	}
}

// Dispatch 运行单个生命周期事件。
func (w *Worker) Dispatch(ctx context.Context, event string) error {
	handler, ok := w.Lifecycle()[event]
	if !ok {
		return fmt.Errorf("unknown lifecycle event %q", event)
	}
	return handler(ctx)
}

// Start 依次执行 install 与 activate。install 成功后立即激活，不等待旧版本释放客户端。
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Dispatch(ctx, EventInstall); err != nil {
		return err
	}
	return w.Dispatch(ctx, EventActivate)
}

// Install 打开当前版本的静态缓存代并一次性写入全部构建与静态资源。
// 任意资源抓取或写入失败时不写入任何条目，worker 进入 redundant。
func (w *Worker) Install(ctx context.Context) error {
	if !w.transition(StateParsed, StateInstalling) {
		return fmt.Errorf("install from state %s: %w", w.State(), ErrNotActivated)
	}

	name := w.StaticCacheName()
	fields := logging.LifecycleFields(EventInstall, w.version, name)
	started := time.Now()

	if err := w.precache(ctx, name); err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallCache, err)
	}

	w.setState(StateInstalled)
	w.logger.WithFields(fields).WithFields(logrus.Fields{
		"assets":   len(w.toCache),
		"duration": time.Since(started).String(),
	}).Info("install_complete")
	return nil
}

func (w *Worker) precache(ctx context.Context, name string) error {
	c, err := w.storage.Open(ctx, name)
	if err != nil {
		return err
	}

	reqs := make([]*http.Request, 0, len(w.toCache))
	for _, p := range w.toCache {
		target, err := w.resolve(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	return c.AddAll(ctx, w.fetcher, reqs, w.concurrency)
}

// Activate 删除当前版本静态缓存代与运行时缓存代之外的所有缓存代，全部删除完成后接管请求。
func (w *Worker) Activate(ctx context.Context) error {
	if !w.transition(StateInstalled, StateActivating) {
		return fmt.Errorf("activate from state %s: %w", w.State(), ErrNotActivated)
	}

	fields := logging.LifecycleFields(EventActivate, w.version, w.StaticCacheName())
	deleted, err := w.deleteStale(ctx)
	if err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(fields).WithError(err).Error("activate_failed")
		return fmt.Errorf("activate: %w", err)
	}

	// claim：状态切换后新请求立即被拦截
	w.setState(StateActivated)
	w.logger.WithFields(fields).WithField("deleted", deleted).Info("activate_complete")
	return nil
}

func (w *Worker) deleteStale(ctx context.Context) ([]string, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	keep := map[string]struct{}{
		w.StaticCacheName():  {},
		w.OfflineCacheName(): {},
	}
	var stale []string
	for _, name := range names {
		if _, ok := keep[name]; !ok {
			stale = append(stale, name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range stale {
		g.Go(func() error {
			if _, err := w.storage.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stale, nil
}
