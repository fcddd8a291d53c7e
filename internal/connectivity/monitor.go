// Package connectivity 判断上游应用是否可达，替代浏览器中的 navigator.onLine。
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-worker/internal/config"
)

// Options 描述探测目标与周期。
type Options struct {
	Client   *http.Client
	Target   string
	Interval time.Duration
	Mode     string
	Logger   *logrus.Logger
}

// Monitor 周期性以 HEAD 请求探测上游：收到任何响应即视为在线，传输错误视为离线。
// Mode 为 online/offline 时忽略探测结果。
type Monitor struct {
	client   *http.Client
	target   string
	interval time.Duration
	logger   *logrus.Logger

	reachable atomic.Bool

	mu   sync.RWMutex
	mode string
}

// New 创建 Monitor，初始状态视为在线，直到第一次探测失败。
func New(opts Options) (*Monitor, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	if mode == "" {
		mode = config.ConnectivityAuto
	}
	if !validMode(mode) {
		return nil, fmt.Errorf("unknown connectivity mode %q", opts.Mode)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	m := &Monitor{
		client:   client,
		target:   opts.Target,
		interval: interval,
		logger:   logger,
		mode:     mode,
	}
	m.reachable.Store(true)
	return m, nil
}

// Online 是注入 worker 的在线判定，可被多个请求并发调用。
func (m *Monitor) Online() bool {
	switch m.Mode() {
	case config.ConnectivityOnline:
		return true
	case config.ConnectivityOffline:
		return false
	default:
		return m.reachable.Load()
	}
}

// Mode 返回当前模式。
func (m *Monitor) Mode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode 在运行时切换模式。
func (m *Monitor) SetMode(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if !validMode(mode) {
		return fmt.Errorf("unknown connectivity mode %q", mode)
	}
	m.mu.Lock()
	prev := m.mode
	m.mode = mode
	m.mu.Unlock()

	if prev != mode {
		m.logger.WithFields(logrus.Fields{
			"action": "connectivity",
			"from":   prev,
			"to":     mode,
		}).Info("connectivity_mode_changed")
	}
	return nil
}

// Reachable 返回最近一次探测结果（不受 Mode 影响）。
func (m *Monitor) Reachable() bool {
	return m.reachable.Load()
}

// Probe 立即探测一次并更新状态。
func (m *Monitor) Probe(ctx context.Context) bool {
	ok := m.probe(ctx)
	if prev := m.reachable.Swap(ok); prev != ok {
		m.logger.WithFields(logrus.Fields{
			"action": "connectivity",
			"target": m.target,
			"online": ok,
		}).Warn("upstream_reachability_changed")
	}
	return ok
}

// Run 立即探测一次，然后按 Interval 周期探测，直到 ctx 结束。
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.target, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"action": "connectivity",
			"target": m.target,
		}).Debugf("probe failed: %v", err)
		return false
	}
	resp.Body.Close()
	return true
}

func validMode(mode string) bool {
	switch mode {
	case config.ConnectivityAuto, config.ConnectivityOnline, config.ConnectivityOffline:
		return true
	}
	return false
}
