package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/offline-worker/internal/config"
)

// Route 聚合 worker 作用域与上游地址（启动时解析一次），供路由/代理层直接复用。
type Route struct {
	// Scope 是 worker 对外服务的 origin，相当于浏览器中的 self.location。
	Scope *url.URL
	// Upstream 是被代理的 Web 应用。
	Upstream *url.URL
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
}

// NewRoute 根据配置解析作用域与上游；Scope 未配置时回退到 Upstream。
func NewRoute(cfg *config.Config) (*Route, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	upstream, err := url.Parse(strings.TrimSpace(cfg.Worker.Upstream))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", cfg.Worker.Upstream)
	}

	scope, err := url.Parse(cfg.Worker.ScopeOrUpstream())
	if err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}
	if scope.Scheme == "" || scope.Host == "" {
		return nil, fmt.Errorf("invalid scope %q", cfg.Worker.Scope)
	}
	scope.Path = ""
	scope.RawQuery = ""
	scope.Fragment = ""

	return &Route{
		Scope:      scope,
		Upstream:   upstream,
		ListenPort: cfg.Global.ListenPort,
	}, nil
}

// InScope 判断 Host 头是否指向 worker 作用域（大小写与末尾点不敏感，缺省端口按协议补齐）。
func (r *Route) InScope(host string) bool {
	if r == nil || r.Scope == nil {
		return false
	}
	reqHost, reqPort := normalizeHost(host)
	scopeHost, scopePort := normalizeHost(r.Scope.Host)
	if reqPort == 0 {
		reqPort = defaultPort(r.Scope.Scheme)
	}
	if scopePort == 0 {
		scopePort = defaultPort(r.Scope.Scheme)
	}
	return reqHost != "" && reqHost == scopeHost && reqPort == scopePort
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
