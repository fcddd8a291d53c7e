package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-worker/internal/server"
)

// UpstreamFetcher 是 worker 的网络出口：把作用域内的绝对 URL 改写到上游应用后发出请求。
type UpstreamFetcher struct {
	client   *http.Client
	upstream *url.URL
}

// NewUpstreamFetcher 基于共享 http.Client 与 Route 构建 fetcher。
func NewUpstreamFetcher(client *http.Client, route *server.Route) (*UpstreamFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if route == nil || route.Upstream == nil {
		return nil, errors.New("upstream route is required")
	}
	return &UpstreamFetcher{client: client, upstream: route.Upstream}, nil
}

// Fetch 发送请求并返回上游原始响应，调用方负责关闭 Body。
// 非 2xx 不视为错误，只有传输失败才返回 error。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := f.upstreamURL(req.URL)

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength

	server.CopyHeaders(out.Header, req.Header)
	// 交给 Transport 协商压缩，缓存中始终保存解压后的正文
	out.Header.Del("Accept-Encoding")
	out.Host = target.Host
	out.Header.Del("Host")
	if out.Header.Get("X-Forwarded-Host") == "" && req.URL.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.URL.Host)
	}
	if out.Header.Get("X-Forwarded-Proto") == "" && req.URL.Scheme != "" {
		out.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}

	return f.client.Do(out)
}

// upstreamURL 保留请求的路径与查询串，scheme/host 替换为上游，并拼接上游的路径前缀。
func (f *UpstreamFetcher) upstreamURL(in *url.URL) *url.URL {
	out := *f.upstream
	reqPath := in.Path
	if reqPath == "" {
		reqPath = "/"
	}
	if base := strings.TrimSuffix(f.upstream.Path, "/"); base != "" {
		out.Path = base + reqPath
		if in.RawPath != "" {
			out.RawPath = strings.TrimSuffix(f.upstream.EscapedPath(), "/") + in.RawPath
		} else {
			out.RawPath = ""
		}
	} else {
		out.Path = reqPath
		out.RawPath = in.RawPath
	}
	out.RawQuery = in.RawQuery
	out.Fragment = ""
	return &out
}
