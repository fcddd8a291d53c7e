package cache

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// RequestKey 返回请求的缓存身份：去掉 fragment 的绝对 URL，query 参与区分。
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return KeyForURL(req.URL)
}

// KeyForURL 规范化 URL：scheme/host 小写，空路径补为 "/"，丢弃 fragment。
func KeyForURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	cp.Scheme = strings.ToLower(cp.Scheme)
	cp.Host = strings.ToLower(cp.Host)
	if cp.Path == "" && cp.Opaque == "" {
		cp.Path = "/"
	}
	return cp.String()
}

// varyNames 解析响应的 Vary 头，返回规范化后的请求头名称。
// Accept-Encoding 不参与匹配：上游压缩由 Transport 协商，缓存里始终是解压后的正文。
func varyNames(header http.Header) []string {
	var names []string
	for _, raw := range header.Values("Vary") {
		for _, part := range strings.Split(raw, ",") {
			name := strings.TrimSpace(part)
			if name == "" {
				continue
			}
			if name == "*" {
				return []string{"*"}
			}
			name = textproto.CanonicalMIMEHeaderKey(name)
			if name == "Accept-Encoding" {
				continue
			}
			names = append(names, name)
		}
	}
	return names
}

// captureVary 记录写入时请求在 Vary 头中声明的字段值。
func captureVary(req *http.Request, respHeader http.Header) map[string]string {
	names := varyNames(respHeader)
	if len(names) == 0 || names[0] == "*" {
		return nil
	}
	values := make(map[string]string, len(names))
	for _, name := range names {
		if req != nil {
			values[name] = req.Header.Get(name)
		} else {
			values[name] = ""
		}
	}
	return values
}

// varyMatches 判断请求是否与缓存条目的 Vary 快照一致；Vary: * 永远不命中。
func varyMatches(rec *Record, req *http.Request) bool {
	names := varyNames(rec.Header)
	if len(names) > 0 && names[0] == "*" {
		return false
	}
	for _, name := range names {
		want := rec.Vary[name]
		got := ""
		if req != nil {
			got = req.Header.Get(name)
		}
		if want != got {
			return false
		}
	}
	return true
}

func isGet(method string) bool {
	return method == "" || method == http.MethodGet
}
