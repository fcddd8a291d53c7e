package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-worker/internal/cache"
	"github.com/any-hub/offline-worker/internal/logging"
	"github.com/any-hub/offline-worker/internal/server"
	"github.com/any-hub/offline-worker/internal/worker"
)

// HeaderSource 标记响应来源：passthrough/network/cache/fallback。
const HeaderSource = "X-Offline-Worker-Source"

// Interceptor 是 Handler 依赖的 worker 能力，测试中可替换。
type Interceptor interface {
	Intercept(req *http.Request) (worker.Responder, bool)
}

// Handler 相当于浏览器的 fetch 事件分发：worker 接管的请求由 Responder 产出响应，
// 其余请求原样透传给上游。
type Handler struct {
	worker  Interceptor
	fetcher cache.Fetcher
	logger  *logrus.Logger
}

// NewHandler constructs a handler with the worker, the shared upstream fetcher and logger.
func NewHandler(w Interceptor, fetcher cache.Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		worker:  w,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Handle 构造绝对 URL 请求后交给 worker 判定，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildRequest(ctx, c, route)
	if err != nil {
		h.logResult(c, worker.SourcePassthrough, false, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request", requestID)
	}

	respond, ok := h.worker.Intercept(req)
	if !ok {
		return h.passthrough(c, ctx, req, requestID, started)
	}

	result, err := respond.Respond(ctx)
	if err != nil {
		h.logResult(c, "", respond.Offline, requestID, 0, started, err)
		return h.renderWorkerError(c, err, requestID)
	}
	return h.writeResponse(c, result.Response, result.Source, respond.Offline, requestID, started)
}

func (h *Handler) passthrough(c fiber.Ctx, ctx context.Context, req *http.Request, requestID string, started time.Time) error {
	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		h.logResult(c, worker.SourcePassthrough, false, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed", requestID)
	}
	return h.writeResponse(c, resp, worker.SourcePassthrough, false, requestID, started)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	resp *http.Response,
	source worker.Source,
	offline bool,
	requestID string,
	started time.Time,
) error {
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, source, offline, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, source, offline, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) renderWorkerError(c fiber.Ctx, err error, requestID string) error {
	switch {
	case errors.Is(err, worker.ErrNetwork):
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed", requestID)
	case errors.Is(err, worker.ErrFallbackMiss):
		return h.writeError(c, fiber.StatusServiceUnavailable, "offline_fallback_missing", requestID)
	default:
		return h.writeError(c, fiber.StatusInternalServerError, "cache_failed", requestID)
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	source worker.Source,
	offline bool,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(c.Method(), string(c.Request().URI().Path()), string(source), offline)
	fields["action"] = "fetch"
	if source == worker.SourcePassthrough {
		fields["action"] = "passthrough"
	}
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

// buildRequest 把 Fiber 请求转换为绝对 URL 的 *http.Request。
// Host 属于作用域时统一使用作用域的 scheme/host，保证与预缓存时的请求身份一致。
func buildRequest(ctx context.Context, c fiber.Ctx, route *server.Route) (*http.Request, error) {
	scheme := c.Scheme()
	host := server.HostHeader(c)
	if route != nil && route.Scope != nil && (host == "" || route.InScope(host)) {
		scheme = route.Scope.Scheme
		host = route.Scope.Host
	}

	target, err := url.Parse(scheme + "://" + host + c.OriginalURL())
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	req.Header.Del("Host")
	req.Host = host

	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Host", host)
	req.Header.Set("X-Forwarded-Proto", scheme)
	if route != nil && route.ListenPort > 0 {
		req.Header.Set("X-Forwarded-Port", strconv.Itoa(route.ListenPort))
	}
	return req, nil
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传响应头；Content-Length 由 fasthttp 按实际正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
