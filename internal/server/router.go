package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for answering requests in
// the worker scope. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Route) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Route) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *Route) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Route      *Route
	Proxy      ProxyHandler
	ListenPort int
	// Diagnostics registers /-/ endpoints on the app before the catch-all proxy route.
	Diagnostics func(app *fiber.App)
}

const (
	contextKeyRoute     = "_offline_worker_route"
	contextKeyRequestID = "_offline_worker_request_id"
)

// NewApp builds a Fiber application with request-ID middleware, the /-/
// diagnostics prefix and the catch-all worker handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Route == nil {
		return nil, errors.New("route is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	if opts.Diagnostics != nil {
		opts.Diagnostics(app)
	}

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return renderDiagnosticsNotFound(c, opts.Logger)
		}
		route, _ := getRouteFromContext(c)
		if route == nil {
			route = opts.Route
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并把 Route 注入请求上下文。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		c.Locals(contextKeyRoute, opts.Route)
		return c.Next()
	}
}

func renderDiagnosticsNotFound(c fiber.Ctx, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "diagnostics",
		"path":   string(c.Request().URI().Path()),
	}).Debug("diagnostics endpoint not found")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "not_found",
	})
}

// HostHeader 返回请求的 Host 头，缺失时回退到 Fiber 解析出的主机名。
func HostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return c.Hostname()
}

func getRouteFromContext(c fiber.Ctx) (*Route, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*Route); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
