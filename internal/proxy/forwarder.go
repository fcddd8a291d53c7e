package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-worker/internal/server"
)

// Forwarder 包裹真正的 ProxyHandler：handler 缺失或 panic 时返回 JSON 错误并记录请求 ID，
// 不让单个请求拖垮整个 Fiber 应用。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 为空时所有请求返回 worker_handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.Route) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, requestID string) error {
	f.logHandlerError(c, "worker_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.Route, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	f.logHandlerError(c, "worker_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	c.Response().ResetBody()
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "fetch",
		"method": c.Method(),
		"path":   string(c.Request().URI().Path()),
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("worker handler unavailable")
}
