package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/simplecrew/swcache/internal/server"
	"github.com/simplecrew/swcache/internal/worker"
)

// Forwarder 根据作用域是否已有激活的 worker 选择受控 handler 或直连 handler。
type Forwarder struct {
	registration *worker.Registration
	controlled   server.ProxyHandler
	passthrough  server.ProxyHandler
	logger       *logrus.Logger
}

// NewForwarder 创建 Forwarder；registration 为 nil 时所有请求都视为未受控。
func NewForwarder(
	registration *worker.Registration,
	controlled server.ProxyHandler,
	passthrough server.ProxyHandler,
	logger *logrus.Logger,
) *Forwarder {
	return &Forwarder{
		registration: registration,
		controlled:   controlled,
		passthrough:  passthrough,
		logger:       logger,
	}
}

// ForwarderFor 以同一个 Handler 构造 Forwarder。
func ForwarderFor(h *Handler) *Forwarder {
	return NewForwarder(
		h.registration,
		server.ProxyHandlerFunc(h.Handle),
		server.ProxyHandlerFunc(h.Passthrough),
		h.logger,
	)
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	handler := f.lookup()
	if handler == nil {
		return f.respondMissingHandler(c, requestID)
	}
	return f.invokeHandler(c, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, requestID string) error {
	f.logGatewayError(c, "gateway_unavailable", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "gateway_unavailable"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()
	return handler.Handle(c)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	f.logGatewayError(c, "gateway_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "gateway_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logGatewayError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":        "fetch",
		"error":         code,
		"method":        c.Method(),
		"path":          requestPath(c),
		"cache_version": f.activeVersion(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("gateway handler unavailable")
}

func (f *Forwarder) lookup() server.ProxyHandler {
	if f.activeVersion() != "" && f.controlled != nil {
		return f.controlled
	}
	return f.passthrough
}

func (f *Forwarder) activeVersion() string {
	if f.registration == nil {
		return ""
	}
	if w := f.registration.Active(); w != nil {
		return w.Version()
	}
	return ""
}
