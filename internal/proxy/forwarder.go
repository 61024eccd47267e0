package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/logging"
	"github.com/any-hub/ipfs-edge/internal/server"
	"github.com/any-hub/ipfs-edge/internal/worker"
)

// Forwarder 包装实际的 ProxyHandler，把 handler 缺失与 panic 转换为 500 JSON 响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, w *worker.Context) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logHandlerError(w, "handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "handler_missing"})
	}
	return f.invokeHandler(c, w, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, w *worker.Context, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logHandlerError(w, "handler_panic", fmt.Errorf("panic: %v", r), requestID)
			setRequestIDHeader(c, requestID)
			err = c.Status(fiber.StatusInternalServerError).
				JSON(fiber.Map{"error": "handler_panic"})
		}
	}()
	return f.handler.Handle(c, w)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(w *worker.Context, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{"origin": "", "worker_id": ""}
	if w != nil {
		fields = logging.WorkerFields(w.Origin, w.ID, string(w.Lifecycle.State()))
	}
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
