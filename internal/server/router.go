package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/worker"
)

// ProxyHandler executes the routing decision for one request on behalf of the
// origin's active worker. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *worker.Context) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *worker.Context) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, w *worker.Context) error {
	return f(c, w)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
}

// ErrRequestFinished 是处理链结束时请求上下文的取消原因。
var ErrRequestFinished = errors.New("request finished")

const (
	contextKeyWorker    = "_ipfsedge_worker"
	contextKeyRequestID = "_ipfsedge_request_id"
)

// NewApp builds a Fiber application that resolves the per-origin worker for
// every non-diagnostics request and hands it to the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		// 请求值会被后台缓存写入与重新验证继续引用。
		Immutable: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		w, _ := getWorkerFromContext(c)
		if w == nil {
			return renderWorkerUnavailable(c, opts.Logger, "", nil)
		}
		return opts.Proxy.Handle(c, w)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并按 scheme://host 查找（或注册）worker。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		// fasthttp 只在服务关停时关闭 RequestCtx；处理链结束时再取消一次，
		// 让仍挂在请求上的抓取随请求一起中止。
		ctx, cancel := context.WithCancelCause(c.RequestCtx())
		defer cancel(ErrRequestFinished)
		c.SetContext(ctx)

		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		if rawHost == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "host_required"})
		}
		origin := c.Scheme() + "://" + rawHost
		w, err := opts.Registry.Lookup(c.Context(), origin)
		if err != nil {
			return renderWorkerUnavailable(c, opts.Logger, origin, err)
		}

		c.Locals(contextKeyWorker, w)
		return c.Next()
	}
}

func renderWorkerUnavailable(c fiber.Ctx, logger *logrus.Logger, origin string, err error) error {
	entry := logger.WithFields(logrus.Fields{
		"action": "worker_lookup",
		"origin": origin,
	})
	if errors.Is(err, ErrOriginNotServed) {
		entry.Warn("origin_not_served")
		return c.Status(fiber.StatusMisdirectedRequest).JSON(fiber.Map{
			"error": "origin_not_served",
		})
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error("worker_unavailable")

	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "worker_unavailable",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getWorkerFromContext(c fiber.Ctx) (*worker.Context, bool) {
	if value := c.Locals(contextKeyWorker); value != nil {
		if w, ok := value.(*worker.Context); ok {
			return w, true
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
