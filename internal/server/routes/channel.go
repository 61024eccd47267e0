package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/channel"
	"github.com/any-hub/ipfs-edge/internal/lifecycle"
	"github.com/any-hub/ipfs-edge/internal/server"
	"github.com/any-hub/ipfs-edge/internal/worker"
)

const (
	defaultChannelWait = 25 * time.Second
	maxChannelWait     = 60 * time.Second
)

// RegisterChannelRoutes 把每个 origin 的通道暴露给窗口：POST 发送、GET 长轮询。
func RegisterChannelRoutes(app *fiber.App, registry *server.OriginRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Post("/-/channel", func(c fiber.Ctx) error {
		var msg channel.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if strings.TrimSpace(msg.Action) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "action_required"})
		}
		msg.Source = channel.Window
		if msg.Target == "" {
			msg.Target = channel.ServiceWorker
		}

		w, err := channelWorker(c, registry)
		if err != nil {
			logger.WithFields(logrus.Fields{"action": "channel_post", "host": c.Get(fiber.HeaderHost)}).WithError(err).Warn("channel_rejected")
			return renderChannelError(c, err)
		}

		if msg.CorrelationID == "" {
			w.Bus.PostMessage(msg)
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "posted"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), waitDuration(c.Query("wait")))
		defer cancel()
		reply, err := w.Bus.MessageAndWaitForResponse(ctx, msg)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "channel_timeout"})
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "channel_closed"})
		}
		return c.JSON(reply)
	})

	app.Get("/-/channel", func(c fiber.Ctx) error {
		clientID := strings.TrimSpace(c.Query("client"))
		if clientID == "" {
			clientID = c.Cookies(lifecycle.ClientCookie)
		}

		w, err := channelWorker(c, registry)
		if err != nil {
			return renderChannelError(c, err)
		}

		messages, cancel := w.Bus.Subscribe(func(m channel.Message) bool {
			return m.Target == channel.Window && addressedTo(m, clientID)
		})
		defer cancel()

		ctx, stop := context.WithTimeout(c.Context(), waitDuration(c.Query("wait")))
		defer stop()
		select {
		case msg := <-messages:
			return c.JSON(msg)
		case <-ctx.Done():
			return c.SendStatus(fiber.StatusNoContent)
		}
	})
}

// addressedTo 判断消息是否发给指定窗口；未携带 clientId 的消息视为广播。
func addressedTo(msg channel.Message, clientID string) bool {
	if clientID == "" {
		return true
	}
	switch data := msg.Data.(type) {
	case map[string]string:
		if id, ok := data["clientId"]; ok {
			return id == clientID
		}
	case map[string]any:
		if id, ok := data["clientId"].(string); ok {
			return id == clientID
		}
	}
	return true
}

func waitDuration(raw string) time.Duration {
	wait, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || wait <= 0 {
		return defaultChannelWait
	}
	if wait > maxChannelWait {
		return maxChannelWait
	}
	return wait
}

// errCrossOrigin 表示 Origin 头与 Host 指向不同的 origin。
var errCrossOrigin = errors.New("origin header does not match host")

// channelWorker 只按 Host 确定通道所属 origin；浏览器带上的 Origin 头必须指向同一主机，
// 一个 origin 的页面不能读写其他 origin 的通道。
func channelWorker(c fiber.Ctx, registry *server.OriginRegistry) (*worker.Context, error) {
	host := string(c.Request().Header.Peek(fiber.HeaderHost))
	if host == "" {
		host = c.Hostname()
	}
	origin, err := server.NormalizeOrigin(c.Scheme() + "://" + host)
	if err != nil {
		return nil, err
	}
	if claimed := strings.TrimSpace(c.Get(fiber.HeaderOrigin)); claimed != "" {
		if !sameHost(claimed, origin) {
			return nil, fmt.Errorf("%w: %s", errCrossOrigin, claimed)
		}
	}
	return registry.Lookup(c.Context(), origin)
}

// sameHost 只比较主机名，TLS 在前置代理终止时 scheme 可能与 Origin 头不同。
func sameHost(claimed, origin string) bool {
	normalized, err := server.NormalizeOrigin(claimed)
	if err != nil {
		return false
	}
	a, errA := url.Parse(normalized)
	b, errB := url.Parse(origin)
	return errA == nil && errB == nil && a.Hostname() == b.Hostname()
}

func renderChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, errCrossOrigin):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "cross_origin"})
	case errors.Is(err, server.ErrOriginNotServed):
		return c.Status(fiber.StatusMisdirectedRequest).JSON(fiber.Map{"error": "origin_not_served"})
	default:
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
	}
}
