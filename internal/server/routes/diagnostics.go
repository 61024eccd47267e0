package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/ipfs-edge/internal/metrics"
	"github.com/any-hub/ipfs-edge/internal/server"
	"github.com/any-hub/ipfs-edge/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/workers 与 /-/metrics 诊断接口。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.OriginRegistry, m *metrics.Metrics) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/workers", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"workers": encodeWorkers(c.Context(), registry.List()),
		})
	})

	if m != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(m.Handler()))
	}
}

type workerPayload struct {
	ID          string    `json:"id"`
	Origin      string    `json:"origin"`
	Scope       string    `json:"scope"`
	State       string    `json:"state"`
	InstallTime string    `json:"install_time"`
	Config      any       `json:"config"`
	Clients     []string  `json:"clients"`
	CheckedAt   time.Time `json:"checked_at"`
}

func encodeWorkers(ctx context.Context, workers []*worker.Context) []workerPayload {
	result := make([]workerPayload, 0, len(workers))
	now := time.Now().UTC()
	for _, w := range workers {
		details := w.Details(ctx)
		item := workerPayload{
			ID:          w.ID,
			Origin:      details.Origin,
			Scope:       details.Scope,
			State:       details.State,
			InstallTime: details.InstallTime,
			Config:      details.Config,
			Clients:     []string{},
			CheckedAt:   now,
		}
		if w.Clients != nil {
			for _, client := range w.Clients.MatchAll(w.ID) {
				item.Clients = append(item.Clients, client.ID)
			}
		}
		result = append(result, item)
	}
	return result
}
