package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/ipfs-edge/internal/server"
	"github.com/any-hub/ipfs-edge/internal/worker"
)

func TestForwarderMissingHandler(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(nil, logger)
	if err := forwarder.Handle(ctx, worker.New(worker.Options{Origin: "http://edge.local", Logger: logger})); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing handler, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_missing") {
		t.Fatalf("expected error body to mention handler_missing, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "handler_missing") {
		t.Fatalf("expected log to mention handler_missing, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(server.ProxyHandlerFunc(func(fiber.Ctx, *worker.Context) error {
		panic("boom")
	}), logger)

	w := worker.New(worker.Options{Origin: "http://bafy.ipfs.edge.local", Logger: logger})
	if err := forwarder.Handle(ctx, w); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_panic") {
		t.Fatalf("expected body to mention handler_panic, got %s", body)
	}
	logs := logBuf.String()
	if !strings.Contains(logs, "panic: boom") || !strings.Contains(logs, "http://bafy.ipfs.edge.local") {
		t.Fatalf("expected panic log with origin, got %s", logs)
	}
}

func TestForwarderDelegates(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)

	called := false
	forwarder := NewForwarder(server.ProxyHandlerFunc(func(c fiber.Ctx, _ *worker.Context) error {
		called = true
		return c.SendStatus(fiber.StatusNoContent)
	}), logrus.New())

	if err := forwarder.Handle(ctx, worker.New(worker.Options{Origin: "http://edge.local"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || ctx.Response().StatusCode() != fiber.StatusNoContent {
		t.Fatalf("expected delegated handler to run")
	}
}
