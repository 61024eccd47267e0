package integration

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/cache"
	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/fetch"
	"github.com/any-hub/ipfs-edge/internal/isolation"
	"github.com/any-hub/ipfs-edge/internal/lifecycle"
	"github.com/any-hub/ipfs-edge/internal/metrics"
	"github.com/any-hub/ipfs-edge/internal/proxy"
	"github.com/any-hub/ipfs-edge/internal/server"
	"github.com/any-hub/ipfs-edge/internal/server/routes"
)

const (
	testCID       = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	subdomainHost = testCID + ".ipfs.edge.local"
	mutableHost   = "docs-example-org.ipns.edge.local"
	rootHost      = "edge.local"
)

type edgeEnv struct {
	app        *fiber.App
	registry   *server.OriginRegistry
	store      cache.Store
	configPath string
	storage    string
}

type edgeOptions struct {
	gateways  []string
	origin    string
	isolation string
	now       func() time.Time
}

// newEdgeEnv 按 main 的装配顺序构建完整服务，内容配置从临时 TOML 文件读取。
func newEdgeEnv(t *testing.T, opts edgeOptions) *edgeEnv {
	t.Helper()
	if opts.isolation == "" {
		opts.isolation = config.IsolationOff
	}

	storage := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeEdgeConfig(t, configPath, storage, opts)

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	m := metrics.New()
	registry, err := server.NewOriginRegistry(server.RegistryOptions{
		Domains:      cfg.Global.Domains,
		Records:      lifecycle.NewFileRecordStore(cfg.Global.StoragePath),
		Store:        store,
		ContentStore: config.NewFileContentStore(configPath),
		Factory: fetch.NewGatewayFactory(fetch.GatewayOptions{
			MaxRetries:   cfg.Global.MaxRetries,
			RetryWaitMin: cfg.Global.InitialBackoff.DurationValue(),
			Transport:    server.NewTransport(),
			Logger:       logger,
		}),
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Client:             server.NewUpstreamClient(cfg),
		OriginUpstream:     cfg.Global.OriginUpstream,
		Guard:              isolation.NewGuard(cfg.Global.SubdomainIsolation, nil, time.Second, logger),
		MaxMemoryCacheSize: cfg.Global.MaxMemoryCache,
		Metrics:            m,
		Logger:             logger,
		Now:                opts.now,
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnosticsRoutes(app, registry, m)
	routes.RegisterChannelRoutes(app, registry, logger)

	return &edgeEnv{app: app, registry: registry, store: store, configPath: configPath, storage: storage}
}

func writeEdgeConfig(t *testing.T, path, storage string, opts edgeOptions) {
	t.Helper()
	quoted := make([]string, 0, len(opts.gateways))
	for _, gw := range opts.gateways {
		quoted = append(quoted, fmt.Sprintf("%q", gw))
	}
	content := fmt.Sprintf(`
ListenPort = 5080
LogLevel = "info"
StoragePath = %q
MaxRetries = 0
InitialBackoff = "10ms"
OriginUpstream = %q
SubdomainIsolation = %q
Domains = ["edge.local"]

[Content]
Gateways = [%s]
`, storage, opts.origin, opts.isolation, strings.Join(quoted, ", "))
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (e *edgeEnv) do(t *testing.T, method, host, path string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+path, nil)
	req.Host = host
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	e.registry.Wait()
	return resp, string(body)
}
