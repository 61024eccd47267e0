package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/cache"
	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/fetch"
	"github.com/any-hub/ipfs-edge/internal/isolation"
	"github.com/any-hub/ipfs-edge/internal/lifecycle"
	"github.com/any-hub/ipfs-edge/internal/logging"
	"github.com/any-hub/ipfs-edge/internal/metrics"
	"github.com/any-hub/ipfs-edge/internal/proxy"
	"github.com/any-hub/ipfs-edge/internal/server"
	"github.com/any-hub/ipfs-edge/internal/server/routes"
	"github.com/any-hub/ipfs-edge/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["gateways"] = len(cfg.Content.Gateways)
		fields["subdomain_isolation"] = cfg.Global.SubdomainIsolation
		fields["origin_upstream"] = cfg.Global.OriginUpstream
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, err := buildApp(cfg, opts.configPath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["gateways"] = len(cfg.Content.Gateways)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["subdomain_isolation"] = cfg.Global.SubdomainIsolation
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("ipfs-edge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IPFS_EDGE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IPFS_EDGE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// appBundle 是组装完成的服务，测试可直接驱动 app 并等待后台任务。
type appBundle struct {
	app      *fiber.App
	registry *server.OriginRegistry
}

// buildApp 按“配置 → 磁盘缓存/注册记录 → 指标 → 隔离探测 → origin 注册表 → 代理 → Fiber”
// 的顺序组装服务，所有 origin 共享同一份缓存与指标实例。
func buildApp(cfg *config.Config, configPath string, logger *logrus.Logger) (*appBundle, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	records := lifecycle.NewFileRecordStore(cfg.Global.StoragePath)
	m := metrics.New()

	factory := fetch.NewGatewayFactory(fetch.GatewayOptions{
		MaxRetries:   cfg.Global.MaxRetries,
		RetryWaitMin: cfg.Global.InitialBackoff.DurationValue(),
		Transport:    server.NewTransport(),
		Logger:       logger,
	})
	registry, err := server.NewOriginRegistry(server.RegistryOptions{
		Domains:             cfg.Global.Domains,
		Records:             records,
		Store:               store,
		ContentStore:        config.NewFileContentStore(configPath),
		Factory:             factory,
		CrossOriginIsolated: cfg.Global.CrossOriginIsolated,
		Metrics:             m,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	upstreamClient := server.NewUpstreamClient(cfg)
	guard := isolation.NewGuard(
		cfg.Global.SubdomainIsolation,
		isolation.HTTPProber{Client: upstreamClient},
		cfg.Global.ProbeTimeout.DurationValue(),
		logger,
	)
	handler, err := proxy.NewHandler(proxy.Options{
		Client:             upstreamClient,
		OriginUpstream:     cfg.Global.OriginUpstream,
		Guard:              guard,
		MaxMemoryCacheSize: cfg.Global.MaxMemoryCache,
		Metrics:            m,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, m)
	routes.RegisterChannelRoutes(app, registry, logger)

	return &appBundle{app: app, registry: registry}, nil
}

func startHTTPServer(bundle *appBundle, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := bundle.app.Listen(fmt.Sprintf(":%d", port))
	bundle.registry.Wait()
	return err
}
