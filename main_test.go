package main

import (
	"bytes"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/config"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("IPFS_EDGE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "ipfs-edge") {
		t.Fatalf("version 输出应包含 ipfs-edge 标识")
	}
}

func TestBuildAppServesDiagnostics(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFile(t, `
ListenPort = 5080
StoragePath = "`+filepath.Join(dir, "storage")+`"
SubdomainIsolation = "off"
Domains = ["edge.local"]

[Content]
Gateways = ["https://trustless-gateway.link"]
`)
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	bundle, err := buildApp(cfg, configPath, logger)
	if err != nil {
		t.Fatalf("组装服务失败: %v", err)
	}

	req := httptest.NewRequest("GET", "http://edge.local/-/workers", nil)
	req.Host = "edge.local"
	resp, err := bundle.app.Test(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("期望 200，得到 %d", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "http://bafkqaaa.ipfs.edge.local/", nil)
	req.Host = "bafkqaaa.ipfs.edge.local"
	resp, err = bundle.app.Test(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("空内容应直接返回 200，得到 %d", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "http://bafkqaaa.ipfs.elsewhere.test/", nil)
	req.Host = "bafkqaaa.ipfs.elsewhere.test"
	resp, err = bundle.app.Test(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != 421 {
		t.Fatalf("未配置的域名应返回 421，得到 %d", resp.StatusCode)
	}
	if n := len(bundle.registry.List()); n != 1 {
		t.Fatalf("未配置的域名不应注册 worker，当前 %d 个", n)
	}
	bundle.registry.Wait()
}
