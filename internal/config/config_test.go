package config

import (
	"context"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5080 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("UpstreamTimeout 应该自动填充默认值")
	}
	if cfg.Global.SubdomainIsolation != IsolationOn {
		t.Fatalf("SubdomainIsolation 应为 on, got %s", cfg.Global.SubdomainIsolation)
	}
	if len(cfg.Content.Gateways) != 2 {
		t.Fatalf("Content.Gateways 应包含两个网关: %v", cfg.Content.Gateways)
	}
	if len(cfg.Content.Routers) != 1 || cfg.Content.Routers[0] != DefaultRouters[0] {
		t.Fatalf("Routers 未配置时应回退默认值: %v", cfg.Content.Routers)
	}
	if len(cfg.Global.Domains) != 2 || cfg.Global.Domains[0] != "edge.example" {
		t.Fatalf("Domains 应被规范为小写且去掉末尾点: %v", cfg.Global.Domains)
	}
}

func TestValidateRejectsDomainWithPort(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Domains = []string{"localhost:8080"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("带端口的 Domains 应当报错")
	}
}

func TestValidateRejectsBadGlobal(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestSubdomainIsolationValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mode      string
		shouldErr bool
	}{
		{"auto ok", IsolationAuto, false},
		{"on ok", IsolationOn, false},
		{"off ok", IsolationOff, false},
		{"unsupported", "sometimes", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.SubdomainIsolation = tc.mode
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for mode %q", tc.mode)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for mode %q: %v", tc.mode, err)
			}
		})
	}
}

func TestValidateRejectsNonHTTPGateway(t *testing.T) {
	cfg := validConfig()
	cfg.Content.Gateways = []string{"ftp://gateway.example"}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("非 http 网关应报错")
	}
}

func TestStaticContentStoreAppliesDefaults(t *testing.T) {
	store := NewStaticContentStore(ContentConfig{})
	cfg, err := store.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig error: %v", err)
	}
	if len(cfg.Gateways) != 1 || cfg.Gateways[0] != DefaultGateways[0] {
		t.Fatalf("默认网关缺失: %v", cfg.Gateways)
	}

	cfg.Gateways[0] = "mutated"
	again, _ := store.GetConfig(context.Background())
	if again.Gateways[0] == "mutated" {
		t.Fatalf("GetConfig 应返回拷贝")
	}
}

func TestFileContentStoreRereadsFile(t *testing.T) {
	path := writeTempConfig(t, `
[Content]
Gateways = ["https://gw-a.example"]
`)
	store := NewFileContentStore(path)
	cfg, err := store.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig error: %v", err)
	}
	if cfg.Gateways[0] != "https://gw-a.example" {
		t.Fatalf("unexpected gateways: %v", cfg.Gateways)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			StoragePath:        "./data",
			MaxMemoryCache:     1,
			MaxRetries:         1,
			InitialBackoff:     Duration(time.Second),
			UpstreamTimeout:    Duration(time.Second),
			ProbeTimeout:       Duration(time.Second),
			SubdomainIsolation: IsolationAuto,
		},
		Content: ContentConfig{
			Gateways: []string{"https://trustless-gateway.link"},
			Routers:  []string{"https://delegated-ipfs.dev"},
		},
	}
}
