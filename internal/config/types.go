package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 子域隔离探测模式。
const (
	IsolationAuto = "auto"
	IsolationOn   = "on"
	IsolationOff  = "off"
)

// GlobalConfig 描述进程级运行参数，所有 origin 的 worker 共享同一份。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	MaxMemoryCache      int64    `mapstructure:"MaxMemoryCacheSize"`
	MaxRetries          int      `mapstructure:"MaxRetries"`
	InitialBackoff      Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	OriginUpstream      string   `mapstructure:"OriginUpstream"`
	Domains             []string `mapstructure:"Domains"`
	SubdomainIsolation  string   `mapstructure:"SubdomainIsolation"`
	ProbeTimeout        Duration `mapstructure:"ProbeTimeout"`
	CrossOriginIsolated bool     `mapstructure:"CrossOriginIsolated"`
}

// ContentConfig 是内容获取相关的可热加载配置，对应 [Content] 段。
type ContentConfig struct {
	Gateways   []string `mapstructure:"Gateways" json:"gateways"`
	Routers    []string `mapstructure:"Routers" json:"routers"`
	AutoReload bool     `mapstructure:"AutoReload" json:"autoReload"`
	Debug      string   `mapstructure:"Debug" json:"debug"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Content ContentConfig `mapstructure:"Content"`
}

// DefaultDomains 是未配置 Domains 时接受的网关域名。
var DefaultDomains = []string{"localhost"}

// 默认的可信网关与委派路由。
var (
	DefaultGateways = []string{"https://trustless-gateway.link"}
	DefaultRouters  = []string{"https://delegated-ipfs.dev"}
)

// Clone 返回深拷贝，避免调用方修改共享切片。
func (c ContentConfig) Clone() ContentConfig {
	out := c
	out.Gateways = append([]string(nil), c.Gateways...)
	out.Routers = append([]string(nil), c.Routers...)
	return out
}
