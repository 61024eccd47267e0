package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyContentDefaults(&cfg.Content)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// LoadContent 只解析 [Content] 段，供运行期重新加载使用。
func LoadContent(path string) (ContentConfig, error) {
	v, err := readConfig(path)
	if err != nil {
		return ContentConfig{}, err
	}

	var content ContentConfig
	if err := v.UnmarshalKey("Content", &content); err != nil {
		return ContentConfig{}, fmt.Errorf("解析 Content 配置失败: %w", err)
	}
	applyContentDefaults(&content)
	if err := content.Validate(); err != nil {
		return ContentConfig{}, err
	}
	return content, nil
}

func readConfig(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MaxMemoryCacheSize", 64*1024*1024)
	v.SetDefault("MaxRetries", 2)
	v.SetDefault("InitialBackoff", "500ms")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("OriginUpstream", "")
	v.SetDefault("Domains", DefaultDomains)
	v.SetDefault("SubdomainIsolation", IsolationAuto)
	v.SetDefault("ProbeTimeout", "5s")
	v.SetDefault("CrossOriginIsolated", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ProbeTimeout.DurationValue() == 0 {
		g.ProbeTimeout = Duration(5 * time.Second)
	}
	g.SubdomainIsolation = strings.ToLower(strings.TrimSpace(g.SubdomainIsolation))
	if g.SubdomainIsolation == "" {
		g.SubdomainIsolation = IsolationAuto
	}
	g.OriginUpstream = strings.TrimRight(strings.TrimSpace(g.OriginUpstream), "/")
	g.Domains = trimList(g.Domains)
	for i, d := range g.Domains {
		g.Domains[i] = strings.Trim(strings.ToLower(d), ".")
	}
	if len(g.Domains) == 0 {
		g.Domains = append([]string(nil), DefaultDomains...)
	}
}

func applyContentDefaults(c *ContentConfig) {
	c.Gateways = trimList(c.Gateways)
	c.Routers = trimList(c.Routers)
	if len(c.Gateways) == 0 {
		c.Gateways = append([]string(nil), DefaultGateways...)
	}
	if len(c.Routers) == 0 {
		c.Routers = append([]string(nil), DefaultRouters...)
	}
}

func trimList(values []string) []string {
	out := values[:0:0]
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
