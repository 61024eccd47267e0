package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxMemoryCache <= 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ProbeTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ProbeTimeout", "必须大于 0")
	}
	switch g.SubdomainIsolation {
	case IsolationAuto, IsolationOn, IsolationOff:
	default:
		return newFieldError("Global.SubdomainIsolation", "仅支持 auto/on/off")
	}
	for i, d := range g.Domains {
		if d == "" || strings.ContainsAny(d, ":/ ") {
			return newFieldError(indexedField("Global.Domains", i), "必须是不带端口与协议的域名")
		}
	}
	if g.OriginUpstream != "" {
		if err := validateHTTPURL(g.OriginUpstream); err != nil {
			return fmt.Errorf("Global.OriginUpstream: %w", err)
		}
	}

	return c.Content.Validate()
}

// Validate 校验网关与路由列表均为合法的 http/https 地址。
func (c ContentConfig) Validate() error {
	for i, raw := range c.Gateways {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s: %w", indexedField("Content.Gateways", i), err)
		}
	}
	for i, raw := range c.Routers {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s: %w", indexedField("Content.Routers", i), err)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
