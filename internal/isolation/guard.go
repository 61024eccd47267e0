// Package isolation decides whether a path-gateway content request must be
// redirected to its per-content subdomain origin before anything is served,
// so content from different roots never shares a browser origin.
package isolation

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/ipfspath"
)

// RedirectBody 是 301 隔离跳转的响应正文。
const RedirectBody = "Gateway supports subdomain mode, redirecting to ensure Origin isolation.."

// ProbeRetryInterval 是探测出错后按“不支持”处理的时长，到期后重新探测。
const ProbeRetryInterval = 30 * time.Second

// Prober 探测某个主机是否支持子域网关。
type Prober interface {
	Supported(ctx context.Context, scheme, host string) (bool, error)
}

// Guard 计算隔离跳转目标，并按主机缓存子域支持探测结果。
type Guard struct {
	mode    string
	prober  Prober
	timeout time.Duration
	logger  *logrus.Logger

	now     func() time.Time

	group     singleflight.Group
	mu        sync.RWMutex
	supported map[string]probeResult
}

// probeResult 记录一次探测结论；retryAt 为零表示结论长期有效。
type probeResult struct {
	supported bool
	retryAt   time.Time
}

// NewGuard 根据 auto/on/off 模式创建 Guard；auto 模式需要 prober。
func NewGuard(mode string, prober Prober, timeout time.Duration, logger *logrus.Logger) *Guard {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guard{
		mode:      strings.ToLower(mode),
		prober:    prober,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
		supported: make(map[string]probeResult),
	}
}

// IsolationRedirect 在路径网关请求可以迁移到子域 origin 时返回目标 URL，否则返回 nil。
func (g *Guard) IsolationRedirect(ctx context.Context, u *url.URL) *url.URL {
	if ipfspath.IsSubdomainRequest(u) {
		return nil
	}
	root, err := ipfspath.Classify(u)
	if err != nil {
		return nil
	}
	if !g.SubdomainSupported(ctx, u.Scheme, u.Host) {
		return nil
	}

	label, err := ipfspath.SubdomainLabel(root.Namespace, root.ID)
	if err != nil {
		g.log().WithFields(logrus.Fields{
			"action": "isolation_redirect",
			"url":    u.String(),
		}).WithError(err).Debug("isolation_label_failed")
		return nil
	}

	target := &url.URL{
		Scheme:   u.Scheme,
		Host:     label + "." + string(root.Namespace) + "." + u.Host,
		Path:     root.SubPath,
		RawQuery: u.RawQuery,
		Fragment: u.Fragment,
	}
	if target.Path == "" {
		target.Path = "/"
	}
	return target
}

// SubdomainSupported 返回主机是否支持子域网关；auto 模式下成功的探测按主机记住，
// 出错的探测只在 ProbeRetryInterval 内生效。
func (g *Guard) SubdomainSupported(ctx context.Context, scheme, host string) bool {
	switch g.mode {
	case config.IsolationOn:
		return true
	case config.IsolationOff:
		return false
	}
	if g.prober == nil {
		return false
	}

	key := strings.ToLower(scheme + "://" + host)
	g.mu.RLock()
	cached, known := g.supported[key]
	g.mu.RUnlock()
	if known && (cached.retryAt.IsZero() || g.now().Before(cached.retryAt)) {
		return cached.supported
	}

	result, _, _ := g.group.Do(key, func() (interface{}, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		supported, err := g.prober.Supported(probeCtx, scheme, host)
		result := probeResult{supported: supported}
		if err != nil {
			g.log().WithFields(logrus.Fields{
				"action": "subdomain_probe",
				"host":   host,
			}).WithError(err).Warn("subdomain_probe_failed")
			result = probeResult{retryAt: g.now().Add(ProbeRetryInterval)}
		}
		g.mu.Lock()
		g.supported[key] = result
		g.mu.Unlock()
		return result.supported, nil
	})
	return result.(bool)
}

func (g *Guard) log() logrus.FieldLogger {
	if g.logger == nil {
		return logrus.StandardLogger()
	}
	return g.logger
}

// HTTPProber 请求 <scheme>://bafkqaaa.ipfs.<host>/，2xx 即视为支持。
type HTTPProber struct {
	Client *http.Client
}

// Supported 实现 Prober。
func (p HTTPProber) Supported(ctx context.Context, scheme, host string) (bool, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://bafkqaaa.ipfs."+host+"/", nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
