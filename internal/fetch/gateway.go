package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/ipfspath"
)

// forwardedHeaders 是转发给网关的请求头。
var forwardedHeaders = []string{"Accept", "Range", "If-None-Match", "If-Modified-Since"}

// GatewayOptions 配置网关抓取的重试与传输层。
type GatewayOptions struct {
	MaxRetries   int
	RetryWaitMin time.Duration
	Transport    http.RoundTripper
	Logger       *logrus.Logger
}

// GatewayFetcher 依次尝试配置的网关，全部失败时返回聚合错误。
type GatewayFetcher struct {
	gateways []*url.URL
	client   *retryablehttp.Client
}

// NewGatewayFactory 返回基于网关列表构建 Fetcher 的 Factory。
func NewGatewayFactory(opts GatewayOptions) Factory {
	return func(_ context.Context, cfg config.ContentConfig) (Fetcher, error) {
		return NewGatewayFetcher(cfg.Gateways, opts)
	}
}

// NewGatewayFetcher 解析网关地址并构建带重试的 HTTP 客户端。
func NewGatewayFetcher(gateways []string, opts GatewayOptions) (*GatewayFetcher, error) {
	if len(gateways) == 0 {
		return nil, errors.New("no gateways configured")
	}
	parsed := make([]*url.URL, 0, len(gateways))
	for _, raw := range gateways {
		u, err := url.Parse(strings.TrimRight(raw, "/"))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid gateway %q", raw)
		}
		parsed = append(parsed, u)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	waitMin := opts.RetryWaitMin
	if waitMin <= 0 {
		waitMin = 500 * time.Millisecond
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.MaxRetries
	client.RetryWaitMin = waitMin
	client.RetryWaitMax = 8 * waitMin
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient = &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if opts.Logger != nil {
		client.Logger = leveledLogger{entry: opts.Logger.WithField("action", "gateway_fetch")}
	} else {
		client.Logger = nil
	}

	return &GatewayFetcher{gateways: parsed, client: client}, nil
}

// Fetch 实现 Fetcher。网关 5xx 与传输错误会切换到下一个网关。
func (f *GatewayFetcher) Fetch(ctx context.Context, req Request) (*http.Response, error) {
	root, err := ipfspath.Classify(req.URL)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var errs []error
	for _, gw := range f.gateways {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: operation aborted: %w", gw.Host, context.Cause(ctx)))
			break
		}
		target := gw.String() + root.GatewayPath()
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		if req.OnProgress != nil {
			req.OnProgress(ProgressEvent{Type: "gateway:request", Detail: target})
		}

		outbound, err := retryablehttp.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", gw.Host, err))
			continue
		}
		for _, name := range forwardedHeaders {
			if value := req.Header.Get(name); value != "" {
				outbound.Header.Set(name, value)
			}
		}

		resp, err := f.client.Do(outbound)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", gw.Host, err))
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()
			errs = append(errs, fmt.Errorf("%s: gateway responded %d", gw.Host, resp.StatusCode))
			continue
		}
		if req.OnProgress != nil {
			req.OnProgress(ProgressEvent{Type: "gateway:response", Detail: fmt.Sprintf("%s %d", gw.Host, resp.StatusCode)})
		}
		return resp, nil
	}
	return nil, errors.Join(errs...)
}

// leveledLogger 将 retryablehttp 的日志转发到 logrus。
type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Trace(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l leveledLogger) with(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}
