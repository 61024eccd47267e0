// Package fetch dispatches intercepted content requests to the verified
// content fetcher. Each dispatch merges the client's cancellation with a fixed
// deadline, classifies failures into 408/500 plain-text responses, and turns
// non-success upstream responses into diagnostic HTML pages.
package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/routing"
)

// FetchTimeout 是单次抓取的上限。
const FetchTimeout = 5 * time.Minute

var (
	// ErrFetchTimeout 是超时触发的取消原因。
	ErrFetchTimeout = errors.New("timeout")
	// ErrRequestAborted 是客户端断开触发的取消原因。
	ErrRequestAborted = errors.New("request signal aborted")
)

// Stopper 是可取消的定时器句柄。
type Stopper interface {
	Stop() bool
}

// AfterFunc 调度 fn 在 d 之后执行。
type AfterFunc func(d time.Duration, fn func()) Stopper

// Options 配置 Dispatcher。
type Options struct {
	Store     config.ContentStore
	Factory   Factory
	Timeout   time.Duration
	Logger    *logrus.Logger
	Details   func(ctx context.Context) Details
	AfterFunc AfterFunc
}

// Dispatcher 持有当前激活周期内唯一的 Fetcher。
type Dispatcher struct {
	store     config.ContentStore
	factory   Factory
	timeout   time.Duration
	logger    *logrus.Logger
	details   func(ctx context.Context) Details
	afterFunc AfterFunc

	mu       sync.Mutex
	fetcher  Fetcher
	snapshot config.ContentConfig
}

// NewDispatcher 创建 Dispatcher；Fetcher 在首次使用或 Warm 时才构建。
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		store:     opts.Store,
		factory:   opts.Factory,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		details:   opts.Details,
		afterFunc: opts.AfterFunc,
	}
	if d.timeout <= 0 {
		d.timeout = FetchTimeout
	}
	if d.afterFunc == nil {
		d.afterFunc = func(dur time.Duration, fn func()) Stopper { return time.AfterFunc(dur, fn) }
	}
	if d.logger == nil {
		d.logger = logrus.StandardLogger()
	}
	return d
}

// Warm 确保 Fetcher 已构建。
func (d *Dispatcher) Warm(ctx context.Context) error {
	_, err := d.current(ctx)
	return err
}

// Reload 重新读取内容配置并替换 Fetcher，返回新的配置快照。
func (d *Dispatcher) Reload(ctx context.Context) (config.ContentConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.buildLocked(ctx); err != nil {
		return config.ContentConfig{}, err
	}
	return d.snapshot.Clone(), nil
}

// Config 返回当前生效的内容配置快照。
func (d *Dispatcher) Config() config.ContentConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot.Clone()
}

func (d *Dispatcher) current(ctx context.Context) (Fetcher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fetcher == nil {
		if err := d.buildLocked(ctx); err != nil {
			return nil, err
		}
	}
	return d.fetcher, nil
}

func (d *Dispatcher) buildLocked(ctx context.Context) error {
	if d.store == nil || d.factory == nil {
		return errors.New("fetcher factory not configured")
	}
	cfg, err := d.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	fetcher, err := d.factory(ctx, cfg)
	if err != nil {
		return err
	}
	d.fetcher = fetcher
	d.snapshot = cfg.Clone()
	return nil
}

// Dispatch 抓取内容并总是返回一个响应；失败被转换为 408/500 或诊断页。
func (d *Dispatcher) Dispatch(ctx context.Context, req routing.Request) *http.Response {
	fetcher, err := d.current(ctx)
	if err != nil {
		return classifyFailure(err, nil)
	}

	fetchCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stopAbort := context.AfterFunc(ctx, func() { cancel(ErrRequestAborted) })
	timer := d.afterFunc(d.timeout, func() { cancel(ErrFetchTimeout) })
	release := func() {
		stopAbort()
		cancel(nil)
	}

	resp, err := fetcher.Fetch(fetchCtx, Request{
		URL:        req.URL,
		Method:     req.Method,
		Header:     req.Header,
		Redirect:   RedirectManual,
		OnProgress: d.progress(req),
	})
	timer.Stop()

	if err != nil {
		cause := context.Cause(fetchCtx)
		release()
		d.logger.WithFields(logrus.Fields{
			"action": "fetch",
			"url":    req.URL.String(),
		}).WithError(err).Warn("fetch_failed")
		return classifyFailure(err, cause)
	}

	// 客户端断开仍会中断正文传输，正文关闭后释放。
	resp.Body = &releaseOnClose{ReadCloser: resp.Body, release: release}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != "" {
		return resp
	}
	return ErrorPage(resp, d.diagnostics(ctx))
}

func (d *Dispatcher) diagnostics(ctx context.Context) Details {
	if d.details == nil {
		return Details{}
	}
	return d.details(ctx)
}

func (d *Dispatcher) progress(req routing.Request) func(ProgressEvent) {
	debug := d.Config().Debug != ""
	return func(evt ProgressEvent) {
		entry := d.logger.WithFields(logrus.Fields{
			"action": "fetch_progress",
			"event":  evt.Type,
			"detail": evt.Detail,
			"url":    req.URL.String(),
		})
		if debug {
			entry.Debug("fetch_progress")
			return
		}
		entry.Trace("fetch_progress")
	}
}

// classifyFailure 将抓取错误转换为 408（中止）或 500 纯文本响应。
func classifyFailure(err error, cause error) *http.Response {
	text := ErrorText(err)
	if cause != nil && !strings.Contains(text, "aborted") {
		text += "\noperation aborted: " + cause.Error()
	}
	if strings.Contains(text, "aborted") {
		return NewResponse(http.StatusRequestTimeout, "text/plain; charset=utf-8", "fetch aborted due to timeout: "+text)
	}
	return NewResponse(http.StatusInternalServerError, "text/plain; charset=utf-8", "fetch error: "+text)
}

// ErrorText 展开聚合错误，按换行拼接每个内部错误的文本。
func ErrorText(err error) string {
	var agg interface{ Unwrap() []error }
	if errors.As(err, &agg) {
		inner := agg.Unwrap()
		messages := make([]string, 0, len(inner))
		for _, e := range inner {
			if e != nil {
				messages = append(messages, e.Error())
			}
		}
		return strings.Join(messages, "\n")
	}
	return err.Error()
}

type releaseOnClose struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}
