// Package worker models one activation of the edge worker for a single
// origin. A Context owns everything that lives exactly as long as that
// activation: the lifecycle manager, the content dispatcher, the cache
// writer and the group of background tasks started while serving requests.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/ipfs-edge/internal/cache"
	"github.com/any-hub/ipfs-edge/internal/channel"
	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/fetch"
	"github.com/any-hub/ipfs-edge/internal/lifecycle"
	"github.com/any-hub/ipfs-edge/internal/logging"
	"github.com/any-hub/ipfs-edge/internal/metrics"
)

// backgroundTimeout 限制单个后台任务（重新验证等）的耗时。
const backgroundTimeout = fetch.FetchTimeout

// Options 描述创建 worker 所需的依赖；Clients 与 Bus 由 origin 注册表提供，跨 worker 替换保留。
type Options struct {
	Origin              string
	Records             lifecycle.RecordStore
	Clients             *lifecycle.Clients
	Bus                 *channel.Bus
	Store               cache.Store
	ContentStore        config.ContentStore
	Factory             fetch.Factory
	FetchTimeout        time.Duration
	CrossOriginIsolated bool
	Metrics             *metrics.Metrics
	Logger              *logrus.Logger
	Now                 func() time.Time
}

// Context 是某个 origin 的一次激活。
type Context struct {
	ID     string
	Origin string

	Lifecycle  *lifecycle.Manager
	Dispatcher *fetch.Dispatcher
	Writer     *cache.Writer
	Store      cache.Store
	Bus        *channel.Bus
	Clients    *lifecycle.Clients
	Metrics    *metrics.Metrics

	crossOriginIsolated bool
	logger              *logrus.Logger

	group   singleflight.Group
	wg      sync.WaitGroup
	pending atomic.Int64
}

// New 组装 worker，但不执行 install/activate。
func New(opts Options) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &Context{
		ID:                  uuid.NewString(),
		Origin:              opts.Origin,
		Store:               opts.Store,
		Bus:                 opts.Bus,
		Clients:             opts.Clients,
		Metrics:             opts.Metrics,
		crossOriginIsolated: opts.CrossOriginIsolated,
		logger:              logger,
	}
	if opts.Store != nil {
		w.Writer = cache.NewWriter(opts.Store, logger)
	}
	w.Dispatcher = fetch.NewDispatcher(fetch.Options{
		Store:   opts.ContentStore,
		Factory: opts.Factory,
		Timeout: opts.FetchTimeout,
		Logger:  logger,
		Details: w.Details,
	})

	var clients lifecycle.ClientNavigator
	if opts.Clients != nil {
		clients = opts.Clients
	}
	w.Lifecycle = lifecycle.NewManager(lifecycle.Options{
		Origin:    opts.Origin,
		WorkerID:  w.ID,
		Records:   opts.Records,
		Clients:   clients,
		Store:     opts.Store,
		Bus:       opts.Bus,
		Warm:      w.Dispatcher.Warm,
		OnMessage: w.handleMessage,
		Logger:    logger,
		Now:       opts.Now,
	})
	return w
}

// Start 依次执行 install 与 activate。
func (w *Context) Start(ctx context.Context) error {
	if err := w.Lifecycle.Install(ctx); err != nil {
		return err
	}
	if err := w.Lifecycle.Activate(ctx); err != nil {
		return err
	}
	w.logger.WithFields(logging.WorkerFields(w.Origin, w.ID, string(w.Lifecycle.State()))).Info("worker_activated")
	return nil
}

// Active 判断该 worker 是否仍可服务请求。
func (w *Context) Active() bool {
	return w.Lifecycle.State() != lifecycle.Unregistered
}

// Details 生成诊断快照，用于错误页与 /-/workers。
func (w *Context) Details(ctx context.Context) fetch.Details {
	installed := w.Lifecycle.InstallTime(ctx)
	return fetch.Details{
		Config:              w.Dispatcher.Config(),
		CrossOriginIsolated: w.crossOriginIsolated,
		InstallTime:         installed.UTC().Format(time.RFC3339),
		Origin:              w.Origin,
		Scope:               w.Origin + "/",
		State:               string(w.Lifecycle.State()),
	}
}

// Logger 返回 worker 使用的 logger。
func (w *Context) Logger() *logrus.Logger {
	return w.logger
}

// Go 在后台执行 fn；fn 收到的 context 与请求解耦，并受 backgroundTimeout 约束。
func (w *Context) Go(fn func(ctx context.Context)) {
	w.wg.Add(1)
	w.pending.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.pending.Add(-1)
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Revalidate 在后台执行 fn；同一 key 上并发的重新验证合并为一次。
func (w *Context) Revalidate(key string, fn func(ctx context.Context) error) {
	w.Go(func(ctx context.Context) {
		_, err, shared := w.group.Do(key, func() (any, error) {
			return nil, fn(ctx)
		})
		if shared {
			return
		}
		result := "stored"
		if err != nil {
			result = "failed"
			w.logger.WithFields(logrus.Fields{
				"action":    "revalidate",
				"origin":    w.Origin,
				"cache_key": key,
			}).WithError(err).Warn("cache_revalidate_failed")
		}
		w.Metrics.ObserveRevalidation(result)
	})
}

// Idle 表示当前没有进行中的后台任务与缓存写入。
func (w *Context) Idle() bool {
	return w.pending.Load() == 0 && w.Writer.Pending() == 0
}

// Wait 等待所有后台任务与缓存写入完成。
func (w *Context) Wait() {
	w.wg.Wait()
	if w.Writer != nil {
		w.Writer.Wait()
	}
}

func (w *Context) handleMessage(msg channel.Message) {
	if msg.Target != "" && msg.Target != channel.ServiceWorker {
		return
	}
	fields := logrus.Fields{
		"action":         "channel_message",
		"origin":         w.Origin,
		"worker_id":      w.ID,
		"message_action": msg.Action,
	}
	switch msg.Action {
	case channel.ActionReloadConfig:
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		cfg, err := w.Dispatcher.Reload(ctx)
		if err != nil {
			w.logger.WithFields(fields).WithError(err).Error("config_reload_failed")
			return
		}
		w.Bus.PostMessage(channel.Message{
			Source:        channel.ServiceWorker,
			Target:        msg.Source,
			Action:        channel.ActionReloadConfigSuccess,
			CorrelationID: msg.CorrelationID,
			Data:          map[string]any{"config": cfg},
		})
		w.logger.WithFields(fields).Info("config_reloaded")
	default:
		w.logger.WithFields(fields).Debug("channel_message_ignored")
	}
}
