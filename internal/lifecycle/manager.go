// Package lifecycle drives a worker registration through install, activation
// and deregistration. It persists the first-install timestamp that bounds a
// registration's lifetime, purges cache partitions from older versions on
// activation, and navigates controlled windows away when deregistering.
package lifecycle

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/cache"
	"github.com/any-hub/ipfs-edge/internal/channel"
	"github.com/any-hub/ipfs-edge/internal/ipfspath"
	"github.com/any-hub/ipfs-edge/internal/routing"
)

// State 是注册所处的阶段。
type State string

const (
	Installing    State = "installing"
	Activating    State = "activating"
	Active        State = "active"
	Deregistering State = "deregistering"
	Unregistered  State = "unregistered"
)

// Options 汇总 Manager 的依赖。
type Options struct {
	Origin    string
	WorkerID  string
	Records   RecordStore
	Clients   ClientNavigator
	Store     cache.Store
	Bus       *channel.Bus
	Warm      func(ctx context.Context) error
	OnMessage func(channel.Message)
	Logger    *logrus.Logger
	Now       func() time.Time
}

// Manager 管理单个 origin 的一次注册。
type Manager struct {
	origin    string
	workerID  string
	records   RecordStore
	clients   ClientNavigator
	store     cache.Store
	bus       *channel.Bus
	warm      func(ctx context.Context) error
	onMessage func(channel.Message)
	logger    *logrus.Logger
	now       func() time.Time

	mu          sync.Mutex
	state       State
	installTime time.Time
	unsubscribe func()
}

// NewManager 创建处于 installing 之前的 Manager。
func NewManager(opts Options) *Manager {
	m := &Manager{
		origin:    opts.Origin,
		workerID:  opts.WorkerID,
		records:   opts.Records,
		clients:   opts.Clients,
		store:     opts.Store,
		bus:       opts.Bus,
		warm:      opts.Warm,
		onMessage: opts.OnMessage,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	return m
}

// State 返回当前阶段。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Install 仅在不存在有效记录时写入首次安装时间；上一注册已注销时重新计时。
func (m *Manager) Install(ctx context.Context) error {
	m.setState(Installing)
	fields := m.fields("install")

	if m.records != nil {
		rec, ok, err := m.records.Load(ctx, m.origin)
		switch {
		case err != nil:
			m.logger.WithFields(fields).WithError(err).Warn("lifecycle_record_read_failed")
		case ok && !rec.Unregistered && rec.InstallTimestamp > 0:
			m.mu.Lock()
			m.installTime = time.UnixMilli(rec.InstallTimestamp)
			m.mu.Unlock()
			m.logger.WithFields(fields).Debug("install_timestamp_preserved")
			return nil
		}
	}

	now := m.now()
	m.mu.Lock()
	m.installTime = now
	m.mu.Unlock()

	if m.records == nil {
		return nil
	}
	if err := m.records.Save(ctx, m.origin, Record{InstallTimestamp: now.UnixMilli()}); err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("lifecycle_record_write_failed")
	}
	return nil
}

// Activate 预热抓取器、接管窗口、清理旧版本分区并订阅通道。
func (m *Manager) Activate(ctx context.Context) error {
	m.setState(Activating)
	fields := m.fields("activate")

	if m.warm != nil {
		if err := m.warm(ctx); err != nil {
			m.logger.WithFields(fields).WithError(err).Warn("fetcher_warm_failed")
		}
	}
	if m.clients != nil {
		m.clients.Claim(m.workerID)
	}
	if m.store != nil {
		removed, err := cache.Purge(ctx, m.store, m.origin)
		if err != nil {
			m.logger.WithFields(fields).WithError(err).Warn("cache_purge_failed")
		} else if len(removed) > 0 {
			m.logger.WithFields(fields).WithField("partitions", removed).Info("cache_partitions_purged")
		}
	}
	if m.bus != nil && m.onMessage != nil {
		unsubscribe := m.bus.OnMessageFrom(channel.Window, m.onMessage)
		m.mu.Lock()
		m.unsubscribe = unsubscribe
		m.mu.Unlock()
	}

	m.setState(Active)
	return nil
}

// InstallTime 返回首次安装时间；读取失败时返回 Unix 零点，使注册被视为过期。
func (m *Manager) InstallTime(ctx context.Context) time.Time {
	m.mu.Lock()
	installed := m.installTime
	m.mu.Unlock()
	if !installed.IsZero() {
		return installed
	}
	if m.records == nil {
		return time.Unix(0, 0)
	}

	rec, ok, err := m.records.Load(ctx, m.origin)
	if err != nil || !ok || rec.InstallTimestamp <= 0 {
		if err != nil {
			m.logger.WithFields(m.fields("install_time")).WithError(err).Warn("lifecycle_record_read_failed")
		}
		return time.Unix(0, 0)
	}
	installed = time.UnixMilli(rec.InstallTimestamp)
	m.mu.Lock()
	m.installTime = installed
	m.mu.Unlock()
	return installed
}

// TimebombExpired 判断注册是否超过存活上限。
func (m *Manager) TimebombExpired(ctx context.Context, now time.Time) bool {
	return routing.TimebombExpired(m.InstallTime(ctx), now)
}

// Deregister 注销当前注册并导航所有受控窗口；仅对子域请求生效。
// redirect 为 true 时窗口被带到配置页，否则原地重新加载。返回是否真正执行了注销。
func (m *Manager) Deregister(ctx context.Context, requestURL *url.URL, redirect bool) bool {
	fields := m.fields("deregister")
	if !ipfspath.IsSubdomainRequest(requestURL) {
		m.logger.WithFields(fields).Debug("deregister_suppressed_root_request")
		return false
	}

	m.mu.Lock()
	if m.state == Deregistering || m.state == Unregistered {
		m.mu.Unlock()
		return false
	}
	m.state = Deregistering
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	installed := m.installTime
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if m.records != nil {
		rec := Record{InstallTimestamp: installed.UnixMilli(), Unregistered: true}
		if err := m.records.Save(ctx, m.origin, rec); err != nil {
			m.logger.WithFields(fields).WithError(err).Warn("lifecycle_record_write_failed")
		}
	}

	if m.clients != nil {
		for _, client := range m.clients.MatchAll(m.workerID) {
			target := client.URL
			if redirect {
				target = routing.ConfigPageURL(client.URL)
			}
			if err := m.clients.Navigate(ctx, client.ID, target); err != nil {
				m.logger.WithFields(fields).WithField("client_id", client.ID).WithError(err).Warn("client_navigate_failed")
			}
		}
	}

	m.setState(Unregistered)
	m.logger.WithFields(fields).WithField("redirect", redirect).Info("worker_deregistered")
	return true
}

func (m *Manager) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"origin":    m.origin,
		"worker_id": m.workerID,
	}
}
