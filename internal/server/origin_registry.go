package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/ipfs-edge/internal/cache"
	"github.com/any-hub/ipfs-edge/internal/channel"
	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/fetch"
	"github.com/any-hub/ipfs-edge/internal/ipfspath"
	"github.com/any-hub/ipfs-edge/internal/lifecycle"
	"github.com/any-hub/ipfs-edge/internal/metrics"
	"github.com/any-hub/ipfs-edge/internal/worker"
)

// ErrOriginNotServed 表示 Host 既不是网关域名，也不是其 <id>.ipfs|ipns 子域。
var ErrOriginNotServed = errors.New("origin not served by this gateway")

// RegistryOptions 汇总所有 origin 共享的依赖。
type RegistryOptions struct {
	// Domains 是网关域名；为空时接受任意 Host。
	Domains             []string
	Records             lifecycle.RecordStore
	Store               cache.Store
	ContentStore        config.ContentStore
	Factory             fetch.Factory
	FetchTimeout        time.Duration
	CrossOriginIsolated bool
	Metrics             *metrics.Metrics
	Logger              *logrus.Logger
	Now                 func() time.Time
}

// OriginRegistry 按 origin 维护 worker；首次访问时注册，注销后在下一次访问时重建。
type OriginRegistry struct {
	opts  RegistryOptions
	group singleflight.Group

	mu      sync.Mutex
	origins map[string]*originEntry
	retired []*worker.Context
}

// originEntry 保存跨 worker 替换保留的状态：窗口集合与通道。
type originEntry struct {
	bus     *channel.Bus
	clients *lifecycle.Clients
	worker  *worker.Context
}

// NewOriginRegistry 创建空注册表。
func NewOriginRegistry(opts RegistryOptions) (*OriginRegistry, error) {
	if opts.ContentStore == nil {
		return nil, errors.New("content config store is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("fetcher factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	domains := make([]string, 0, len(opts.Domains))
	for _, d := range opts.Domains {
		if d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), "."); d != "" {
			domains = append(domains, d)
		}
	}
	opts.Domains = domains
	return &OriginRegistry{
		opts:    opts,
		origins: make(map[string]*originEntry),
	}, nil
}

// Lookup 返回 origin 当前的活跃 worker，必要时创建并完成 install/activate。
func (r *OriginRegistry) Lookup(ctx context.Context, origin string) (*worker.Context, error) {
	key, err := NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}
	if !r.serves(key) {
		return nil, fmt.Errorf("%w: %s", ErrOriginNotServed, key)
	}
	if w := r.Peek(key); w != nil && w.Active() {
		return w, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if w := r.Peek(key); w != nil && w.Active() {
			return w, nil
		}
		return r.register(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*worker.Context), nil
}

func (r *OriginRegistry) register(ctx context.Context, origin string) (*worker.Context, error) {
	r.mu.Lock()
	entry, ok := r.origins[origin]
	if !ok {
		bus := channel.NewBus(r.opts.Logger)
		entry = &originEntry{bus: bus, clients: lifecycle.NewClients(bus)}
		r.origins[origin] = entry
	}
	r.mu.Unlock()

	w := worker.New(worker.Options{
		Origin:              origin,
		Records:             r.opts.Records,
		Clients:             entry.clients,
		Bus:                 entry.bus,
		Store:               r.opts.Store,
		ContentStore:        r.opts.ContentStore,
		Factory:             r.opts.Factory,
		FetchTimeout:        r.opts.FetchTimeout,
		CrossOriginIsolated: r.opts.CrossOriginIsolated,
		Metrics:             r.opts.Metrics,
		Logger:              r.opts.Logger,
		Now:                 r.opts.Now,
	})
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("start worker for %s: %w", origin, err)
	}

	r.mu.Lock()
	if entry.worker != nil {
		r.retired = append(r.retired, entry.worker)
	}
	r.pruneRetiredLocked()
	entry.worker = w
	active := r.activeLocked()
	r.mu.Unlock()

	r.opts.Metrics.SetWorkers(active)
	return w, nil
}

func (r *OriginRegistry) activeLocked() int {
	n := 0
	for _, entry := range r.origins {
		if entry.worker != nil && entry.worker.Active() {
			n++
		}
	}
	return n
}

// Peek 返回 origin 最近一次注册的 worker（可能已注销），不会触发注册。
func (r *OriginRegistry) Peek(origin string) *worker.Context {
	key, err := NormalizeOrigin(origin)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.origins[key]; ok {
		return entry.worker
	}
	return nil
}

// Bus 返回 origin 的通道；origin 尚未出现过时返回 nil。
func (r *OriginRegistry) Bus(origin string) *channel.Bus {
	key, err := NormalizeOrigin(origin)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.origins[key]; ok {
		return entry.bus
	}
	return nil
}

// List 按 origin 排序返回所有 worker。
func (r *OriginRegistry) List() []*worker.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*worker.Context, 0, len(r.origins))
	for _, entry := range r.origins {
		if entry.worker != nil {
			result = append(result, entry.worker)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Origin < result[j].Origin })
	return result
}

// Wait 等待所有 worker（包括已被替换的）上的后台任务完成。
func (r *OriginRegistry) Wait() {
	r.mu.Lock()
	workers := append([]*worker.Context(nil), r.retired...)
	for _, entry := range r.origins {
		if entry.worker != nil {
			workers = append(workers, entry.worker)
		}
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.Wait()
	}

	r.mu.Lock()
	r.pruneRetiredLocked()
	r.mu.Unlock()
}

// pruneRetiredLocked 丢弃后台任务已全部结束的旧 worker。
func (r *OriginRegistry) pruneRetiredLocked() {
	kept := r.retired[:0]
	for _, w := range r.retired {
		if !w.Idle() {
			kept = append(kept, w)
		}
	}
	clear(r.retired[len(kept):])
	r.retired = kept
}

// serves 判断规范化后的 origin 是否属于配置的网关域名。
func (r *OriginRegistry) serves(origin string) bool {
	if len(r.opts.Domains) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	parent := host
	if parts, ok := ipfspath.ParseSubdomain(host); ok {
		parent = parts.ParentDomain
	}
	for _, domain := range r.opts.Domains {
		if parent == domain {
			return true
		}
	}
	return false
}

// NormalizeOrigin 将 scheme://host[:port] 规范化为小写、去除默认端口与尾部点号的形式。
func NormalizeOrigin(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", origin)
	}
	scheme := strings.ToLower(u.Scheme)
	host, port := normalizeHost(u.Host)
	if host == "" {
		return "", fmt.Errorf("invalid origin %q", origin)
	}
	if port == 0 || (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return scheme + "://" + host, nil
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
