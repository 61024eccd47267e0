// Package metrics exposes Prometheus counters for routing decisions, cache
// lookups, content fetches and worker lifecycle events. Each Metrics owns its
// own registry so tests and multiple servers never collide on registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipfs_edge"

// Metrics 汇总服务暴露的所有指标；nil 接收者上的方法均为空操作。
type Metrics struct {
	registry *prometheus.Registry

	Decisions       *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	FetchResponses  *prometheus.CounterVec
	FetchDuration   prometheus.Histogram
	Revalidations   *prometheus.CounterVec
	Deregistrations *prometheus.CounterVec
	WorkersActive   prometheus.Gauge
}

// New 在独立 registry 上注册全部指标，并附带 Go 运行时与进程指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_decisions_total",
				Help:      "Routing decisions by kind and reason",
			},
			[]string{"kind", "reason"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by partition and result",
			},
			[]string{"partition", "result"},
		),
		FetchResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_responses_total",
				Help:      "Dispatched content fetches by response status",
			},
			[]string{"status"},
		),
		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time until the content fetcher returned response headers",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
		Revalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revalidations_total",
				Help:      "Background revalidations of mutable cache entries",
			},
			[]string{"result"},
		),
		Deregistrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deregistrations_total",
				Help:      "Worker deregistrations by trigger",
			},
			[]string{"reason"},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of origins with an active worker",
			},
		),
	}
}

// Registry 返回底层 registry，供测试读取。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDecision(kind, reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(kind, reason).Inc()
}

// ObserveCache 记录一次缓存查询，result 取 hit/miss/stale/bypass。
func (m *Metrics) ObserveCache(partition, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(partition, result).Inc()
}

func (m *Metrics) ObserveFetch(status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FetchResponses.WithLabelValues(strconv.Itoa(status)).Inc()
	m.FetchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRevalidation(result string) {
	if m == nil {
		return
	}
	m.Revalidations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDeregistration(reason string) {
	if m == nil {
		return
	}
	m.Deregistrations.WithLabelValues(reason).Inc()
}

// SetWorkers 更新活跃 worker 数量。
func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.WorkersActive.Set(float64(n))
}
