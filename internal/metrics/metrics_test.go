package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecordLabels(t *testing.T) {
	m := New()
	m.ObserveDecision("intercept", "content")
	m.ObserveDecision("intercept", "content")
	m.ObserveCache("immutable", "hit")
	m.ObserveFetch(200, 150*time.Millisecond)
	m.ObserveRevalidation("stored")
	m.ObserveDeregistration("timebomb")
	m.SetWorkers(3)

	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("intercept", "content")); got != 2 {
		t.Fatalf("expected 2 decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("immutable", "hit")); got != 1 {
		t.Fatalf("expected 1 cache hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.FetchResponses.WithLabelValues("200")); got != 1 {
		t.Fatalf("expected 1 fetch, got %v", got)
	}
	if got := testutil.ToFloat64(m.WorkersActive); got != 3 {
		t.Fatalf("expected 3 workers, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("passthrough", "config_page")
	m.ObserveCache("mutable", "miss")
	m.ObserveFetch(500, time.Second)
	m.ObserveRevalidation("failed")
	m.ObserveDeregistration("explicit")
	m.SetWorkers(1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.ObserveDecision("short_circuit", "empty_content")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), `ipfs_edge_route_decisions_total{kind="short_circuit",reason="empty_content"} 1`) {
		t.Fatalf("metrics output missing decision counter:\n%s", body)
	}
}
