package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/ipfs-edge/internal/channel"
	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/isolation"
	"github.com/any-hub/ipfs-edge/internal/lifecycle"
	"github.com/any-hub/ipfs-edge/internal/routing"
)

func TestIsolationRedirectLeavesCacheEmpty(t *testing.T) {
	gw := newGatewayStub(t)
	defer gw.Close()
	env := newEdgeEnv(t, edgeOptions{gateways: []string{gw.URL}, isolation: config.IsolationOn})

	resp, body := env.do(t, http.MethodGet, rootHost, "/ipfs/"+testCID+"/index.html", nil)
	if resp.StatusCode != http.StatusMovedPermanently || body != isolation.RedirectBody {
		t.Fatalf("expected isolation redirect, got %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Location"); got != "http://"+subdomainHost+"/index.html" {
		t.Fatalf("unexpected location %s", got)
	}
	if n := len(gw.Requests()); n != 0 {
		t.Fatalf("redirect must not reach the gateway, saw %d", n)
	}
	partitions, err := env.store.Partitions(context.Background(), "http://"+rootHost)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	for _, p := range partitions {
		if strings.Contains(p, "cache") {
			t.Fatalf("redirect must not populate cache, found %s", p)
		}
	}
}

func TestEmptyDirectoryCIDNeverReachesGateway(t *testing.T) {
	gw := newGatewayStub(t)
	defer gw.Close()
	env := newEdgeEnv(t, edgeOptions{gateways: []string{gw.URL}})

	resp, body := env.do(t, http.MethodGet, "bafkqaaa.ipfs.edge.local", "/", nil)
	if resp.StatusCode != http.StatusOK || body != "" {
		t.Fatalf("expected empty 200, got %d %q", resp.StatusCode, body)
	}
	if n := len(gw.Requests()); n != 0 {
		t.Fatalf("empty cid must short circuit, gateway saw %d", n)
	}
}

func TestTimebombPassesThroughToOrigin(t *testing.T) {
	gw := newGatewayStub(t)
	defer gw.Close()
	var originHits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&originHits, 1)
		io.WriteString(w, "origin says hi")
	}))
	defer origin.Close()

	env := newEdgeEnv(t, edgeOptions{
		gateways: []string{gw.URL},
		origin:   origin.URL,
		now:      func() time.Time { return time.Now().Add(routing.TimebombTTL + time.Hour) },
	})
	w, err := env.registry.Lookup(context.Background(), "http://"+subdomainHost)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	w.Clients.Touch("tab-1", "http://"+subdomainHost+"/", w.ID)

	resp, body := env.do(t, http.MethodGet, subdomainHost, "/page.txt", nil)
	if resp.StatusCode != http.StatusOK || body != "origin says hi" {
		t.Fatalf("expected origin passthrough, got %d %q", resp.StatusCode, body)
	}
	if w.Lifecycle.State() != lifecycle.Unregistered {
		t.Fatalf("expired worker should unregister, state %s", w.Lifecycle.State())
	}
	if len(gw.Requests()) != 0 || atomic.LoadInt32(&originHits) != 1 {
		t.Fatalf("timebomb request must go to origin only")
	}
	clients := w.Clients.MatchAll(w.ID)
	if len(clients) != 1 || clients[0].URL != "http://"+subdomainHost+"/" {
		t.Fatalf("timebomb should reload clients in place, got %+v", clients)
	}
}

func TestExplicitDeregisterRebuildsWorker(t *testing.T) {
	gw := newGatewayStub(t)
	defer gw.Close()
	env := newEdgeEnv(t, edgeOptions{gateways: []string{gw.URL}})

	env.do(t, http.MethodGet, subdomainHost, "/a.txt", nil)
	before := env.registry.Peek("http://" + subdomainHost)
	if before == nil {
		t.Fatalf("worker should be registered after first request")
	}

	resp, _ := env.do(t, http.MethodGet, subdomainHost, "/ipfs-sw-deregister", nil)
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", resp.StatusCode)
	}
	if before.Active() {
		t.Fatalf("deregistered worker must not stay active")
	}

	resp, _ = env.do(t, http.MethodGet, subdomainHost, "/a.txt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected fresh worker to serve content, got %d", resp.StatusCode)
	}
	after := env.registry.Peek("http://" + subdomainHost)
	if after == nil || after.ID == before.ID {
		t.Fatalf("expected a rebuilt worker")
	}
	if got := resp.Header.Get("X-Ipfs-Edge-Cache"); got != "hit" {
		t.Fatalf("current partitions survive re-activation, got %s", got)
	}
	if n := len(gw.Requests()); n != 1 {
		t.Fatalf("rebuilt worker should reuse cached content, gateway saw %d", n)
	}
}

func TestReloadConfigSwitchesGateways(t *testing.T) {
	first := newGatewayStub(t)
	defer first.Close()
	second := newGatewayStub(t)
	defer second.Close()
	env := newEdgeEnv(t, edgeOptions{gateways: []string{first.URL}})

	env.do(t, http.MethodGet, subdomainHost, "/one.txt", nil)
	if len(first.Requests()) != 1 {
		t.Fatalf("expected first gateway to serve initial request")
	}

	raw, err := os.ReadFile(env.configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	updated := strings.Replace(string(raw), first.URL, second.URL, 1)
	if err := os.WriteFile(env.configPath, []byte(updated), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	payload := `{"target":"SW","action":"RELOAD_CONFIG","correlationId":"reload-1"}`
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s/-/channel?wait=800ms", subdomainHost), strings.NewReader(payload))
	req.Host = subdomainHost
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected reload reply, got %d: %s", resp.StatusCode, body)
	}
	var reply struct {
		channel.Message
		Data struct {
			Config config.ContentConfig `json:"config"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Action != channel.ActionReloadConfigSuccess || reply.CorrelationID != "reload-1" {
		t.Fatalf("unexpected reply %+v", reply.Message)
	}
	if len(reply.Data.Config.Gateways) != 1 || reply.Data.Config.Gateways[0] != second.URL {
		t.Fatalf("reply should carry reloaded config, got %v", reply.Data.Config.Gateways)
	}

	env.do(t, http.MethodGet, subdomainHost, "/two.txt", nil)
	if len(second.Requests()) != 1 || len(first.Requests()) != 1 {
		t.Fatalf("reloaded gateways not used: first=%d second=%d", len(first.Requests()), len(second.Requests()))
	}
}

func TestGatewayFailoverAcrossServerErrors(t *testing.T) {
	broken := newGatewayStub(t)
	defer broken.Close()
	healthy := newGatewayStub(t)
	defer healthy.Close()
	broken.SetFailing(true)

	env := newEdgeEnv(t, edgeOptions{gateways: []string{broken.URL, healthy.URL}})

	resp, body := env.do(t, http.MethodGet, subdomainHost, "/file.txt", nil)
	if resp.StatusCode != http.StatusOK || body != "content /ipfs/"+testCID+"/file.txt" {
		t.Fatalf("expected healthy gateway response, got %d %q", resp.StatusCode, body)
	}
	if len(broken.Requests()) == 0 || len(healthy.Requests()) != 1 {
		t.Fatalf("expected failover: broken=%d healthy=%d", len(broken.Requests()), len(healthy.Requests()))
	}

	healthy.SetFailing(true)
	resp, body = env.do(t, http.MethodGet, subdomainHost, "/other.txt", nil)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(body, "502") {
		t.Fatalf("expected aggregated fetch error, got %d %q", resp.StatusCode, body)
	}
}
