package routing

import (
	"net/http"
	"net/url"
	"testing"
	"time"
)

func mustRequest(t *testing.T, raw string) Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return Request{URL: u, Method: http.MethodGet, Header: http.Header{}}
}

func freshState() State {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return State{Now: now, InstallTimestamp: now.Add(-time.Hour)}
}

func TestRouteOrder(t *testing.T) {
	testCases := []struct {
		name   string
		url    string
		kind   Kind
		reason string
	}{
		{"deregister path", "http://bafyabc.ipfs.localhost/ipfs-sw-deregister", Deregister, "deregister_request"},
		{"deregister query", "http://bafyabc.ipfs.localhost/?ipfs-sw-deregister", Deregister, "deregister_request"},
		{"config fragment", "http://localhost/#/ipfs-sw-config", Passthrough, "config_page"},
		{"config path", "http://bafyabc.ipfs.localhost/ipfs-sw-config", Passthrough, "config_page"},
		{"sw asset", "http://bafyabc.ipfs.localhost/ipfs-sw-main.js", Passthrough, "sw_asset"},
		{"root page", "http://localhost/", Passthrough, "not_content"},
		{"static asset", "http://localhost/favicon.ico", Passthrough, "not_content"},
		{"empty content subdomain", "http://bafkqaaa.ipfs.localhost/", ShortCircuit, "empty_content"},
		{"empty content path", "http://localhost/ipfs/bafkqaaa", ShortCircuit, "empty_content"},
		{"path content", "http://localhost/ipfs/bafyabc/index.html", Intercept, "content"},
		{"ipns path", "http://localhost/ipns/example.com/", Intercept, "content"},
		{"subdomain content", "http://bafyabc.ipfs.localhost/index.html", Intercept, "content"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decision := Route(mustRequest(t, tc.url), freshState())
			if decision.Kind != tc.kind || decision.Reason != tc.reason {
				t.Fatalf("Route(%s) = %s/%s, want %s/%s", tc.url, decision.Kind, decision.Reason, tc.kind, tc.reason)
			}
		})
	}
}

func TestTimebombPrecedesEverything(t *testing.T) {
	state := freshState()
	state.InstallTimestamp = state.Now.Add(-25 * time.Hour)

	for _, raw := range []string{
		"http://bafkqaaa.ipfs.localhost/",
		"http://localhost/#/ipfs-sw-config",
		"http://bafyabc.ipfs.localhost/index.html",
	} {
		decision := Route(mustRequest(t, raw), state)
		if decision.Kind != Deregister || decision.Redirect {
			t.Fatalf("expected silent deregister for %s, got %+v", raw, decision)
		}
	}
}

func TestZeroInstallTimestampIsExpired(t *testing.T) {
	state := State{Now: time.Now()}
	if !TimebombExpired(state.InstallTimestamp, state.Now) {
		t.Fatalf("epoch zero install time should be expired")
	}
	if TimebombExpired(state.Now.Add(-23*time.Hour), state.Now) {
		t.Fatalf("23h old registration should be alive")
	}
}

func TestDeregisterRedirectTarget(t *testing.T) {
	decision := Route(mustRequest(t, "https://bafyabc.ipfs.gw.example/ipfs-sw-deregister"), freshState())
	if decision.RedirectTarget != "https://bafyabc.ipfs.gw.example/#/ipfs-sw-config" {
		t.Fatalf("unexpected redirect target: %s", decision.RedirectTarget)
	}
}
