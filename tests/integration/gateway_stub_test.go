package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// gatewayStub 模拟一个 trustless 网关：/ipfs/<cid>/<path> 返回固定内容，
// /ipns/<name>/ 每次返回递增版本，特殊路径用于构造 206/404/502。
type gatewayStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
	version  int
	failAll  bool
}

// RecordedRequest 捕获网关收到的请求，便于断言抓取次数与转发头。
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
}

func newGatewayStub(t *testing.T) *gatewayStub {
	t.Helper()

	stub := &gatewayStub{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		stub.serve(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start gateway stub listener: %v", err)
	}
	stub.server = &http.Server{Handler: handler}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	return stub
}

func (s *gatewayStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	failing := s.failAll
	s.mu.Unlock()
	if failing {
		http.Error(w, "gateway overloaded", http.StatusBadGateway)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/partial"):
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("part"))
	case strings.HasSuffix(r.URL.Path, "/missing"):
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no link named \"missing\""))
	case strings.HasPrefix(r.URL.Path, "/ipns/"):
		s.mu.Lock()
		s.version++
		v := s.version
		s.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "mutable v%d", v)
	case strings.HasPrefix(r.URL.Path, "/ipfs/"):
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "content %s", r.URL.Path)
	default:
		http.NotFound(w, r)
	}
}

func (s *gatewayStub) record(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
	})
}

func (s *gatewayStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// SetFailing 让网关对所有请求返回 502。
func (s *gatewayStub) SetFailing(fail bool) {
	s.mu.Lock()
	s.failAll = fail
	s.mu.Unlock()
}

func (s *gatewayStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
