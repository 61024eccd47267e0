package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/cache"
	"github.com/any-hub/ipfs-edge/internal/ipfspath"
	"github.com/any-hub/ipfs-edge/internal/isolation"
	"github.com/any-hub/ipfs-edge/internal/lifecycle"
	"github.com/any-hub/ipfs-edge/internal/logging"
	"github.com/any-hub/ipfs-edge/internal/metrics"
	"github.com/any-hub/ipfs-edge/internal/routing"
	"github.com/any-hub/ipfs-edge/internal/server"
	"github.com/any-hub/ipfs-edge/internal/worker"
)

// CacheHeader 标识响应来自缓存（hit）、回源（miss）或未参与缓存（bypass）。
const CacheHeader = "X-Ipfs-Edge-Cache"

const (
	cacheHit    = "hit"
	cacheMiss   = "miss"
	cacheBypass = "bypass"
)

// defaultMaxMemoryCache 是未配置时可缓冲写入缓存的最大正文。
const defaultMaxMemoryCache = 64 << 20

// Options 汇总 Handler 的依赖。
type Options struct {
	// Client 用于透传到源站；为空时使用 server.NewUpstreamClient 的默认值。
	Client *http.Client
	// OriginUpstream 是透传请求的目标；为空时透传请求返回 502。
	OriginUpstream     string
	Guard              *isolation.Guard
	MaxMemoryCacheSize int64
	Metrics            *metrics.Metrics
	Logger             *logrus.Logger
	Now                func() time.Time
}

// Handler 执行路由决策：透传源站、短路、注销，或经缓存与抓取器响应内容请求。
type Handler struct {
	client   *http.Client
	upstream *url.URL
	guard    *isolation.Guard
	maxBody  int64
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time
}

// NewHandler 校验源站地址并构造 Handler。
func NewHandler(opts Options) (*Handler, error) {
	h := &Handler{
		client:  opts.Client,
		guard:   opts.Guard,
		maxBody: opts.MaxMemoryCacheSize,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if h.client == nil {
		h.client = server.NewUpstreamClient(nil)
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxMemoryCache
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if raw := strings.TrimSpace(opts.OriginUpstream); raw != "" {
		upstream, err := url.Parse(raw)
		if err != nil || upstream.Scheme == "" || upstream.Host == "" {
			return nil, fmt.Errorf("invalid origin upstream %q", raw)
		}
		h.upstream = upstream
	}
	return h, nil
}

// requestState 携带单个请求在各阶段之间共享的值。
type requestState struct {
	worker    *worker.Context
	req       routing.Request
	decision  routing.Decision
	requestID string
	started   time.Time
	partition string
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, w *worker.Context) error {
	ctx := requestContext(c)
	reqURL, err := requestURL(c)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_url")
	}

	state := &requestState{
		worker:    w,
		requestID: server.RequestID(c),
		started:   time.Now(),
		req: routing.Request{
			URL:         reqURL,
			Method:      c.Method(),
			Header:      fiberHeadersAsHTTP(c),
			Destination: c.Get("Sec-Fetch-Dest"),
		},
	}
	h.trackClient(c, state)

	state.decision = routing.Route(state.req, routing.State{
		Now:              h.now(),
		InstallTimestamp: w.Lifecycle.InstallTime(ctx),
	})
	h.metrics.ObserveDecision(state.decision.Kind.String(), state.decision.Reason)

	switch state.decision.Kind {
	case routing.ShortCircuit:
		c.Set(CacheHeader, cacheBypass)
		c.Status(state.decision.Status)
		h.logResult(state, state.decision.Status, false, nil)
		return nil
	case routing.Deregister:
		return h.deregister(c, state)
	case routing.Intercept:
		return h.intercept(c, state)
	default:
		return h.passthrough(c, state)
	}
}

func (h *Handler) deregister(c fiber.Ctx, state *requestState) error {
	ctx := requestContext(c)
	if state.worker.Lifecycle.Deregister(ctx, state.req.URL, state.decision.Redirect) {
		h.metrics.ObserveDeregistration(state.decision.Reason)
	}
	if !state.decision.Redirect {
		return h.passthrough(c, state)
	}
	c.Set(fiber.HeaderLocation, state.decision.RedirectTarget)
	c.Status(fiber.StatusMovedPermanently)
	h.logResult(state, fiber.StatusMovedPermanently, false, nil)
	return nil
}

func (h *Handler) intercept(c fiber.Ctx, state *requestState) error {
	ctx := requestContext(c)
	if h.guard != nil {
		if target := h.guard.IsolationRedirect(ctx, state.req.URL); target != nil {
			c.Set(fiber.HeaderLocation, target.String())
			c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
			c.Set(CacheHeader, cacheBypass)
			c.Status(fiber.StatusMovedPermanently)
			h.logResult(state, fiber.StatusMovedPermanently, false, nil)
			return c.SendString(isolation.RedirectBody)
		}
	}

	root, err := ipfspath.Classify(state.req.URL)
	if err != nil {
		return h.passthrough(c, state)
	}
	partition := cache.PartitionFor(root)
	state.partition = partition.String()
	w := state.worker
	locator := cache.Locator{
		Scope:     w.Origin,
		Partition: partition.Name(),
		Key:       cache.CacheKey(state.req.URL, state.req.Header.Get("Accept")),
	}
	useCache := state.req.Method == http.MethodGet && w.Writer.Enabled()

	if useCache {
		served, err := h.serveFromCache(c, state, locator)
		if served || err != nil {
			return err
		}
	} else {
		h.metrics.ObserveCache(state.partition, cacheBypass)
	}

	fetchStarted := time.Now()
	resp := w.Dispatcher.Dispatch(ctx, state.req)
	h.metrics.ObserveFetch(resp.StatusCode, time.Since(fetchStarted))
	defer resp.Body.Close()

	if useCache && cache.IsCacheable(resp.StatusCode, state.req.Header) {
		return h.cacheAndRespond(c, state, locator, resp)
	}
	return h.respond(c, state, resp, cacheBypass, resp.Body)
}

// serveFromCache 在命中未过期条目时直接响应；可变条目同时在后台重新验证。
func (h *Handler) serveFromCache(c fiber.Ctx, state *requestState, locator cache.Locator) (bool, error) {
	w := state.worker
	result, err := w.Store.Get(requestContext(c), locator)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		h.metrics.ObserveCache(state.partition, cacheMiss)
		return false, nil
	case err != nil:
		h.logger.WithFields(logging.RequestFields(w.Origin, state.decision.Kind.String(), state.partition, false)).
			WithError(err).Warn("cache_get_failed")
		h.metrics.ObserveCache(state.partition, cacheMiss)
		return false, nil
	}
	if cache.IsExpired(result.Entry, h.now()) {
		result.Reader.Close()
		h.metrics.ObserveCache(state.partition, "stale")
		return false, nil
	}
	defer result.Reader.Close()
	h.metrics.ObserveCache(state.partition, cacheHit)

	if locator.Partition == cache.Mutable.Name() {
		h.revalidate(state, locator)
	}

	status := result.Entry.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	copyResponseHeaders(c, result.Entry.Header)
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	c.Set(CacheHeader, cacheHit)
	c.Status(status)

	_, err = io.Copy(c.Response().BodyWriter(), result.Reader)
	h.logResult(state, status, true, err)
	if err != nil {
		return true, fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return true, nil
}

// revalidate 在后台重新抓取可变条目并覆盖缓存，不影响当前响应。
func (h *Handler) revalidate(state *requestState, locator cache.Locator) {
	w := state.worker
	req := routing.Request{
		URL:         state.req.URL,
		Method:      http.MethodGet,
		Header:      state.req.Header.Clone(),
		Destination: state.req.Destination,
	}
	w.Revalidate(locator.Key, func(ctx context.Context) error {
		resp := w.Dispatcher.Dispatch(ctx, req)
		defer resp.Body.Close()
		if !cache.IsCacheable(resp.StatusCode, req.Header) {
			return fmt.Errorf("revalidate %s: upstream status %d", req.URL, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > h.maxBody {
			return fmt.Errorf("revalidate %s: body exceeds %d bytes", req.URL, h.maxBody)
		}
		_, err = w.Writer.Store(ctx, locator, resp.StatusCode, resp.Header, body)
		return err
	})
}

// cacheAndRespond 缓冲不超过上限的正文，响应后异步写入缓存；超限正文直接流式返回。
func (h *Handler) cacheAndRespond(c fiber.Ctx, state *requestState, locator cache.Locator, resp *http.Response) error {
	if resp.ContentLength > h.maxBody {
		return h.respond(c, state, resp, cacheBypass, resp.Body)
	}
	buffered, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		h.logResult(state, resp.StatusCode, false, err)
		return h.writeError(c, fiber.StatusBadGateway, "fetch_stream_failed")
	}
	if int64(len(buffered)) > h.maxBody {
		return h.respond(c, state, resp, cacheBypass, io.MultiReader(bytes.NewReader(buffered), resp.Body))
	}

	state.worker.Writer.StoreAsync(locator, resp.StatusCode, resp.Header, buffered)
	return h.respond(c, state, resp, cacheMiss, bytes.NewReader(buffered))
}

func (h *Handler) respond(c fiber.Ctx, state *requestState, resp *http.Response, cacheState string, body io.Reader) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(CacheHeader, cacheState)
	c.Status(resp.StatusCode)

	if state.req.Method == http.MethodHead {
		h.logResult(state, resp.StatusCode, false, nil)
		return nil
	}
	_, err := io.Copy(c.Response().BodyWriter(), body)
	h.logResult(state, resp.StatusCode, false, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("fetch stream failed: %v", err))
	}
	return nil
}

// passthrough 把请求原样转发到源站，由源站提供页面与 worker 脚本等资源。
func (h *Handler) passthrough(c fiber.Ctx, state *requestState) error {
	if h.upstream == nil {
		h.logResult(state, fiber.StatusBadGateway, false, errors.New("origin upstream not configured"))
		return h.writeError(c, fiber.StatusBadGateway, "origin_unavailable")
	}

	req, err := h.buildUpstreamRequest(c, state)
	if err != nil {
		h.logResult(state, 0, false, err)
		return h.writeError(c, fiber.StatusBadGateway, "origin_unavailable")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(state, 0, false, err)
		return h.writeError(c, fiber.StatusBadGateway, "origin_unavailable")
	}
	defer resp.Body.Close()

	return h.respond(c, state, resp, cacheBypass, resp.Body)
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, state *requestState) (*http.Request, error) {
	target := *h.upstream
	target.Path = strings.TrimRight(h.upstream.Path, "/") + state.req.URL.Path
	target.RawPath = ""
	target.RawQuery = state.req.URL.RawQuery

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(requestContext(c), state.req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, state.req.Header)
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", state.req.URL.Host)
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", state.req.URL.Scheme)
	return req, nil
}

// trackClient 为文档请求分配窗口 ID，并记录窗口当前加载的 URL。
func (h *Handler) trackClient(c fiber.Ctx, state *requestState) {
	w := state.worker
	if w.Clients == nil || !strings.EqualFold(state.req.Destination, "document") {
		return
	}
	id := c.Cookies(lifecycle.ClientCookie)
	if id == "" {
		id = uuid.NewString()
		c.Cookie(&fiber.Cookie{
			Name:     lifecycle.ClientCookie,
			Value:    id,
			Path:     "/",
			SameSite: fiber.CookieSameSiteLaxMode,
		})
	}
	w.Clients.Touch(id, state.req.URL.String(), w.ID)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(state *requestState, status int, cacheHit bool, err error) {
	fields := logging.RequestFields(
		state.worker.Origin,
		state.decision.Kind.String(),
		state.partition,
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["reason"] = state.decision.Reason
	fields["method"] = state.req.Method
	fields["path"] = state.req.URL.Path
	fields["status"] = status
	fields["worker_id"] = state.worker.ID
	fields["elapsed_ms"] = time.Since(state.started).Milliseconds()
	if state.requestID != "" {
		fields["request_id"] = state.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// requestURL 以 scheme://host + 解析后的路径与查询还原浏览器看到的地址；
// 请求行为绝对形式（GET http://host/path）时同样只取路径部分。
func requestURL(c fiber.Ctx) (*url.URL, error) {
	host := string(c.Request().Header.Peek(fiber.HeaderHost))
	if host == "" {
		host = c.Hostname()
	}
	return url.Parse(c.Scheme() + "://" + host + string(c.Request().URI().RequestURI()))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
