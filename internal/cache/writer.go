package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStoreUnavailable 表示未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// storeTimeout 限制单次后台写入的耗时。
const storeTimeout = time.Minute

// Writer 在响应路径之外异步写入缓存，并为可变条目打上过期时间。
type Writer struct {
	store  Store
	logger *logrus.Logger
	now    func() time.Time

	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewWriter 构造写入器，默认使用 time.Now 作为时钟。
func NewWriter(store Store, logger *logrus.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w *Writer) Enabled() bool {
	return w != nil && w.store != nil
}

// Store 同步写入一个条目。可变分区的条目会在响应头副本上写入过期时间。
func (w *Writer) Store(ctx context.Context, locator Locator, status int, header http.Header, body []byte) (*Entry, error) {
	if !w.Enabled() {
		return nil, ErrStoreUnavailable
	}
	now := w.now()
	stored := header.Clone()
	if stored == nil {
		stored = http.Header{}
	}
	if locator.Partition == Mutable.Name() {
		StampExpiry(stored, now)
	} else {
		stored.Del(ExpiresHeader)
	}
	return w.store.Put(ctx, locator, bytes.NewReader(body), PutOptions{
		ModTime: now.UTC(),
		Status:  status,
		Header:  stored,
	})
}

// StoreAsync 在独立 goroutine 中写入，不继承请求的取消信号；失败只记录日志。
func (w *Writer) StoreAsync(locator Locator, status int, header http.Header, body []byte) {
	if !w.Enabled() {
		return
	}
	header = header.Clone()
	w.wg.Add(1)
	w.pending.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.pending.Add(-1)
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if _, err := w.Store(ctx, locator, status, header, body); err != nil {
			w.log().WithFields(logrus.Fields{
				"action":    "cache_store",
				"scope":     locator.Scope,
				"partition": locator.Partition,
				"key":       locator.Key,
			}).WithError(err).Warn("cache_store_failed")
		}
	}()
}

// Pending 返回尚未完成的后台写入数。
func (w *Writer) Pending() int64 {
	if w == nil {
		return 0
	}
	return w.pending.Load()
}

// Wait 阻塞直到所有后台写入完成，用于关停与测试。
func (w *Writer) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

func (w *Writer) log() logrus.FieldLogger {
	if w.logger == nil {
		return logrus.StandardLogger()
	}
	return w.logger
}
