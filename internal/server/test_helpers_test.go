package server

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/ipfs-edge/internal/cache"
	"github.com/any-hub/ipfs-edge/internal/config"
	"github.com/any-hub/ipfs-edge/internal/fetch"
	"github.com/any-hub/ipfs-edge/internal/lifecycle"
	"github.com/any-hub/ipfs-edge/internal/metrics"
)

func newTestRegistry(t *testing.T, builds *int32) *OriginRegistry {
	t.Helper()
	base := t.TempDir()
	store, err := cache.NewStore(base)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry, err := NewOriginRegistry(RegistryOptions{
		Domains:      []string{"edge.local"},
		Records:      lifecycle.NewFileRecordStore(base),
		Store:        store,
		ContentStore: config.NewStaticContentStore(config.ContentConfig{}),
		Factory: func(context.Context, config.ContentConfig) (fetch.Fetcher, error) {
			if builds != nil {
				atomic.AddInt32(builds, 1)
			}
			return fetch.FetcherFunc(func(context.Context, fetch.Request) (*http.Response, error) {
				return fetch.NewResponse(http.StatusOK, "text/plain", "ok"), nil
			}), nil
		},
		Metrics: metrics.New(),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return registry
}
