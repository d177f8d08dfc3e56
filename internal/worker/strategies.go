package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/any-hub/guide-cache/internal/cache"
	"github.com/any-hub/guide-cache/internal/fetch"
	"github.com/any-hub/guide-cache/internal/host"
)

const (
	StaleWhileRevalidate = "stale-while-revalidate"
	CacheFirst           = "cache-first"
)

func init() {
	MustRegisterStrategy(StaleWhileRevalidate, staleWhileRevalidate)
	MustRegisterStrategy(CacheFirst, cacheFirst)
}

type networkResult struct {
	resp *fetch.Response
	err  error
}

// staleWhileRevalidate 立即返回缓存，同时发起网络请求；网络返回 200 时覆盖缓存。
// 缓存未命中时等待网络结果。
func staleWhileRevalidate(w *Worker, ev *host.FetchEvent) (*fetch.Response, bool, error) {
	req := ev.Request
	if req.Method != http.MethodGet || !httpScheme(req) {
		return nil, false, nil
	}
	ctx := ev.Context()

	// 后台请求可能晚于响应结束，使用独立副本。
	outbound := req.Clone(context.WithoutCancel(ctx))
	network := make(chan networkResult, 1)
	ev.WaitUntil(func(bg context.Context) {
		resp, err := w.fetcher.Fetch(bg, outbound)
		if err != nil {
			network <- networkResult{err: err}
			w.logFetch(outbound, ev.RequestID).WithError(err).Warn("revalidate_failed")
			return
		}
		var stored *fetch.Response
		if resp.Status == http.StatusOK && resp.Type != fetch.TypeOpaque {
			stored = resp.Clone()
		}
		network <- networkResult{resp: resp}
		if stored != nil {
			w.store(bg, outbound, stored, ev.RequestID)
		}
	})

	if cached := w.match(ctx, req, ev.RequestID); cached != nil {
		return cached, true, nil
	}

	select {
	case result := <-network:
		if result.err != nil {
			return nil, true, fmt.Errorf("%w: %s: %w", ErrNoResponse, cache.RequestKey(req), result.err)
		}
		return result.resp, true, nil
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}

// cacheFirst 命中直接返回；未命中走网络，200 且同源的响应存入副本后返回原响应。
func cacheFirst(w *Worker, ev *host.FetchEvent) (*fetch.Response, bool, error) {
	req := ev.Request
	if req.Method != http.MethodGet {
		return nil, false, nil
	}
	ctx := ev.Context()

	if cached := w.match(ctx, req, ev.RequestID); cached != nil {
		return cached, true, nil
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.logFetch(req, ev.RequestID).WithError(err).Warn("network_failed")
		return nil, true, fmt.Errorf("%w: %s: %w", ErrNoResponse, cache.RequestKey(req), err)
	}
	if resp.Status == http.StatusOK && resp.Type == fetch.TypeBasic {
		stored := resp.Clone()
		key := req.Clone(context.WithoutCancel(ctx))
		ev.WaitUntil(func(bg context.Context) {
			w.store(bg, key, stored, ev.RequestID)
		})
	}
	return resp, true, nil
}

func httpScheme(req *http.Request) bool {
	switch req.URL.Scheme {
	case "http", "https":
		return true
	}
	return false
}
