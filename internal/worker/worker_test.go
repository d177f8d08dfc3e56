package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/guide-cache/internal/cache"
	"github.com/any-hub/guide-cache/internal/fetch"
	"github.com/any-hub/guide-cache/internal/host"
	"github.com/any-hub/guide-cache/internal/logging"
)

var guideAssets = []string{"/", "/index.html", "/manifest.json", "/icon-192.png"}

// guideOrigin 模拟静态站点：正文带版本号，可按路径返回错误或阻塞。
type guideOrigin struct {
	server  *httptest.Server
	version atomic.Value
	hits    atomic.Int64

	mu      sync.Mutex
	missing map[string]bool
	gate    chan struct{}
}

func newGuideOrigin(t *testing.T) *guideOrigin {
	t.Helper()
	o := &guideOrigin{missing: make(map[string]bool)}
	o.version.Store("v1")
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.server.Close)
	return o
}

func (o *guideOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.hits.Add(1)
	o.mu.Lock()
	missing := o.missing[r.URL.Path]
	gate := o.gate
	o.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if missing {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, r.URL.Path+"@"+o.version.Load().(string))
}

func (o *guideOrigin) url(path string) string {
	return o.server.URL + path
}

func (o *guideOrigin) assetURLs() []string {
	result := make([]string, 0, len(guideAssets))
	for _, path := range guideAssets {
		result = append(result, o.url(path))
	}
	return result
}

func (o *guideOrigin) fetcher(t *testing.T) *fetch.HTTPFetcher {
	t.Helper()
	origin, err := url.Parse(o.server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return fetch.NewHTTPFetcher(o.server.Client(), origin, "guide-cache-test")
}

func (o *guideOrigin) setMissing(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.missing[path] = true
}

func (o *guideOrigin) block() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = make(chan struct{})
	return o.gate
}

type harness struct {
	host    *host.Host
	store   cache.Storage
	logger  *logrus.Logger
	fetcher fetch.Fetcher
}

func newHarness(t *testing.T, fetcher fetch.Fetcher) *harness {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	logger := logging.New(io.Discard, logrus.InfoLevel)
	return &harness{host: host.New(logger), store: store, logger: logger, fetcher: fetcher}
}

func (h *harness) newWorker(t *testing.T, name, strategy string, assets []string) *Worker {
	t.Helper()
	w, err := New(Options{
		Version:            Version{CacheName: name, Assets: assets, Strategy: strategy},
		Storage:            h.store,
		Fetcher:            h.fetcher,
		Logger:             h.logger,
		InstallConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func (h *harness) register(t *testing.T, w *Worker) {
	t.Helper()
	if err := h.host.Register(context.Background(), w); err != nil {
		t.Fatalf("register %s: %v", w.Name(), err)
	}
}

func (h *harness) cached(t *testing.T, name, rawURL string) (*fetch.Response, error) {
	t.Helper()
	c, err := h.store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return c.Match(context.Background(), newRequest(t, http.MethodGet, rawURL))
}

// drain 等待所有 WaitUntil 任务结束。
func (h *harness) drain(t *testing.T) {
	t.Helper()
	if err := h.host.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func newRequest(t *testing.T, method, rawURL string) *http.Request {
	t.Helper()
	var body io.Reader
	if method != http.MethodGet {
		body = strings.NewReader("payload")
	}
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return req
}

func TestInstallPrecachesEveryAsset(t *testing.T) {
	origin := newGuideOrigin(t)
	h := newHarness(t, origin.fetcher(t))
	w := h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs())
	h.register(t, w)

	for _, asset := range origin.assetURLs() {
		resp, err := h.cached(t, "mandarin-guide-v12", asset)
		if err != nil {
			t.Fatalf("asset %s missing after install: %v", asset, err)
		}
		if resp.Status != http.StatusOK || resp.Type != fetch.TypeBasic {
			t.Fatalf("asset %s stored with %d/%s", asset, resp.Status, resp.Type)
		}
	}
	if h.host.ActiveName() != "mandarin-guide-v12" {
		t.Fatalf("install should skip waiting and activate")
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	origin := newGuideOrigin(t)
	origin.setMissing("/manifest.json")
	h := newHarness(t, origin.fetcher(t))
	w := h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs())

	err := h.host.Register(context.Background(), w)
	if !errors.Is(err, host.ErrInstallFailed) || !errors.Is(err, ErrAssetRejected) {
		t.Fatalf("expected rejected asset to fail install, got %v", err)
	}
	if ok, _ := h.store.Has(context.Background(), "mandarin-guide-v12"); ok {
		t.Fatalf("failed install must not leave a partial namespace")
	}
	if h.host.ActiveName() != "" {
		t.Fatalf("failed install must not activate")
	}
}

func TestInstallFailureKeepsPreviousVersion(t *testing.T) {
	origin := newGuideOrigin(t)
	h := newHarness(t, origin.fetcher(t))
	h.register(t, h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs()))

	origin.setMissing("/icon-192.png")
	next := h.newWorker(t, "mandarin-guide-v13", StaleWhileRevalidate, origin.assetURLs())
	if err := h.host.Register(context.Background(), next); err == nil {
		t.Fatalf("expected install failure")
	}

	names, err := h.store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "mandarin-guide-v12" {
		t.Fatalf("only v12 should remain, got %v", names)
	}
	if h.host.ActiveName() != "mandarin-guide-v12" {
		t.Fatalf("v12 should keep serving")
	}
}

func TestActivateEvictsOtherNamespaces(t *testing.T) {
	origin := newGuideOrigin(t)
	h := newHarness(t, origin.fetcher(t))
	ctx := context.Background()
	for _, stale := range []string{"mandarin-guide-v10", "mandarin-guide-v11", "other-app"} {
		c, err := h.store.Open(ctx, stale)
		if err != nil {
			t.Fatalf("open %s: %v", stale, err)
		}
		resp := &fetch.Response{Status: http.StatusOK, Type: fetch.TypeBasic, Body: []byte(stale)}
		if err := c.Put(ctx, newRequest(t, http.MethodGet, origin.url("/index.html")), resp); err != nil {
			t.Fatalf("seed %s: %v", stale, err)
		}
	}

	h.register(t, h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs()))

	names, err := h.store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "mandarin-guide-v12" {
		t.Fatalf("only the current namespace should remain, got %v", names)
	}
}

func TestVersionBumpClaimsExistingClients(t *testing.T) {
	origin := newGuideOrigin(t)
	h := newHarness(t, origin.fetcher(t))
	ctx := context.Background()
	h.register(t, h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs()))
	if _, served, _ := h.host.Dispatch(ctx, "tab-1", "", newRequest(t, http.MethodGet, origin.url("/index.html"))); served == "" {
		t.Fatalf("tab-1 should be controlled")
	}

	origin.version.Store("v2")
	h.register(t, h.newWorker(t, "mandarin-guide-v13", StaleWhileRevalidate, origin.assetURLs()))

	resp, served, err := h.host.Dispatch(ctx, "tab-1", "", newRequest(t, http.MethodGet, origin.url("/index.html")))
	if err != nil || served == "" {
		t.Fatalf("tab-1 should be claimed by v13: %v %v", served, err)
	}
	if string(resp.Body) != "/index.html@v2" {
		t.Fatalf("expected v13 precache, got %s", resp.Body)
	}
	h.drain(t)
}

func TestStaleWhileRevalidateServesCacheThenUpdates(t *testing.T) {
	origin := newGuideOrigin(t)
	h := newHarness(t, origin.fetcher(t))
	h.register(t, h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs()))

	origin.version.Store("v2")
	release := origin.block()

	resp, served, err := h.host.Dispatch(context.Background(), "tab-1", "req-1",
		newRequest(t, http.MethodGet, origin.url("/index.html")))
	if err != nil || served == "" {
		t.Fatalf("dispatch failed: %v %v", served, err)
	}
	if string(resp.Body) != "/index.html@v1" {
		t.Fatalf("expected stale cached body without waiting for network, got %s", resp.Body)
	}
	if resp.StoredAt.IsZero() {
		t.Fatalf("cached response should carry StoredAt")
	}

	close(release)
	h.drain(t)

	updated, err := h.cached(t, "mandarin-guide-v12", origin.url("/index.html"))
	if err != nil {
		t.Fatalf("cache lookup failed: %v", err)
	}
	if string(updated.Body) != "/index.html@v2" {
		t.Fatalf("entry should be revalidated to v2, got %s", updated.Body)
	}
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	origin := newGuideOrigin(t)
	h := newHarness(t, origin.fetcher(t))
	h.register(t, h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs()))

	target := origin.url("/lessons/tones.html")
	resp, served, err := h.host.Dispatch(context.Background(), "tab-1", "", newRequest(t, http.MethodGet, target))
	if err != nil || served == "" {
		t.Fatalf("dispatch failed: %v %v", served, err)
	}
	if string(resp.Body) != "/lessons/tones.html@v1" || !resp.StoredAt.IsZero() {
		t.Fatalf("expected network response, got %s (stored_at %v)", resp.Body, resp.StoredAt)
	}

	h.drain(t)
	if _, err := h.cached(t, "mandarin-guide-v12", target); err != nil {
		t.Fatalf("network response should be cached: %v", err)
	}
}

func TestStaleWhileRevalidateDoesNotCacheErrors(t *testing.T) {
	origin := newGuideOrigin(t)
	h := newHarness(t, origin.fetcher(t))
	h.register(t, h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs()))

	origin.setMissing("/gone.html")
	target := origin.url("/gone.html")
	resp, _, err := h.host.Dispatch(context.Background(), "tab-1", "", newRequest(t, http.MethodGet, target))
	if err != nil || resp.Status != http.StatusNotFound {
		t.Fatalf("404 should be returned as-is: %v %v", resp, err)
	}
	h.drain(t)
	if _, err := h.cached(t, "mandarin-guide-v12", target); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("404 must not be cached, got %v", err)
	}
}

func TestNonGETIsNeverCached(t *testing.T) {
	for _, strategy := range []string{StaleWhileRevalidate, CacheFirst} {
		t.Run(strategy, func(t *testing.T) {
			origin := newGuideOrigin(t)
			h := newHarness(t, origin.fetcher(t))
			h.register(t, h.newWorker(t, "mandarin-guide-v12", strategy, origin.assetURLs()))

			target := origin.url("/progress")
			resp, served, err := h.host.Dispatch(context.Background(), "tab-1", "", newRequest(t, http.MethodPost, target))
			if resp != nil || served != "" || err != nil {
				t.Fatalf("POST should fall through, got %v %v %v", resp, served, err)
			}
			h.drain(t)
			if _, err := h.cached(t, "mandarin-guide-v12", target); !errors.Is(err, cache.ErrNotFound) {
				t.Fatalf("POST must never be cached, got %v", err)
			}
		})
	}
}

func TestCacheFirstStoresCopyOfBasicResponse(t *testing.T) {
	origin := newGuideOrigin(t)
	h := newHarness(t, origin.fetcher(t))
	h.register(t, h.newWorker(t, "mandarin-guide-v12", CacheFirst, origin.assetURLs()))

	target := origin.url("/lessons/radicals.html")
	resp, served, err := h.host.Dispatch(context.Background(), "tab-1", "", newRequest(t, http.MethodGet, target))
	if err != nil || served == "" {
		t.Fatalf("dispatch failed: %v %v", served, err)
	}
	h.drain(t)

	stored, err := h.cached(t, "mandarin-guide-v12", target)
	if err != nil {
		t.Fatalf("basic 200 response should be cached: %v", err)
	}
	if string(stored.Body) != string(resp.Body) || stored.Status != resp.Status || stored.Type != resp.Type {
		t.Fatalf("stored copy differs: %s/%d/%s vs %s/%d/%s",
			stored.Body, stored.Status, stored.Type, resp.Body, resp.Status, resp.Type)
	}
	if stored.Header.Get("Content-Type") != resp.Header.Get("Content-Type") {
		t.Fatalf("stored headers differ: %v vs %v", stored.Header, resp.Header)
	}

	hits := origin.hits.Load()
	again, _, err := h.host.Dispatch(context.Background(), "tab-1", "", newRequest(t, http.MethodGet, target))
	if err != nil || string(again.Body) != string(resp.Body) {
		t.Fatalf("second request should hit the cache: %v", err)
	}
	if origin.hits.Load() != hits {
		t.Fatalf("cache-first hit must not touch the network")
	}
}

func TestCacheFirstSkipsOpaqueResponses(t *testing.T) {
	origin := newGuideOrigin(t)
	network := origin.fetcher(t)
	cdn := "https://cdn.example.net/fonts/kai.woff2"
	fetcher := fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*fetch.Response, error) {
		if req.URL.String() == cdn {
			return &fetch.Response{URL: cdn, Status: http.StatusOK, Type: fetch.TypeOpaque, Header: http.Header{}, Body: []byte("font")}, nil
		}
		return network.Fetch(ctx, req)
	})
	h := newHarness(t, fetcher)
	h.register(t, h.newWorker(t, "mandarin-guide-v12", CacheFirst, origin.assetURLs()))

	resp, _, err := h.host.Dispatch(context.Background(), "tab-1", "", newRequest(t, http.MethodGet, cdn))
	if err != nil || string(resp.Body) != "font" {
		t.Fatalf("opaque response should still be returned: %v", err)
	}
	h.drain(t)
	if _, err := h.cached(t, "mandarin-guide-v12", cdn); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("opaque response must not be cached, got %v", err)
	}
}

func TestNetworkFailureWithoutEntry(t *testing.T) {
	for _, strategy := range []string{StaleWhileRevalidate, CacheFirst} {
		t.Run(strategy, func(t *testing.T) {
			origin := newGuideOrigin(t)
			network := origin.fetcher(t)
			var offline atomic.Bool
			fetcher := fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*fetch.Response, error) {
				if offline.Load() {
					return nil, fetch.ErrNetwork
				}
				return network.Fetch(ctx, req)
			})
			h := newHarness(t, fetcher)
			h.register(t, h.newWorker(t, "mandarin-guide-v12", strategy, origin.assetURLs()))
			offline.Store(true)

			resp, served, err := h.host.Dispatch(context.Background(), "tab-1", "",
				newRequest(t, http.MethodGet, origin.url("/uncached.html")))
			if resp != nil || served == "" || !errors.Is(err, ErrNoResponse) {
				t.Fatalf("expected ErrNoResponse, got %v %v %v", resp, served, err)
			}
			if !errors.Is(err, fetch.ErrNetwork) {
				t.Fatalf("network cause should stay in the chain: %v", err)
			}

			cached, _, err := h.host.Dispatch(context.Background(), "tab-1", "",
				newRequest(t, http.MethodGet, origin.url("/index.html")))
			if err != nil || string(cached.Body) != "/index.html@v1" {
				t.Fatalf("offline request should fall back to cache: %v", err)
			}
			h.drain(t)
		})
	}
}

func TestStrategyRegistry(t *testing.T) {
	names := StrategyNames()
	if len(names) != 2 || names[0] != CacheFirst || names[1] != StaleWhileRevalidate {
		t.Fatalf("unexpected strategies: %v", names)
	}
	if _, ok := ResolveStrategy(" Cache-First "); !ok {
		t.Fatalf("resolve should ignore case and spaces")
	}
	if err := RegisterStrategy(CacheFirst, cacheFirst); err == nil {
		t.Fatalf("duplicate registration should fail")
	}

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	_, err = New(Options{
		Version: Version{CacheName: "mandarin-guide-v12", Strategy: "network-only"},
		Storage: store,
		Fetcher: fetch.FetcherFunc(func(context.Context, *http.Request) (*fetch.Response, error) { return nil, fetch.ErrNetwork }),
		Logger:  logging.New(io.Discard, logrus.InfoLevel),
	})
	if err == nil {
		t.Fatalf("unknown strategy should be rejected")
	}
}

func TestNewRejectsRelativeAssets(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	_, err = New(Options{
		Version: Version{CacheName: "mandarin-guide-v12", Strategy: CacheFirst, Assets: []string{"./index.html"}},
		Storage: store,
		Fetcher: fetch.FetcherFunc(func(context.Context, *http.Request) (*fetch.Response, error) { return nil, fetch.ErrNetwork }),
		Logger:  logging.New(io.Discard, logrus.InfoLevel),
	})
	if err == nil {
		t.Fatalf("relative assets should be rejected")
	}
}

// unreadableStorage 打开的缓存可以写入，但读取总是失败。
type unreadableStorage struct {
	cache.Storage
}

func (s unreadableStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return unreadableCache{Cache: c}, nil
}

type unreadableCache struct {
	cache.Cache
}

func (unreadableCache) Match(context.Context, *http.Request) (*fetch.Response, error) {
	return nil, errors.New("disk read error")
}

func TestCacheReadFailureLogsRequestID(t *testing.T) {
	origin := newGuideOrigin(t)
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	var logs bytes.Buffer
	logger := logging.New(&logs, logrus.InfoLevel)
	h := &harness{
		host:    host.New(logger),
		store:   unreadableStorage{Storage: store},
		logger:  logger,
		fetcher: origin.fetcher(t),
	}
	h.register(t, h.newWorker(t, "mandarin-guide-v12", StaleWhileRevalidate, origin.assetURLs()))

	resp, served, err := h.host.Dispatch(context.Background(), "tab-1", "req-7",
		newRequest(t, http.MethodGet, origin.url("/index.html")))
	if err != nil || served == "" || string(resp.Body) != "/index.html@v1" {
		t.Fatalf("read failure should fall back to the network: %v %v", served, err)
	}
	h.drain(t)

	found := false
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		if entry["msg"] == "cache_read_failed" {
			found = true
			if entry["request_id"] != "req-7" {
				t.Fatalf("cache_read_failed should carry the request id, got %v", entry)
			}
		}
	}
	if !found {
		t.Fatalf("expected cache_read_failed log, got %s", logs.String())
	}
}
