package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/guide-cache/internal/cache"
	"github.com/any-hub/guide-cache/internal/fetch"
	"github.com/any-hub/guide-cache/internal/host"
	"github.com/any-hub/guide-cache/internal/logging"
)

var (
	// ErrNoResponse 表示网络失败且缓存中没有可用条目。
	ErrNoResponse = errors.New("no cached or network response")
	// ErrAssetRejected 表示预缓存资源的响应不可用（非 2xx 或 opaque）。
	ErrAssetRejected = errors.New("precache asset rejected")
)

// Version 描述一个 worker 版本：命名空间、资源清单与策略。
type Version struct {
	CacheName string
	// Assets 为绝对 URL，按清单顺序预缓存。
	Assets   []string
	Strategy string
}

// Options 汇总构建 Worker 所需的依赖。
type Options struct {
	Version Version
	Storage cache.Storage
	Fetcher fetch.Fetcher
	Logger  *logrus.Logger
	// InstallConcurrency 限制预缓存并发，<=0 表示不限制。
	InstallConcurrency int
}

// Worker 是单个版本的缓存策略处理器，实现 host.Worker。
type Worker struct {
	version     Version
	strategy    Strategy
	storage     cache.Storage
	fetcher     fetch.Fetcher
	logger      *logrus.Logger
	concurrency int

	mu    sync.Mutex
	cache cache.Cache
}

var _ host.Worker = (*Worker)(nil)

// New 校验版本信息并解析策略。
func New(opts Options) (*Worker, error) {
	if opts.Version.CacheName == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	strategy, ok := ResolveStrategy(opts.Version.Strategy)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", opts.Version.Strategy, StrategyNames())
	}

	assets := make([]string, 0, len(opts.Version.Assets))
	for _, raw := range opts.Version.Assets {
		parsed, err := url.Parse(raw)
		if err != nil || !parsed.IsAbs() {
			return nil, fmt.Errorf("asset %q must be an absolute url", raw)
		}
		assets = append(assets, raw)
	}

	version := opts.Version
	version.Assets = assets
	version.Strategy = normalizeStrategyName(version.Strategy)
	return &Worker{
		version:     version,
		strategy:    strategy,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		logger:      opts.Logger,
		concurrency: opts.InstallConcurrency,
	}, nil
}

func (w *Worker) Name() string {
	return w.version.CacheName
}

func (w *Worker) Strategy() string {
	return w.version.Strategy
}

// Assets 返回资源清单副本。
func (w *Worker) Assets() []string {
	return append([]string(nil), w.version.Assets...)
}

// Install 并发拉取全部资源，全部成功后才写入缓存；任一失败则整体失败。
func (w *Worker) Install(ev *host.InstallEvent) error {
	ctx := ev.Context()
	started := time.Now()

	existed, err := w.storage.Has(ctx, w.Name())
	if err != nil {
		return fmt.Errorf("inspect cache %s: %w", w.Name(), err)
	}
	c, err := w.namespace(ctx)
	if err != nil {
		return err
	}

	responses := make([]*fetch.Response, len(w.version.Assets))
	g, gctx := errgroup.WithContext(ctx)
	if w.concurrency > 0 {
		g.SetLimit(w.concurrency)
	}
	for i, asset := range w.version.Assets {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, asset, nil)
			if err != nil {
				return err
			}
			resp, err := w.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", asset, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s: status %d (%s)", ErrAssetRejected, asset, resp.Status, resp.Type)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.discard(ctx, existed)
		return err
	}

	var total int64
	for i, asset := range w.version.Assets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset, nil)
		if err != nil {
			w.discard(ctx, existed)
			return err
		}
		if err := c.Put(ctx, req, responses[i]); err != nil {
			w.discard(ctx, existed)
			return fmt.Errorf("store %s: %w", asset, err)
		}
		total += int64(len(responses[i].Body))
	}

	fields := logging.LifecycleFields("install", w.Name(), w.Strategy())
	fields["assets"] = len(w.version.Assets)
	fields["size"] = humanize.Bytes(uint64(total))
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("precache_complete")

	ev.SkipWaiting()
	return nil
}

// Activate 删除除当前版本外的全部命名空间，然后接管所有客户端。
func (w *Worker) Activate(ev *host.ActivateEvent) error {
	ctx := ev.Context()

	names, err := w.storage.Keys(ctx)
	if err != nil {
		ev.Claim()
		return fmt.Errorf("list caches: %w", err)
	}

	var firstErr error
	for _, name := range names {
		if name == w.Name() {
			continue
		}
		fields := logging.LifecycleFields("activate", w.Name(), w.Strategy())
		fields["evicted"] = name
		deleted, err := w.storage.Delete(ctx, name)
		if err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("cache_evict_failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("delete cache %s: %w", name, err)
			}
			continue
		}
		if deleted {
			w.logger.WithFields(fields).Info("cache_evicted")
		}
	}

	ev.Claim()
	return firstErr
}

// Fetch 交由配置的策略处理。
func (w *Worker) Fetch(ev *host.FetchEvent) (*fetch.Response, bool, error) {
	if ev.Request == nil || ev.Request.URL == nil {
		return nil, false, nil
	}
	return w.strategy(w, ev)
}

// namespace 返回当前版本的缓存句柄，首次调用时打开。
func (w *Worker) namespace(ctx context.Context) (cache.Cache, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cache != nil {
		return w.cache, nil
	}
	c, err := w.storage.Open(ctx, w.Name())
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", w.Name(), err)
	}
	w.cache = c
	return c, nil
}

// match 查询缓存，读取失败按未命中处理。
func (w *Worker) match(ctx context.Context, req *http.Request, requestID string) *fetch.Response {
	c, err := w.namespace(ctx)
	if err != nil {
		w.logFetch(req, requestID).WithError(err).Warn("cache_read_failed")
		return nil
	}
	resp, err := c.Match(ctx, req)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logFetch(req, requestID).WithError(err).Warn("cache_read_failed")
		}
		return nil
	}
	return resp
}

// store 覆盖写入缓存，失败只记录日志。
func (w *Worker) store(ctx context.Context, req *http.Request, resp *fetch.Response, requestID string) {
	c, err := w.namespace(ctx)
	if err == nil {
		err = c.Put(ctx, req, resp)
	}
	if err != nil {
		w.logFetch(req, requestID).WithError(err).Warn("cache_write_failed")
		return
	}
	w.logFetch(req, requestID).WithField("status", resp.Status).Debug("cache_updated")
}

// discard 清理安装失败时新建的命名空间；已存在的命名空间保持原状。
func (w *Worker) discard(ctx context.Context, existed bool) {
	if existed {
		return
	}
	w.mu.Lock()
	w.cache = nil
	w.mu.Unlock()
	if _, err := w.storage.Delete(context.WithoutCancel(ctx), w.Name()); err != nil {
		w.logger.WithFields(logging.LifecycleFields("install", w.Name(), w.Strategy())).
			WithError(err).Warn("cache_discard_failed")
	}
}

func (w *Worker) logFetch(req *http.Request, requestID string) *logrus.Entry {
	fields := logrus.Fields{
		"action":   "fetch",
		"cache":    w.Name(),
		"strategy": w.Strategy(),
		"url":      cache.RequestKey(req),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return w.logger.WithFields(fields)
}
