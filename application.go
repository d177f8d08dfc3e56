package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/guide-cache/internal/cache"
	"github.com/any-hub/guide-cache/internal/config"
	"github.com/any-hub/guide-cache/internal/fetch"
	"github.com/any-hub/guide-cache/internal/host"
	"github.com/any-hub/guide-cache/internal/logging"
	"github.com/any-hub/guide-cache/internal/proxy"
	"github.com/any-hub/guide-cache/internal/server"
	"github.com/any-hub/guide-cache/internal/server/routes"
	"github.com/any-hub/guide-cache/internal/version"
	"github.com/any-hub/guide-cache/internal/worker"
)

// shutdownTimeout 限制退出时等待后台缓存写入的时间。
const shutdownTimeout = 15 * time.Second

// application 持有进程内共享的缓存、host 与 Fiber 实例。
type application struct {
	logger  *logrus.Logger
	store   cache.Storage
	fetcher fetch.Fetcher
	host    *host.Host
	app     *fiber.App
	port    int

	mu      sync.Mutex
	current *config.Config
}

func newApplication(cfg *config.Config, logger *logrus.Logger) (*application, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	origin := cfg.Worker.OriginURL()
	if origin == nil {
		return nil, fmt.Errorf("无效的源站地址: %s", cfg.Worker.Origin)
	}
	fetcher := fetch.NewHTTPFetcher(server.NewUpstreamClient(cfg), origin, version.UserAgent())
	h := host.New(logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(h, fetcher, origin, logger),
		ListenPort: cfg.Global.ListenPort,
		Domain:     cfg.Worker.Domain,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, h, store, logger)

	return &application{
		logger:  logger,
		store:   store,
		fetcher: fetcher,
		host:    h,
		app:     app,
		port:    cfg.Global.ListenPort,
	}, nil
}

// install 以 cfg.Worker 构建新版本并交给 host 安装；失败时保留当前版本。
func (a *application) install(ctx context.Context, cfg *config.Config) error {
	err := a.register(ctx, cfg)
	if err != nil {
		fields := logging.LifecycleFields("install", cfg.Worker.CacheName, cfg.Worker.Strategy)
		if active := a.host.ActiveName(); active != "" {
			fields["serving"] = active
		}
		a.logger.WithFields(fields).WithError(err).Warn("worker_not_installed")
		if !errors.Is(err, errActivate) {
			return err
		}
	}

	a.mu.Lock()
	a.current = cfg
	a.mu.Unlock()
	return err
}

// errActivate 标记安装成功但激活阶段出错，新版本依旧生效。
var errActivate = errors.New("activate incomplete")

func (a *application) register(ctx context.Context, cfg *config.Config) error {
	assets, err := cfg.Worker.AssetURLs()
	if err != nil {
		return err
	}
	w, err := worker.New(worker.Options{
		Version: worker.Version{
			CacheName: cfg.Worker.CacheName,
			Assets:    assets,
			Strategy:  cfg.Worker.Strategy,
		},
		Storage:            a.store,
		Fetcher:            a.fetcher,
		Logger:             a.logger,
		InstallConcurrency: cfg.Global.InstallConcurrency,
	})
	if err != nil {
		return err
	}

	err = a.host.Register(ctx, w)
	if err != nil && !errors.Is(err, host.ErrInstallFailed) && !errors.Is(err, host.ErrClosed) {
		return fmt.Errorf("%w: %w", errActivate, err)
	}
	return err
}

// reload 处理配置热更新：worker 相关字段变化时安装新版本，其余字段需要重启生效。
func (a *application) reload(ctx context.Context, next *config.Config, configPath string) {
	a.mu.Lock()
	previous := a.current
	a.mu.Unlock()

	if previous != nil {
		if fields := restartOnlyChanges(previous, next); len(fields) > 0 {
			entry := logging.BaseFields("reload", configPath)
			entry["fields"] = fields
			a.logger.WithFields(entry).Warn("restart_required")
		}
		if !workerChanged(previous.Worker, next.Worker) {
			return
		}
	}

	fields := logging.BaseFields("reload", configPath)
	fields["cache"] = next.Worker.CacheName
	if previous != nil {
		fields["previous"] = previous.Worker.CacheName
	}
	a.logger.WithFields(fields).Info("worker_update")

	_ = a.install(ctx, next)
}

// serve 监听端口直到 ctx 结束，然后停止接收请求并等待后台缓存写入完成。
func (a *application) serve(ctx context.Context) error {
	port := a.port
	listenErr := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		listenErr <- a.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.app.ShutdownWithContext(shutdownCtx); err != nil {
		a.logger.WithField("action", "shutdown").WithError(err).Warn("http_shutdown_failed")
	}
	if err := a.host.Shutdown(shutdownCtx); err != nil {
		a.logger.WithField("action", "shutdown").WithError(err).Warn("pending_work_abandoned")
	}
	a.logger.WithFields(logrus.Fields{
		"action":  "shutdown",
		"pending": a.host.Status().PendingLifetimes,
	}).Info("服务已停止")
	return nil
}

func workerChanged(prev, next config.WorkerConfig) bool {
	return prev.CacheName != next.CacheName ||
		prev.Strategy != next.Strategy ||
		prev.Scope != next.Scope ||
		!slices.Equal(prev.Assets, next.Assets)
}

func restartOnlyChanges(prev, next *config.Config) []string {
	var fields []string
	if prev.Global.ListenPort != next.Global.ListenPort {
		fields = append(fields, "ListenPort")
	}
	if prev.Global.StoragePath != next.Global.StoragePath {
		fields = append(fields, "StoragePath")
	}
	if prev.Global.UpstreamTimeout != next.Global.UpstreamTimeout {
		fields = append(fields, "UpstreamTimeout")
	}
	if logSettingsChanged(prev.Global, next.Global) {
		fields = append(fields, "Log")
	}
	if prev.Global.InstallConcurrency != next.Global.InstallConcurrency {
		fields = append(fields, "InstallConcurrency")
	}
	if prev.Worker.Origin != next.Worker.Origin {
		fields = append(fields, workerFieldPath("Origin"))
	}
	if prev.Worker.Domain != next.Worker.Domain {
		fields = append(fields, workerFieldPath("Domain"))
	}
	return fields
}

func logSettingsChanged(prev, next config.GlobalConfig) bool {
	return prev.LogLevel != next.LogLevel ||
		prev.LogFilePath != next.LogFilePath ||
		prev.LogMaxSize != next.LogMaxSize ||
		prev.LogMaxBackups != next.LogMaxBackups ||
		prev.LogCompress != next.LogCompress
}

func workerFieldPath(field string) string {
	return "Worker." + field
}
