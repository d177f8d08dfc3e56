package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/any-hub/guide-cache/internal/fetch"
	"github.com/any-hub/guide-cache/internal/logging"
)

// State is the lifecycle state of one worker version.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallFailed wraps the error returned by a worker's Install.
	ErrInstallFailed = errors.New("worker install failed")
	// ErrNoWaiting is returned by Promote when no version is waiting.
	ErrNoWaiting = errors.New("no waiting worker")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("host closed")
)

// Worker is the policy handler the host dispatches lifecycle events to.
type Worker interface {
	// Name is the cache namespace the version owns.
	Name() string
	// Strategy names the fetch strategy, for diagnostics only.
	Strategy() string
	Install(ev *InstallEvent) error
	Activate(ev *ActivateEvent) error
	// Fetch reports handled=false when the request should fall through to
	// the network untouched.
	Fetch(ev *FetchEvent) (resp *fetch.Response, handled bool, err error)
}

type registration struct {
	worker      Worker
	state       State
	skipWaiting bool
	installedAt time.Time
	activatedAt time.Time
}

// Host owns the worker registration and the set of known clients.
type Host struct {
	logger *logrus.Logger

	// lifecycle serializes Register/Promote like the browser's job queue.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *registration
	waiting    *registration
	active     *registration
	clients    map[string]*Client
	lastPrune  time.Time

	// drainMu orders pending.Go against Shutdown's Wait.
	drainMu      sync.RWMutex
	draining     bool
	pending      conc.WaitGroup
	pendingCount atomic.Int64
	inflight     atomic.Int64
	closed       atomic.Bool
}

// New creates an empty host. Requests are not intercepted until a worker
// version has been registered and activated.
func New(logger *logrus.Logger) *Host {
	return &Host{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Register installs w and, when it asks to skip waiting or nothing is active
// yet, activates it. A failed install leaves the current active version in
// place.
func (h *Host) Register(ctx context.Context, w Worker) error {
	if w == nil {
		return errors.New("worker is required")
	}
	if h.closed.Load() {
		return ErrClosed
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	reg := &registration{worker: w, state: StateInstalling}
	h.mu.Lock()
	h.installing = reg
	h.mu.Unlock()

	started := time.Now()
	ev := &InstallEvent{
		ExtendableEvent: ExtendableEvent{ctx: ctx, host: h, name: "install"},
		reg:             reg,
	}
	err := h.safeCall(func() error { return w.Install(ev) })

	fields := logging.LifecycleFields("install", w.Name(), w.Strategy())
	fields["elapsed_ms"] = time.Since(started).Milliseconds()

	h.mu.Lock()
	h.installing = nil
	if err != nil {
		reg.state = StateRedundant
		h.mu.Unlock()
		h.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, w.Name(), err)
	}
	reg.state = StateInstalled
	reg.installedAt = time.Now()
	if h.waiting != nil {
		h.waiting.state = StateRedundant
	}
	h.waiting = reg
	activateNow := reg.skipWaiting || h.active == nil
	h.mu.Unlock()

	h.logger.WithFields(fields).Info("install_complete")

	if !activateNow {
		h.logger.WithFields(logging.LifecycleFields("install", w.Name(), w.Strategy())).Info("worker_waiting")
		return nil
	}
	return h.activate(ctx, reg)
}

// Promote activates the waiting version, if any.
func (h *Host) Promote(ctx context.Context) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.RLock()
	reg := h.waiting
	h.mu.RUnlock()
	if reg == nil {
		return ErrNoWaiting
	}
	return h.activate(ctx, reg)
}

func (h *Host) activate(ctx context.Context, reg *registration) error {
	h.mu.Lock()
	previous := h.active
	if previous != nil && previous != reg {
		previous.state = StateRedundant
	}
	reg.state = StateActivating
	h.active = reg
	if h.waiting == reg {
		h.waiting = nil
	}
	h.mu.Unlock()

	w := reg.worker
	ev := &ActivateEvent{ExtendableEvent: ExtendableEvent{ctx: ctx, host: h, name: "activate"}}
	err := h.safeCall(func() error { return w.Activate(ev) })

	h.mu.Lock()
	reg.state = StateActivated
	reg.activatedAt = time.Now()
	h.mu.Unlock()

	fields := logging.LifecycleFields("activate", w.Name(), w.Strategy())
	if previous != nil && previous != reg {
		fields["previous"] = previous.worker.Name()
	}
	if err != nil {
		// 激活失败不回滚：新版本依旧生效，只是旧缓存可能未清理干净。
		h.logger.WithFields(fields).WithError(err).Error("activate_failed")
		return err
	}
	h.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Claim makes the active version the controller of every known client.
func (h *Host) Claim() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return 0
	}
	name := h.active.worker.Name()
	changed := 0
	for _, c := range h.clients {
		if c.Controller != name {
			c.Controller = name
			changed++
		}
	}
	h.pruneClientsLocked(time.Now())
	h.logger.WithFields(logrus.Fields{
		"action":  "claim",
		"cache":   name,
		"clients": len(h.clients),
		"changed": changed,
	}).Info("clients_claimed")
	return changed
}

// Dispatch delivers a fetch event to the version controlling clientID and
// returns the cache name of the version that handled it. An empty name means
// the caller should go to the network directly.
func (h *Host) Dispatch(ctx context.Context, clientID, requestID string, req *http.Request) (*fetch.Response, string, error) {
	reg := h.controllerFor(clientID)
	if reg == nil {
		return nil, "", nil
	}

	h.inflight.Add(1)
	defer h.inflight.Add(-1)

	ev := &FetchEvent{
		ExtendableEvent: ExtendableEvent{ctx: ctx, host: h, name: "fetch"},
		Request:         req,
		ClientID:        clientID,
		RequestID:       requestID,
	}

	name := reg.worker.Name()
	var (
		resp    *fetch.Response
		handled bool
	)
	err := h.safeCall(func() error {
		var fetchErr error
		resp, handled, fetchErr = reg.worker.Fetch(ev)
		return fetchErr
	})
	if err != nil {
		return nil, name, err
	}
	if !handled {
		return nil, "", nil
	}
	return resp, name, nil
}

// Shutdown stops accepting lifecycle work and waits for pending WaitUntil
// callbacks to settle or ctx to expire.
func (h *Host) Shutdown(ctx context.Context) error {
	h.drainMu.Lock()
	h.draining = true
	h.closed.Store(true)
	h.drainMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) extend(ctx context.Context, event string, fn func(ctx context.Context)) {
	run := func() {
		var catcher panics.Catcher
		catcher.Try(func() { fn(ctx) })
		if recovered := catcher.Recovered(); recovered != nil {
			h.logger.WithFields(logrus.Fields{
				"action": event,
				"error":  recovered.String(),
			}).Error("wait_until_panic")
		}
	}

	h.drainMu.RLock()
	defer h.drainMu.RUnlock()
	if h.draining {
		// Shutdown 已开始等待，新的后台任务同步执行。
		run()
		return
	}
	h.pendingCount.Add(1)
	h.pending.Go(func() {
		defer h.pendingCount.Add(-1)
		run()
	})
}

// safeCall keeps a panicking handler from taking the process down.
func (h *Host) safeCall(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() { err = fn() })
	if recovered := catcher.Recovered(); recovered != nil {
		return recovered.AsError()
	}
	return err
}
