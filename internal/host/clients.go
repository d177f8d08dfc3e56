package host

import (
	"sort"
	"time"
)

const (
	// clientIdleTTL bounds how long an unseen client stays in the table.
	clientIdleTTL = 24 * time.Hour
	// clientPruneInterval spaces out the idle sweeps done on the request path.
	clientPruneInterval = time.Minute
)

// Client is one browsing context (a tab holding the client cookie).
type Client struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Requests   int64     `json:"requests"`
}

// VersionStatus describes one registered worker version.
type VersionStatus struct {
	CacheName   string    `json:"cache_name"`
	Strategy    string    `json:"strategy"`
	State       State     `json:"state"`
	Assets      []string  `json:"assets,omitempty"`
	InstalledAt time.Time `json:"installed_at,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Snapshot is a point-in-time view of the host for diagnostics.
type Snapshot struct {
	Active            *VersionStatus `json:"active,omitempty"`
	Waiting           *VersionStatus `json:"waiting,omitempty"`
	Installing        *VersionStatus `json:"installing,omitempty"`
	Clients           int            `json:"clients"`
	ControlledClients int            `json:"controlled_clients"`
	InflightFetches   int64          `json:"inflight_fetches"`
	PendingLifetimes  int64          `json:"pending_lifetimes"`
}

// controllerFor records the client and returns the registration that should
// handle its requests, or nil when the client is not controlled.
func (h *Host) controllerFor(clientID string) *registration {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.lastPrune) >= clientPruneInterval {
		h.pruneClientsLocked(now)
	}

	active := h.active
	if clientID == "" {
		return active
	}

	c, ok := h.clients[clientID]
	if !ok {
		c = &Client{ID: clientID, FirstSeen: now}
		// 新客户端在已有激活版本时直接受其控制，与导航请求选择 active worker 一致。
		if active != nil {
			c.Controller = active.worker.Name()
		}
		h.clients[clientID] = c
	}
	c.LastSeen = now
	c.Requests++

	if active == nil || c.Controller == "" || c.Controller != active.worker.Name() {
		return nil
	}
	return active
}

// Clients returns the known clients ordered by id.
func (h *Host) Clients() []Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Status returns a snapshot of the registration and client table.
func (h *Host) Status() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneClientsLocked(time.Now())

	snap := Snapshot{
		Active:           describe(h.active),
		Waiting:          describe(h.waiting),
		Installing:       describe(h.installing),
		Clients:          len(h.clients),
		InflightFetches:  h.inflight.Load(),
		PendingLifetimes: h.pendingCount.Load(),
	}
	if h.active != nil {
		name := h.active.worker.Name()
		for _, c := range h.clients {
			if c.Controller == name {
				snap.ControlledClients++
			}
		}
	}
	return snap
}

// ActiveName returns the cache name of the active version, or "".
func (h *Host) ActiveName() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil {
		return ""
	}
	return h.active.worker.Name()
}

// Waiting returns the cache name of the installed version waiting for
// activation, or "".
func (h *Host) Waiting() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.waiting == nil {
		return ""
	}
	return h.waiting.worker.Name()
}

func (h *Host) pruneClientsLocked(now time.Time) {
	h.lastPrune = now
	for id, c := range h.clients {
		if now.Sub(c.LastSeen) > clientIdleTTL {
			delete(h.clients, id)
		}
	}
}

func describe(reg *registration) *VersionStatus {
	if reg == nil {
		return nil
	}
	status := &VersionStatus{
		CacheName:   reg.worker.Name(),
		Strategy:    reg.worker.Strategy(),
		State:       reg.state,
		InstalledAt: reg.installedAt,
		ActivatedAt: reg.activatedAt,
	}
	if lister, ok := reg.worker.(assetLister); ok {
		status.Assets = lister.Assets()
	}
	return status
}

// assetLister 由暴露资源清单的 worker 实现，仅用于诊断输出。
type assetLister interface {
	Assets() []string
}
