package worker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/guide-cache/internal/fetch"
	"github.com/any-hub/guide-cache/internal/host"
)

// Strategy 处理一次被拦截的请求。handled=false 表示交还宿主直连网络。
type Strategy func(w *Worker, ev *host.FetchEvent) (resp *fetch.Response, handled bool, err error)

var globalStrategies = newStrategyRegistry()

type strategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func newStrategyRegistry() *strategyRegistry {
	return &strategyRegistry{strategies: make(map[string]Strategy)}
}

// RegisterStrategy 以名称注册策略，重复名称会返回错误。
func RegisterStrategy(name string, fn Strategy) error {
	return globalStrategies.register(name, fn)
}

// MustRegisterStrategy 在注册失败时 panic，适合 init() 中调用。
func MustRegisterStrategy(name string, fn Strategy) {
	if err := RegisterStrategy(name, fn); err != nil {
		panic(err)
	}
}

// ResolveStrategy 按名称查找策略，名称大小写不敏感。
func ResolveStrategy(name string) (Strategy, bool) {
	return globalStrategies.resolve(name)
}

// StrategyNames 返回已注册策略名称，按字典序排列。
func StrategyNames() []string {
	return globalStrategies.names()
}

func normalizeStrategyName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *strategyRegistry) register(name string, fn Strategy) error {
	key := normalizeStrategyName(name)
	if key == "" {
		return fmt.Errorf("strategy name is required")
	}
	if fn == nil {
		return fmt.Errorf("strategy %s has no handler", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[key]; exists {
		return fmt.Errorf("strategy %s already registered", key)
	}
	r.strategies[key] = fn
	return nil
}

func (r *strategyRegistry) resolve(name string) (Strategy, bool) {
	key := normalizeStrategyName(name)
	if key == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.strategies[key]
	return fn, ok
}

func (r *strategyRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]string, 0, len(r.strategies))
	for key := range r.strategies {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
