package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 兼容纯秒整数与 Go Duration 字符串两种写法。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 缓存策略名称，与 Worker.Strategy 字段取值一致。
const (
	StrategyStaleWhileRevalidate = "stale-while-revalidate"
	StrategyCacheFirst           = "cache-first"
)

// DefaultAssets 是 guide 应用离线运行所需的核心文件。
var DefaultAssets = []string{
	"./",
	"./index.html",
	"./manifest.json",
	"./icon-192.png",
	"./icon-512.png",
	"./images/profile.jpg",
}

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// WorkerConfig 对应一个缓存策略版本：CacheName 即当前缓存命名空间，
// 修改它即可向所有客户端推送新版本。
type WorkerConfig struct {
	Origin    string   `mapstructure:"Origin"`
	Scope     string   `mapstructure:"Scope"`
	Domain    string   `mapstructure:"Domain"`
	CacheName string   `mapstructure:"CacheName"`
	Strategy  string   `mapstructure:"Strategy"`
	Assets    []string `mapstructure:"Assets"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// OriginURL 返回解析后的源站地址，假定 Validate 已通过。
func (w WorkerConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(w.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// ScopeURL 将 Scope 拼接到源站上，作为资源路径解析的基准。
func (w WorkerConfig) ScopeURL() *url.URL {
	origin := w.OriginURL()
	if origin == nil {
		return nil
	}
	scope := w.Scope
	if scope == "" {
		scope = "/"
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return origin.ResolveReference(&url.URL{Path: scope})
}

// AssetURLs 将 Assets 中的相对路径解析为绝对 URL，保持原有顺序。
func (w WorkerConfig) AssetURLs() ([]string, error) {
	base := w.ScopeURL()
	if base == nil {
		return nil, fmt.Errorf("invalid origin: %s", w.Origin)
	}
	result := make([]string, 0, len(w.Assets))
	for _, raw := range w.Assets {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid asset %q: %w", raw, err)
		}
		resolved := base.ResolveReference(ref)
		resolved.Fragment = ""
		result = append(result, resolved.String())
	}
	return result, nil
}
