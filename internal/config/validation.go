package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency < 0 {
		return newFieldError("Global.InstallConcurrency", "不能为负数")
	}

	return c.Worker.validate()
}

func (w *WorkerConfig) validate() error {
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	if err := validateCacheName(w.CacheName); err != nil {
		return fmt.Errorf("%s: %w", workerField("CacheName"), err)
	}
	if w.Domain != "" {
		if err := validateDomain(w.Domain); err != nil {
			return fmt.Errorf("%s: %w", workerField("Domain"), err)
		}
	}
	if !strings.HasPrefix(w.Scope, "/") {
		return newFieldError(workerField("Scope"), "必须以 / 开头")
	}

	switch w.Strategy {
	case StrategyStaleWhileRevalidate, StrategyCacheFirst:
	default:
		return newFieldError(workerField("Strategy"), "仅支持 "+StrategyStaleWhileRevalidate+"/"+StrategyCacheFirst)
	}

	if len(w.Assets) == 0 {
		return newFieldError(workerField("Assets"), "至少需要一个资源")
	}
	seen := make(map[string]struct{}, len(w.Assets))
	for _, asset := range w.Assets {
		trimmed := strings.TrimSpace(asset)
		if trimmed == "" {
			return newFieldError(workerField("Assets"), "不允许空路径")
		}
		if _, dup := seen[trimmed]; dup {
			return newFieldError(workerField("Assets"), "重复资源: "+trimmed)
		}
		seen[trimmed] = struct{}{}
	}
	if _, err := w.AssetURLs(); err != nil {
		return fmt.Errorf("%s: %w", workerField("Assets"), err)
	}
	return nil
}

// validateCacheName 限制命名空间为单段名称，保证可以直接映射到存储目录。
func validateCacheName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if name == "." || name == ".." {
		return errors.New("非法名称")
	}
	if strings.ContainsAny(name, `/\ `) {
		return errors.New("不允许包含路径分隔符或空格")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("不允许以 . 开头")
	}
	return nil
}

func validateDomain(domain string) error {
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
