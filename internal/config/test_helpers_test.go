package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validTOML = `
ListenPort = 5000
LogLevel = "info"
StoragePath = "./storage"

[Worker]
Origin = "https://guide.example.com"
CacheName = "mandarin-guide-v12"
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			LogLevel:           "info",
			StoragePath:        "./storage",
			UpstreamTimeout:    Duration(30 * time.Second),
			InstallConcurrency: 4,
		},
		Worker: WorkerConfig{
			Origin:    "https://guide.example.com",
			Scope:     "/",
			CacheName: "mandarin-guide-v12",
			Strategy:  StrategyStaleWhileRevalidate,
			Assets:    append([]string(nil), DefaultAssets...),
		},
	}
}
