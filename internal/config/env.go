package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides 收集部署环境中可覆盖的少量字段，优先级高于 TOML 文件。
type envOverrides struct {
	CacheVersion string `env:"SWCACHE_CACHE_VERSION"`
	Upstream     string `env:"SWCACHE_UPSTREAM"`
	ListenPort   int    `env:"SWCACHE_LISTEN_PORT"`
	LogLevel     string `env:"SWCACHE_LOG_LEVEL"`
	Origin       string `env:"ORIGIN"`
}

func applyEnvOverrides(cfg *Config) error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}

	if v := strings.TrimSpace(overrides.CacheVersion); v != "" {
		cfg.Worker.CacheVersion = v
	}
	if v := strings.TrimSpace(overrides.Upstream); v != "" {
		cfg.Global.Upstream = v
	}
	if overrides.ListenPort != 0 {
		cfg.Global.ListenPort = overrides.ListenPort
	}
	if v := strings.TrimSpace(overrides.LogLevel); v != "" {
		cfg.Global.LogLevel = v
	}
	if v := strings.TrimSpace(overrides.Origin); v != "" {
		cfg.Worker.Origin = v
	}
	return nil
}
