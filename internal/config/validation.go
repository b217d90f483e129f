package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendMemory: {},
	BackendFS:     {},
	BackendSQLite: {},
}

const supportedBackendList = "memory|fs|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.CacheBackend]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 "+supportedBackendList)
	}
	if g.CacheBackend != BackendMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}

	w := c.Worker
	if err := validateCacheVersion(w.CacheVersion); err != nil {
		return fmt.Errorf("Worker.CacheVersion: %w", err)
	}
	if err := validateUpstream(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	prefixes := map[string]string{
		"Worker.APIPrefix":    w.APIPrefix,
		"Worker.ScriptPrefix": w.ScriptPrefix,
		"Worker.StylePrefix":  w.StylePrefix,
	}
	for field, prefix := range prefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(field, "必须以 / 开头")
		}
		if prefix == "/" {
			return newFieldError(field, "不能覆盖整个作用域")
		}
	}
	if w.ClientIdleTTL.DurationValue() < 0 {
		return newFieldError("Worker.ClientIdleTTL", "不能为负数")
	}
	if w.MaxClients < 0 {
		return newFieldError("Worker.MaxClients", "不能为负数")
	}
	for i, asset := range w.Precache {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(fmt.Sprintf("Worker.Precache[%d]", i), "必须是同源绝对路径")
		}
		if strings.HasPrefix(asset, w.APIPrefix) {
			return newFieldError(fmt.Sprintf("Worker.Precache[%d]", i), "API 路径不允许预缓存")
		}
	}

	for i, v := range c.Notification.Vibrate {
		if v < 0 {
			return newFieldError(fmt.Sprintf("Notification.Vibrate[%d]", i), "不能为负数")
		}
	}

	return nil
}

func validateCacheVersion(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.New("不允许包含路径分隔符")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
