package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
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

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// GlobalConfig 描述网关进程级参数：监听端口、日志、缓存后端与上游。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CacheBackend    string   `mapstructure:"CacheBackend"`
	Upstream        string   `mapstructure:"Upstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 对应 [Worker] 段：缓存版本、作用域 origin、保留前缀与预缓存列表。
type WorkerConfig struct {
	// CacheVersion 即当前缓存库名称，每次改变缓存语义的发布都需要递增。
	CacheVersion string   `mapstructure:"CacheVersion"`
	Origin       string   `mapstructure:"Origin"`
	APIPrefix    string   `mapstructure:"APIPrefix"`
	ScriptPrefix string   `mapstructure:"ScriptPrefix"`
	StylePrefix  string   `mapstructure:"StylePrefix"`
	Precache     []string `mapstructure:"Precache"`
	// ClientIdleTTL 与 MaxClients 限制客户端表：空闲超时或超出上限的客户端被淘汰。
	ClientIdleTTL Duration `mapstructure:"ClientIdleTTL"`
	MaxClients    int      `mapstructure:"MaxClients"`
}

// NotificationConfig 对应 [Notification] 段，未填写的字段回退到内置默认值。
type NotificationConfig struct {
	Title              string `mapstructure:"Title"`
	Body               string `mapstructure:"Body"`
	Icon               string `mapstructure:"Icon"`
	Badge              string `mapstructure:"Badge"`
	Tag                string `mapstructure:"Tag"`
	Vibrate            []int  `mapstructure:"Vibrate"`
	RequireInteraction bool   `mapstructure:"RequireInteraction"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Worker       WorkerConfig       `mapstructure:"Worker"`
	Notification NotificationConfig `mapstructure:"Notification"`
}

// StorageFile 返回 sqlite 后端使用的数据库文件路径。
func (g GlobalConfig) StorageFile() string {
	return filepath.Join(g.StoragePath, "swcache.db")
}
