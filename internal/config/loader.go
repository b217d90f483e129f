package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 与原 Service Worker 保持一致的默认值。
const (
	DefaultCacheVersion = "simplecrew-v1"
	DefaultAPIPrefix    = "/api/"
	DefaultScriptPrefix = "/static/js/"
	DefaultStylePrefix  = "/static/css/"

	DefaultClientIdleTTL = 24 * time.Hour
	DefaultMaxClients    = 10000
)

// DefaultPrecache 是安装阶段预缓存的静态资源列表。
var DefaultPrecache = []string{
	"/manifest.json",
	"/static/icons/icon-192.png",
	"/static/icons/icon-512.png",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker, cfg.Global.ListenPort)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// Watch 监听配置文件变化并重新 Load，供 CLI 在 CacheVersion 变更时重新注册 worker。
// 回调在 fsnotify 的 goroutine 中执行。
func Watch(path string, onChange func(*Config, error)) error {
	if onChange == nil {
		return fmt.Errorf("watch callback required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		onChange(Load(path))
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8090)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", BackendFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("Worker.CacheVersion", DefaultCacheVersion)
	v.SetDefault("Worker.APIPrefix", DefaultAPIPrefix)
	v.SetDefault("Worker.ScriptPrefix", DefaultScriptPrefix)
	v.SetDefault("Worker.StylePrefix", DefaultStylePrefix)
	v.SetDefault("Worker.Precache", DefaultPrecache)
	v.SetDefault("Worker.ClientIdleTTL", "24h")
	v.SetDefault("Worker.MaxClients", DefaultMaxClients)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8090
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = BackendFS
	}
}

func applyWorkerDefaults(w *WorkerConfig, listenPort int) {
	w.CacheVersion = strings.TrimSpace(w.CacheVersion)
	if w.CacheVersion == "" {
		w.CacheVersion = DefaultCacheVersion
	}
	if w.APIPrefix == "" {
		w.APIPrefix = DefaultAPIPrefix
	}
	if w.ScriptPrefix == "" {
		w.ScriptPrefix = DefaultScriptPrefix
	}
	if w.StylePrefix == "" {
		w.StylePrefix = DefaultStylePrefix
	}
	if w.ClientIdleTTL.DurationValue() == 0 {
		w.ClientIdleTTL = Duration(DefaultClientIdleTTL)
	}
	if w.MaxClients == 0 {
		w.MaxClients = DefaultMaxClients
	}
	w.Origin = strings.TrimRight(strings.TrimSpace(w.Origin), "/")
	if w.Origin == "" {
		w.Origin = fmt.Sprintf("http://localhost:%d", listenPort)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
