package cache

import (
	"fmt"
	"os"

	"github.com/simplecrew/swcache/internal/config"
)

// NewStorage 按 Global.CacheBackend 选择缓存后端。
func NewStorage(cfg config.GlobalConfig) (Storage, error) {
	switch cfg.CacheBackend {
	case config.BackendMemory:
		return NewMemoryStorage(), nil
	case config.BackendFS, "":
		return NewFSStorage(cfg.StoragePath)
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		return NewSQLiteStorage(cfg.StorageFile())
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}
}
