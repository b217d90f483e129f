package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Storage 管理全部命名缓存库，对应浏览器中的 CacheStorage。
type Storage interface {
	// Open 打开指定名称的缓存库，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Lookup 返回已存在的缓存库，不存在时返回 ErrStoreNotFound，不会创建。
	Lookup(ctx context.Context, name string) (Cache, error)

	// Has 返回缓存库是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回所有缓存库名称，按名称排序。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存库及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Cache 是单个命名缓存库，以 (method, URL) 作为条目键。
type Cache interface {
	Name() string

	// Match 返回键对应的快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Snapshot, error)

	// Put 写入快照；同一键的旧条目被直接覆盖。缓存库已被删除时返回 ErrStoreDeleted。
	Put(ctx context.Context, key RequestKey, snap Snapshot) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 返回库内所有条目的键。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 是缓存条目的请求标识。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestKey 规范化 method（大写，空值视为 GET）。
func NewRequestKey(method, rawURL string) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: rawURL}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Hash 返回键的稳定摘要，fs 后端用作文件名。
func (k RequestKey) Hash() string {
	sum := sha1.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// Snapshot 是一次响应的完整副本。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreDeleted 表示写入时缓存库已被删除，已删除的库不会因迟到的写入复活。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrStoreNotFound 表示缓存库不存在。
	ErrStoreNotFound = errors.New("cache store not found")
	// ErrInvalidName 表示缓存库名称不合法。
	ErrInvalidName = errors.New("invalid cache store name")
)

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
