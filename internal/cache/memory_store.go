package cache

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内缓存，重启即丢失，适用于测试与无盘部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryCache)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryCache
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.stores[name]; ok {
		return c, nil
	}
	c := &memoryCache{storage: s, name: name, entries: make(map[RequestKey]Snapshot)}
	s.stores[name] = c
	return c, nil
}

func (s *memoryStorage) Lookup(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return c, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	return true, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (s *memoryStorage) live(c *memoryCache) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stores[c.name] == c
}

type memoryCache struct {
	storage *memoryStorage
	name    string

	mu      sync.RWMutex
	entries map[RequestKey]Snapshot
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, key RequestKey) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	snap, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cloned := cloneSnapshot(snap)
	return &cloned, nil
}

func (c *memoryCache) Put(ctx context.Context, key RequestKey, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.storage.live(c) {
		return fmt.Errorf("%w: %s", ErrStoreDeleted, c.name)
	}
	stored := cloneSnapshot(snap)
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.entries[key] = stored
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	keys := make([]RequestKey, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// cloneSnapshot 深拷贝 header 与 body，避免调用方修改已缓存内容。
func cloneSnapshot(snap Snapshot) Snapshot {
	out := snap
	if snap.Header != nil {
		out.Header = snap.Header.Clone()
	} else {
		out.Header = http.Header{}
	}
	out.Body = bytes.Clone(snap.Body)
	return out
}
