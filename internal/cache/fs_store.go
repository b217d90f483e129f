package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	entryExt = ".entry"
	// storesDir 是 basePath 下专属的缓存库根目录，只有其中的子目录会被列出或删除。
	storesDir = "caches"
)

// NewFSStorage 在 basePath/caches 下构建磁盘缓存，每个缓存库对应一个子目录。
// basePath 中的其他文件与目录不受影响。
func NewFSStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, storesDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsStorage{
		basePath: root,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fsStorage 通过 entryLock 避免同一条目并发写入；basePath 指向 caches 根目录。
type fsStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 写在条目文件首行，正文紧随其后。
type entryMeta struct {
	Key      RequestKey  `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fsStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache store %s: %w", name, err)
	}
	return &fsCache{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Lookup(ctx context.Context, name string) (Cache, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return &fsCache{storage: s, name: name, dir: filepath.Join(s.basePath, name)}, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fsStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		return false, fmt.Errorf("delete cache store %s: %w", name, err)
	}
	return true, nil
}

func (s *fsStorage) Close() error {
	return nil
}

func (s *fsStorage) lockEntry(name string, key RequestKey) func() {
	lockKey := name + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

type fsCache struct {
	storage *fsStorage
	name    string
	dir     string
}

func (c *fsCache) Name() string {
	return c.name
}

func (c *fsCache) entryPath(key RequestKey) string {
	return filepath.Join(c.dir, key.Hash()+entryExt)
}

func (c *fsCache) Match(ctx context.Context, key RequestKey) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	reader := bufio.NewReader(f)
	meta, err := readMeta(reader)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		// sha1 冲突时不返回他人的条目
		return nil, ErrNotFound
	}

	var body bytes.Buffer
	if _, err := copyWithContext(ctx, &body, reader); err != nil {
		return nil, err
	}
	if int64(body.Len()) != meta.Size {
		return nil, fmt.Errorf("cache entry %s truncated: want %d bytes, got %d", key, meta.Size, body.Len())
	}

	return &Snapshot{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body.Bytes(),
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *fsCache) Put(ctx context.Context, key RequestKey, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := c.storage.lockEntry(c.name, key)
	defer unlock()

	if info, err := os.Stat(c.dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrStoreDeleted, c.name)
	}

	storedAt := snap.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	metaLine, err := json.Marshal(entryMeta{
		Key:      key,
		Status:   snap.Status,
		Header:   snap.Header,
		Size:     int64(len(snap.Body)),
		StoredAt: storedAt,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry meta: %w", err)
	}

	tempFile, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrStoreDeleted, c.name)
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(append(metaLine, '\n'))
	if err == nil {
		_, err = copyWithContext(ctx, tempFile, bytes.NewReader(snap.Body))
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, c.entryPath(key)); err != nil {
		os.Remove(tempName)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrStoreDeleted, c.name)
		}
		return err
	}
	return nil
}

func (c *fsCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := c.storage.lockEntry(c.name, key)
	defer unlock()

	if err := os.Remove(c.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fsCache) Keys(ctx context.Context) ([]RequestKey, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]RequestKey, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entryExt) {
			continue
		}
		meta, err := readMetaFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func readMetaFile(path string) (entryMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()
	return readMeta(bufio.NewReader(f))
}

func readMeta(reader *bufio.Reader) (entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, fmt.Errorf("read cache entry meta: %w", err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache entry meta: %w", err)
	}
	return meta, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
