package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplecrew/swcache/internal/cache"
	"github.com/simplecrew/swcache/internal/clients"
	"github.com/simplecrew/swcache/internal/notify"
)

const testOrigin = "http://localhost:8090"

var errOffline = errors.New("dial tcp: network is unreachable")

var testPrefixes = Prefixes{API: "/api/", Script: "/static/js/", Style: "/static/css/"}

var testPrecache = []string{"/manifest.json", "/static/icons/icon-192.png", "/static/icons/icon-512.png"}

// fakeNetwork 记录每个路径的调用次数，可整体离线或按路径返回指定结果。
type fakeNetwork struct {
	mu        sync.Mutex
	calls     map[string]int
	offline   bool
	failures  map[string]error
	responses map[string]*Response
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		calls:     make(map[string]int),
		failures:  make(map[string]error),
		responses: make(map[string]*Response),
	}
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	path := req.URL.Path
	n.calls[path]++
	if n.offline {
		return nil, errOffline
	}
	if err, ok := n.failures[path]; ok {
		return nil, err
	}
	if resp, ok := n.responses[path]; ok {
		cp := *resp
		cp.Header = resp.Header.Clone()
		cp.Source = SourceNetwork
		return &cp, nil
	}
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(fmt.Sprintf("live:%s %s", req.Method, path)),
		Source: SourceNetwork,
	}, nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) respond(path string, resp *Response) {
	n.mu.Lock()
	n.responses[path] = resp
	n.mu.Unlock()
}

func (n *fakeNetwork) fail(path string, err error) {
	n.mu.Lock()
	n.failures[path] = err
	n.mu.Unlock()
}

func (n *fakeNetwork) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

// faultyStorage 包装真实存储，注入打开或删除失败。
type faultyStorage struct {
	cache.Storage
	openErr   error
	deleteErr map[string]error
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.Storage.Open(ctx, name)
}

func (s *faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err, ok := s.deleteErr[name]; ok {
		return false, err
	}
	return s.Storage.Delete(ctx, name)
}

type testEnv struct {
	net      *fakeNetwork
	storage  cache.Storage
	clients  *clients.Registry
	notifier *notify.Center
}

func newTestEnv() *testEnv {
	return &testEnv{
		net:      newFakeNetwork(),
		storage:  cache.NewMemoryStorage(),
		clients:  clients.NewRegistry(),
		notifier: notify.NewCenter(nil),
	}
}

func (e *testEnv) options(version string) Options {
	return Options{
		Version:      version,
		Origin:       testOrigin,
		Prefixes:     testPrefixes,
		Precache:     testPrecache,
		Storage:      e.storage,
		Network:      e.net,
		Clients:      e.clients,
		Notifier:     e.notifier,
		Notification: notify.Defaults(),
	}
}

// activeWorker 返回已安装并激活的 worker。
func (e *testEnv) activeWorker(t *testing.T, version string) *Worker {
	t.Helper()
	w, err := New(e.options(version))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = w.Dispatch(ctx, InstallEvent{}).Wait(ctx)
	require.NoError(t, err)
	_, err = w.Dispatch(ctx, ActivateEvent{}).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StateActivated, w.State())
	return w
}

func fetchEvent(t *testing.T, method, path string, mode Mode) FetchEvent {
	t.Helper()
	req, err := NewRequest(method, testOrigin+path)
	require.NoError(t, err)
	req.Mode = mode
	return FetchEvent{Request: req}
}

func dispatchFetch(t *testing.T, w *Worker, method, path string, mode Mode) (*Response, error) {
	t.Helper()
	ctx := context.Background()
	res, err := w.Dispatch(ctx, fetchEvent(t, method, path, mode)).Wait(ctx)
	return res.Response, err
}

// storedKeys 汇总所有缓存库中的条目 URL 路径。
func storedKeys(t *testing.T, storage cache.Storage) []cache.RequestKey {
	t.Helper()
	ctx := context.Background()
	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	var all []cache.RequestKey
	for _, name := range names {
		c, err := storage.Open(ctx, name)
		require.NoError(t, err)
		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		all = append(all, keys...)
	}
	return all
}
