package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	perrors "github.com/jmgilman/go/errors"

	"github.com/simplecrew/swcache/internal/cache"
	"github.com/simplecrew/swcache/internal/clients"
	"github.com/simplecrew/swcache/internal/logging"
	"github.com/simplecrew/swcache/internal/server"
	"github.com/simplecrew/swcache/internal/worker"
)

const testOrigin = "http://localhost:8090"

var errUnreachable = errors.New("dial tcp: network is unreachable")

// stubNetwork 按路径计数，可整体离线或为单个路径注入错误。
type stubNetwork struct {
	mu       sync.Mutex
	offline  bool
	failures map[string]error
	calls    map[string]int
}

func newStubNetwork() *stubNetwork {
	return &stubNetwork{failures: make(map[string]error), calls: make(map[string]int)}
}

func (n *stubNetwork) Fetch(_ context.Context, req *worker.Request) (*worker.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.URL.Path]++
	if err, ok := n.failures[req.URL.Path]; ok {
		return nil, err
	}
	if n.offline {
		return nil, errUnreachable
	}
	header := http.Header{"Content-Type": []string{"text/html"}}
	header.Add("Set-Cookie", "a=1")
	header.Add("Set-Cookie", "b=2")
	return &worker.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   []byte(fmt.Sprintf("live %s %s", req.Method, req.URL.Path)),
		Source: worker.SourceNetwork,
	}, nil
}

func (n *stubNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *stubNetwork) fail(path string, err error) {
	n.mu.Lock()
	n.failures[path] = err
	n.mu.Unlock()
}

func (n *stubNetwork) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

type gatewayEnv struct {
	network      *stubNetwork
	storage      cache.Storage
	clients      *clients.Registry
	registration *worker.Registration
	handler      *Handler
	app          *fiber.App
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	network := newStubNetwork()
	storage := cache.NewMemoryStorage()
	registry := clients.NewRegistry()
	logger := logging.Discard()
	registration := worker.NewRegistration(worker.Options{
		Origin:   testOrigin,
		Prefixes: worker.Prefixes{API: "/api/", Script: "/static/js/", Style: "/static/css/"},
		Storage:  storage,
		Network:  network,
		Clients:  registry,
		Logger:   logger,
	})
	handler, err := NewHandler(HandlerOptions{
		Registration: registration,
		Network:      network,
		Clients:      registry,
		Origin:       testOrigin,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      ForwarderFor(handler),
		ListenPort: 8090,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &gatewayEnv{
		network:      network,
		storage:      storage,
		clients:      registry,
		registration: registration,
		handler:      handler,
		app:          app,
	}
}

func (e *gatewayEnv) register(t *testing.T, version string) {
	t.Helper()
	if _, err := e.registration.Register(context.Background(), version); err != nil {
		t.Fatalf("register %s: %v", version, err)
	}
}

func (e *gatewayEnv) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func navigate(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, testOrigin+path, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html")
	return req
}

func TestHandlerPassesThroughWithoutActiveWorker(t *testing.T) {
	env := newGatewayEnv(t)

	resp, body := env.do(t, navigate("/dashboard"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "live GET /dashboard" {
		t.Fatalf("unexpected body %q", body)
	}
	if got := resp.Header.Get(HeaderSource); got != "network" {
		t.Fatalf("expected network source, got %s", got)
	}
	if got := resp.Header.Get(HeaderVersion); got != "" {
		t.Fatalf("uncontrolled page must not carry a version, got %s", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	var clientID string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == clients.CookieName {
			clientID = cookie.Value
		}
	}
	if clientID == "" {
		t.Fatalf("expected %s cookie on first navigation", clients.CookieName)
	}
	client, ok := env.clients.Get(clientID)
	if !ok {
		t.Fatalf("expected client %s registered", clientID)
	}
	if client.Controller != "" {
		t.Fatalf("expected uncontrolled client, got %s", client.Controller)
	}
}

func TestHandlerKeepsMultiValueHeaders(t *testing.T) {
	env := newGatewayEnv(t)
	env.register(t, "simplecrew-v1")

	resp, _ := env.do(t, httptest.NewRequest(http.MethodGet, testOrigin+"/api/bills", nil))
	if got := resp.Header.Values("Set-Cookie"); len(got) != 2 {
		t.Fatalf("expected both Set-Cookie values, got %v", got)
	}
	if got := resp.Header.Get(HeaderStrategy); got != worker.NetworkOnly.String() {
		t.Fatalf("expected network-only strategy for api, got %s", got)
	}
	if got := resp.Header.Get(HeaderVersion); got != "simplecrew-v1" {
		t.Fatalf("expected version header, got %s", got)
	}
}

func TestHandlerServesNavigationFromCacheWhenOffline(t *testing.T) {
	env := newGatewayEnv(t)
	env.register(t, "simplecrew-v1")

	resp, body := env.do(t, navigate("/dashboard"))
	if resp.StatusCode != fiber.StatusOK || body != "live GET /dashboard" {
		t.Fatalf("unexpected online response %d %q", resp.StatusCode, body)
	}
	env.registration.Flush()

	env.network.setOffline(true)
	resp, body = env.do(t, navigate("/dashboard"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected cached 200, got %d (%s)", resp.StatusCode, body)
	}
	if body != "live GET /dashboard" {
		t.Fatalf("expected cached body, got %q", body)
	}
	if got := resp.Header.Get(HeaderSource); got != "cache" {
		t.Fatalf("expected cache source, got %s", got)
	}
	if resp.Header.Get(HeaderStoredAt) == "" {
		t.Fatalf("expected stored-at header on cached response")
	}
}

func TestHandlerNavigationMissWhileOffline(t *testing.T) {
	env := newGatewayEnv(t)
	env.register(t, "simplecrew-v1")
	env.network.setOffline(true)

	resp, body := env.do(t, navigate("/settings"))
	if resp.StatusCode != fiber.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "offline_cache_miss") {
		t.Fatalf("expected offline_cache_miss, got %s", body)
	}
}

func TestHandlerSynthesizesOfflineAPIRead(t *testing.T) {
	env := newGatewayEnv(t)
	env.register(t, "simplecrew-v1")
	env.network.setOffline(true)

	resp, body := env.do(t, httptest.NewRequest(http.MethodGet, testOrigin+"/api/balances", nil))
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body != `{"error":"Offline - no network connection"}` {
		t.Fatalf("unexpected offline body %s", body)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %s", got)
	}
	if got := resp.Header.Get(HeaderSource); got != "synthesized" {
		t.Fatalf("expected synthesized source, got %s", got)
	}
}

func TestHandlerOfflineAPIWriteFails(t *testing.T) {
	env := newGatewayEnv(t)
	env.register(t, "simplecrew-v1")
	env.network.setOffline(true)

	req := httptest.NewRequest(http.MethodPost, testOrigin+"/api/transfers", strings.NewReader(`{"amount":"12.50"}`))
	resp, body := env.do(t, req)
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed, got %s", body)
	}
}

func TestHandlerMapsUpstreamTimeout(t *testing.T) {
	env := newGatewayEnv(t)
	env.register(t, "simplecrew-v1")
	env.network.fail("/images/logo.png", perrors.Wrap(context.DeadlineExceeded, perrors.CodeTimeout, "upstream request timed out"))

	resp, body := env.do(t, httptest.NewRequest(http.MethodGet, testOrigin+"/images/logo.png", nil))
	if resp.StatusCode != fiber.StatusGatewayTimeout {
		t.Fatalf("expected 504 for timeout, got %d (%s)", resp.StatusCode, body)
	}
	if !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed, got %s", body)
	}
}

func TestHandlerCacheFirstHitSkipsNetwork(t *testing.T) {
	env := newGatewayEnv(t)
	env.register(t, "simplecrew-v1")

	store, err := env.storage.Open(context.Background(), "simplecrew-v1")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	key := cache.NewRequestKey(http.MethodGet, testOrigin+"/manifest.json")
	if err := store.Put(context.Background(), key, cache.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/manifest+json"}},
		Body:   []byte(`{"name":"SimpleCrew"}`),
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	resp, body := env.do(t, httptest.NewRequest(http.MethodGet, testOrigin+"/manifest.json", nil))
	if resp.StatusCode != fiber.StatusOK || body != `{"name":"SimpleCrew"}` {
		t.Fatalf("unexpected cached response %d %q", resp.StatusCode, body)
	}
	if env.network.count("/manifest.json") != 0 {
		t.Fatalf("cache hit must not touch the network")
	}
}

func TestHandlerHeadOmitsBody(t *testing.T) {
	env := newGatewayEnv(t)

	resp, body := env.do(t, httptest.NewRequest(http.MethodHead, testOrigin+"/static/css/app.css", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "" {
		t.Fatalf("expected empty HEAD body, got %q", body)
	}
}

func TestDetectMode(t *testing.T) {
	cases := []struct {
		name   string
		method string
		header http.Header
		want   worker.Mode
	}{
		{"sec-fetch", http.MethodGet, http.Header{"Sec-Fetch-Mode": []string{"CORS"}}, worker.ModeCORS},
		{"html accept", http.MethodGet, http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}, worker.ModeNavigate},
		{"post html", http.MethodPost, http.Header{"Accept": []string{"text/html"}}, worker.ModeNoCORS},
		{"plain", http.MethodGet, http.Header{}, worker.ModeNoCORS},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := detectMode(tc.method, tc.header); got != tc.want {
				t.Fatalf("detectMode = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNewHandlerValidatesOptions(t *testing.T) {
	registration := worker.NewRegistration(worker.Options{})
	if _, err := NewHandler(HandlerOptions{Network: newStubNetwork(), Origin: testOrigin}); err == nil {
		t.Fatalf("expected error without registration")
	}
	if _, err := NewHandler(HandlerOptions{Registration: registration, Origin: testOrigin}); err == nil {
		t.Fatalf("expected error without network")
	}
	if _, err := NewHandler(HandlerOptions{Registration: registration, Network: newStubNetwork(), Origin: "localhost"}); err == nil {
		t.Fatalf("expected error for origin without scheme")
	}
}
