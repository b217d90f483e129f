package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"

	"github.com/simplecrew/swcache/internal/worker"
)

func TestUpstreamFetchForwardsRequest(t *testing.T) {
	var (
		gotPath    string
		gotQuery   string
		gotHost    string
		gotBody    string
		gotForward string
		gotConn    string
	)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHost = r.Header.Get("X-Forwarded-Host")
		gotConn = r.Header.Get("Keep-Alive")
		gotForward = r.Header.Get("X-Client")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	upstream, err := NewUpstream(backend.Client(), backend.URL+"/app")
	if err != nil {
		t.Fatalf("new upstream: %v", err)
	}
	req, err := worker.NewRequest(http.MethodPost, testOrigin+"/api/transfers?dry=1")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Client", "dashboard")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Body = []byte(`{"amount":"12.50"}`)

	resp, err := upstream.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Status != http.StatusCreated || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected response %d %s", resp.Status, resp.Body)
	}
	if resp.Source != worker.SourceNetwork {
		t.Fatalf("expected network source, got %s", resp.Source)
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 2 {
		t.Fatalf("expected both cookies, got %v", got)
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Fatalf("content-length must be dropped")
	}
	if gotPath != "/app/api/transfers" || gotQuery != "dry=1" {
		t.Fatalf("unexpected upstream target %s?%s", gotPath, gotQuery)
	}
	if gotHost != "localhost:8090" {
		t.Fatalf("expected forwarded host localhost:8090, got %s", gotHost)
	}
	if gotForward != "dashboard" {
		t.Fatalf("expected end-to-end header forwarded, got %q", gotForward)
	}
	if gotConn != "" {
		t.Fatalf("hop-by-hop header leaked: %s", gotConn)
	}
	if gotBody != `{"amount":"12.50"}` {
		t.Fatalf("unexpected body %s", gotBody)
	}
}

func TestUpstreamFetchTimeoutCarriesCode(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	client := backend.Client()
	client.Timeout = 50 * time.Millisecond
	upstream, err := NewUpstream(client, backend.URL)
	if err != nil {
		t.Fatalf("new upstream: %v", err)
	}
	req, _ := worker.NewRequest(http.MethodGet, testOrigin+"/slow")

	_, err = upstream.Fetch(context.Background(), req)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if code := perrors.GetCode(err); code != perrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT code, got %s", code)
	}
}

func TestUpstreamFetchNetworkFailureCarriesCode(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	target := backend.URL
	backend.Close()

	upstream, err := NewUpstream(http.DefaultClient, target)
	if err != nil {
		t.Fatalf("new upstream: %v", err)
	}
	req, _ := worker.NewRequest(http.MethodGet, testOrigin+"/dashboard")

	_, err = upstream.Fetch(context.Background(), req)
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if code := perrors.GetCode(err); code != perrors.CodeNetwork {
		t.Fatalf("expected NETWORK_ERROR code, got %s", code)
	}
}

func TestNewUpstreamValidatesBase(t *testing.T) {
	if _, err := NewUpstream(nil, "http://127.0.0.1:3000"); err == nil {
		t.Fatalf("expected error without client")
	}
	if _, err := NewUpstream(http.DefaultClient, "127.0.0.1:3000"); err == nil {
		t.Fatalf("expected error for base without scheme")
	}
}
