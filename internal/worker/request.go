package worker

import (
	"bytes"
	"net/http"
	"net/url"
	"time"

	"github.com/simplecrew/swcache/internal/cache"
)

// Mode 对应 fetch 请求的 mode。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
)

// Request 是被拦截的一次页面请求。
type Request struct {
	Method   string
	URL      *url.URL
	Mode     Mode
	Header   http.Header
	Body     []byte
	ClientID string
}

// NewRequest 以 GET 构造同源请求，预缓存与测试使用。
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: method, URL: u, Mode: ModeNoCORS, Header: http.Header{}}, nil
}

// Key 返回请求在缓存库中的标识。
func (r *Request) Key() cache.RequestKey {
	return cache.NewRequestKey(r.Method, r.URL.String())
}

// IsRead 表示无请求体的读方法。
func (r *Request) IsRead() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// Source 标记响应来自哪里。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceSynthesized Source = "synthesized"
)

// Response 是返回给页面的响应。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Strategy Strategy
	// StoredAt 仅在命中缓存时非零。
	StoredAt time.Time
}

// OK 表示 2xx 状态。
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Snapshot 克隆响应用于写入缓存库，返回给页面的响应不受影响。
func (r *Response) Snapshot() cache.Snapshot {
	header := http.Header{}
	if r.Header != nil {
		header = r.Header.Clone()
	}
	return cache.Snapshot{
		Status: r.Status,
		Header: header,
		Body:   bytes.Clone(r.Body),
	}
}

func responseFromSnapshot(snap *cache.Snapshot, strategy Strategy) *Response {
	return &Response{
		Status:   snap.Status,
		Header:   snap.Header,
		Body:     snap.Body,
		Source:   SourceCache,
		Strategy: strategy,
		StoredAt: snap.StoredAt,
	}
}

// offlineMessage 是 API 读请求离线时返回的错误描述。
const offlineMessage = "Offline - no network connection"

func offlineResponse() *Response {
	return &Response{
		Status:   http.StatusServiceUnavailable,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(`{"error":"` + offlineMessage + `"}`),
		Source:   SourceSynthesized,
		Strategy: NetworkOnly,
	}
}
