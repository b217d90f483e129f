package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	perrors "github.com/jmgilman/go/errors"

	"github.com/simplecrew/swcache/internal/server"
	"github.com/simplecrew/swcache/internal/worker"
)

// Upstream 是 worker 的网络出口，把页面请求转发到 dashboard 后端。
type Upstream struct {
	client *http.Client
	base   *url.URL
}

// NewUpstream 以共享 http.Client 与上游基础地址构建 Network 实现。
func NewUpstream(client *http.Client, base string) (*Upstream, error) {
	if client == nil {
		return nil, stderrors.New("http client required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", base)
	}
	return &Upstream{client: client, base: parsed}, nil
}

// Fetch 发送请求并完整读取响应体；传输层错误带 NETWORK_ERROR / TIMEOUT 错误码。
func (u *Upstream) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	target := u.resolve(req.URL)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytesReader(req.Body))
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "build upstream request")
	}

	server.CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = target.Host
	if req.URL != nil && req.URL.Host != "" {
		httpReq.Header.Set("X-Forwarded-Host", req.URL.Host)
		httpReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, wrapTransportError(err, target)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransportError(err, target)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		Source: worker.SourceNetwork,
	}, nil
}

// resolve 把页面 URL 的 path/query 映射到上游基础地址下。
func (u *Upstream) resolve(pageURL *url.URL) *url.URL {
	if pageURL == nil {
		return u.base
	}
	target := *u.base
	target.Path = strings.TrimRight(u.base.Path, "/") + pageURL.Path
	target.RawPath = ""
	if pageURL.RawPath != "" {
		target.RawPath = strings.TrimRight(u.base.EscapedPath(), "/") + pageURL.RawPath
	}
	target.RawQuery = pageURL.RawQuery
	target.Fragment = ""
	return &target
}

func wrapTransportError(err error, target *url.URL) error {
	code := perrors.CodeNetwork
	if isTimeout(err) {
		code = perrors.CodeTimeout
	}
	return perrors.WrapWithContext(err, code, "upstream request failed", map[string]interface{}{
		"url": target.String(),
	})
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}
