package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	perrors "github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"

	"github.com/simplecrew/swcache/internal/clients"
	"github.com/simplecrew/swcache/internal/logging"
	"github.com/simplecrew/swcache/internal/server"
	"github.com/simplecrew/swcache/internal/worker"
)

// 网关写回页面的诊断头。
const (
	HeaderSource   = "X-Swcache-Source"
	HeaderStrategy = "X-Swcache-Strategy"
	HeaderVersion  = "X-Swcache-Version"
	HeaderStoredAt = "X-Swcache-Stored-At"
)

// Handler 把页面请求转换为 worker 的 fetch 事件，并把结果写回 Fiber 响应。
type Handler struct {
	registration *worker.Registration
	network      worker.Network
	clients      *clients.Registry
	origin       *url.URL
	logger       *logrus.Logger
}

// HandlerOptions 汇总 Handler 的依赖。
type HandlerOptions struct {
	Registration *worker.Registration
	Network      worker.Network
	Clients      *clients.Registry
	Origin       string
	Logger       *logrus.Logger
}

// NewHandler constructs a gateway handler over the shared registration and network.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Registration == nil {
		return nil, errors.New("registration required")
	}
	if opts.Network == nil {
		return nil, errors.New("network required")
	}
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.New("invalid origin " + opts.Origin)
	}
	if opts.Clients == nil {
		opts.Clients = clients.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Handler{
		registration: opts.Registration,
		network:      opts.Network,
		clients:      opts.Clients,
		origin:       origin,
		logger:       opts.Logger,
	}, nil
}

// Handle 由当前激活的 worker 处理请求；没有激活 worker 时页面未受控，直接走网络。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := h.buildRequest(c)

	active := h.registration.Active()
	if req.Mode == worker.ModeNavigate {
		h.trackClient(c, req, active)
	}
	if active == nil {
		return h.serveNetwork(c, req, requestID, started)
	}

	ctx := requestContext(c)
	res, err := active.Dispatch(ctx, worker.FetchEvent{Request: req}).Wait(ctx)
	if errors.Is(err, worker.ErrRedundant) {
		// 注册切换期间旧 worker 已作废，交给新 worker 重试一次
		if next := h.registration.Active(); next != nil && next != active {
			active = next
			res, err = active.Dispatch(ctx, worker.FetchEvent{Request: req}).Wait(ctx)
		}
	}
	if err != nil {
		h.logResult(req, active.Version(), nil, requestID, started, err)
		return h.writeFailure(c, err, active.Version(), requestID)
	}
	h.logResult(req, active.Version(), res.Response, requestID, started, nil)
	return h.writeResponse(c, res.Response, active.Version(), requestID)
}

// Passthrough 不经过 worker，直接访问上游。
func (h *Handler) Passthrough(c fiber.Ctx) error {
	started := time.Now()
	req := h.buildRequest(c)
	if req.Mode == worker.ModeNavigate {
		h.trackClient(c, req, nil)
	}
	return h.serveNetwork(c, req, server.RequestID(c), started)
}

func (h *Handler) serveNetwork(c fiber.Ctx, req *worker.Request, requestID string, started time.Time) error {
	resp, err := h.network.Fetch(requestContext(c), req)
	if err != nil {
		h.logResult(req, "", nil, requestID, started, err)
		return h.writeFailure(c, err, "", requestID)
	}
	h.logResult(req, "", resp, requestID, started, nil)
	return h.writeResponse(c, resp, "", requestID)
}

// buildRequest 以配置的 origin 重建页面 URL，并推断请求 mode。
func (h *Handler) buildRequest(c fiber.Ctx) *worker.Request {
	uri := c.Request().URI()
	pageURL := *h.origin
	pageURL.Path = requestPath(c)
	pageURL.RawQuery = string(uri.QueryString())

	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	return &worker.Request{
		Method:   c.Method(),
		URL:      &pageURL,
		Mode:     detectMode(c.Method(), header),
		Header:   header,
		Body:     append([]byte(nil), c.Body()...),
		ClientID: c.Cookies(clients.CookieName),
	}
}

// detectMode 优先使用 Sec-Fetch-Mode；旧浏览器以 GET + Accept: text/html 识别导航。
func detectMode(method string, header http.Header) worker.Mode {
	if mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))); mode != "" {
		return worker.Mode(mode)
	}
	if method == http.MethodGet && strings.Contains(header.Get("Accept"), "text/html") {
		return worker.ModeNavigate
	}
	return worker.ModeNoCORS
}

// trackClient 登记导航的页面客户端，首次访问时下发客户端 cookie。
func (h *Handler) trackClient(c fiber.Ctx, req *worker.Request, active *worker.Worker) {
	controller := ""
	if active != nil {
		controller = active.Version()
	}
	client := h.clients.Touch(req.ClientID, req.URL.String(), controller)
	if req.ClientID == client.ID {
		return
	}
	req.ClientID = client.ID
	c.Cookie(&fiber.Cookie{
		Name:     clients.CookieName,
		Value:    client.ID,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *worker.Response, version, requestID string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(resp.Source))
	if resp.Strategy != "" {
		c.Set(HeaderStrategy, resp.Strategy.String())
	}
	if version != "" {
		c.Set(HeaderVersion, version)
	}
	if !resp.StoredAt.IsZero() {
		c.Set(HeaderStoredAt, resp.StoredAt.UTC().Format(http.TimeFormat))
	}
	setRequestIDHeader(c, requestID)

	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// writeFailure 把 worker 错误映射为 JSON 错误响应。
func (h *Handler) writeFailure(c fiber.Ctx, err error, version, requestID string) error {
	setRequestIDHeader(c, requestID)
	if version != "" {
		c.Set(HeaderVersion, version)
	}
	switch {
	case errors.Is(err, worker.ErrNoResponse):
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline_cache_miss")
	case errors.Is(err, worker.ErrNotActive), errors.Is(err, worker.ErrRedundant):
		return h.writeError(c, fiber.StatusServiceUnavailable, "worker_unavailable")
	case perrors.GetCode(err) == perrors.CodeTimeout:
		return h.writeError(c, fiber.StatusGatewayTimeout, "upstream_failed")
	default:
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *worker.Request,
	version string,
	resp *worker.Response,
	requestID string,
	started time.Time,
	err error,
) {
	strategy := ""
	source := ""
	status := 0
	if resp != nil {
		strategy = resp.Strategy.String()
		source = string(resp.Source)
		status = resp.Status
	}
	fields := logging.RequestFields(version, strategy, source, source == string(worker.SourceCache))
	fields["action"] = "fetch"
	fields["method"] = req.Method
	fields["path"] = req.URL.Path
	fields["mode"] = string(req.Mode)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func requestPath(c fiber.Ctx) string {
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 逐值追加，保留 Set-Cookie 等多值头。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
