// Package clients tracks the page clients (open dashboard tabs) that have
// navigated through the gateway and which worker version controls each one.
package clients

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CookieName 是导航请求携带客户端 ID 的 cookie。
const CookieName = "swcache_client"

// ErrUnknownClient 表示客户端 ID 未登记。
var ErrUnknownClient = errors.New("unknown client")

// Client 描述一个页面客户端。Controller 为控制它的 worker 版本，空串表示未受控。
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller"`
	Focused    bool      `json:"focused"`
	LastSeen   time.Time `json:"last_seen"`
}

// 默认的客户端保留策略。
const (
	DefaultIdleTTL    = 24 * time.Hour
	DefaultMaxClients = 10000
)

// Limits 限制客户端表的规模：超过 IdleTTL 未访问的客户端被清除，
// 数量超过 MaxClients 时按 LastSeen 淘汰最久未访问的客户端。零值字段取默认值。
type Limits struct {
	IdleTTL    time.Duration
	MaxClients int
}

// Registry 是内存中的客户端表，并发安全。
type Registry struct {
	now    func() time.Time
	limits Limits

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return NewRegistryWithLimits(Limits{})
}

// NewRegistryWithLimits 按 limits 构建客户端表。
func NewRegistryWithLimits(limits Limits) *Registry {
	if limits.IdleTTL <= 0 {
		limits.IdleTTL = DefaultIdleTTL
	}
	if limits.MaxClients <= 0 {
		limits.MaxClients = DefaultMaxClients
	}
	return &Registry{
		now:     time.Now,
		limits:  limits,
		clients: make(map[string]*Client),
	}
}

// Touch 记录一次导航：新建或更新客户端，并把焦点移到该客户端。
// id 为空时分配新 ID。controller 是导航时处于激活状态的 worker 版本。
func (r *Registry) Touch(id, url, controller string) Client {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		c = &Client{ID: id}
		r.clients[id] = c
	}
	c.URL = url
	if controller != "" {
		c.Controller = controller
	}
	c.LastSeen = r.now().UTC()
	r.focusLocked(id)
	r.pruneLocked(id)
	return *c
}

// Get 返回指定客户端。
func (r *Registry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Claim 让 version 接管全部已知客户端，返回被接管的数量。
func (r *Registry) Claim(ctx context.Context, version string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked("")
	for _, c := range r.clients {
		c.Controller = version
	}
	return len(r.clients), nil
}

// MatchAll 返回全部客户端，按最近访问时间倒序。
func (r *Registry) MatchAll(ctx context.Context) ([]Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.pruneLocked("")
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

// Focus 聚焦指定客户端，其余客户端失去焦点。
func (r *Registry) Focus(ctx context.Context, id string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return Client{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return Client{}, ErrUnknownClient
	}
	c.LastSeen = r.now().UTC()
	r.focusLocked(id)
	return *c, nil
}

// OpenWindow 打开一个新的聚焦窗口，控制者为 controller。
func (r *Registry) OpenWindow(ctx context.Context, url, controller string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return Client{}, err
	}
	return r.Touch("", url, controller), nil
}

// Len 返回已知客户端数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// pruneLocked 清除空闲超时的客户端，再把数量压到 MaxClients 以内；keep 永不被淘汰。
func (r *Registry) pruneLocked(keep string) {
	cutoff := r.now().UTC().Add(-r.limits.IdleTTL)
	for id, c := range r.clients {
		if id != keep && c.LastSeen.Before(cutoff) {
			delete(r.clients, id)
		}
	}
	excess := len(r.clients) - r.limits.MaxClients
	if excess <= 0 {
		return
	}
	oldest := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		if id != keep {
			oldest = append(oldest, c)
		}
	}
	sort.Slice(oldest, func(i, j int) bool {
		if oldest[i].LastSeen.Equal(oldest[j].LastSeen) {
			return oldest[i].ID < oldest[j].ID
		}
		return oldest[i].LastSeen.Before(oldest[j].LastSeen)
	})
	for _, c := range oldest[:excess] {
		delete(r.clients, c.ID)
	}
}

func (r *Registry) focusLocked(id string) {
	for key, c := range r.clients {
		c.Focused = key == id
	}
}
