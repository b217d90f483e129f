package worker

import (
	"context"

	"github.com/simplecrew/swcache/internal/clients"
	"github.com/simplecrew/swcache/internal/notify"
)

// Event 是 worker 能处理的事件集合，只有本包内的类型实现它。
type Event interface {
	Kind() string
	isEvent()
}

type InstallEvent struct{}

type ActivateEvent struct{}

type FetchEvent struct {
	Request *Request
}

type PushEvent struct {
	Data []byte
}

type NotificationClickEvent struct {
	Notification notify.Notification
}

func (InstallEvent) Kind() string           { return "install" }
func (ActivateEvent) Kind() string          { return "activate" }
func (FetchEvent) Kind() string             { return "fetch" }
func (PushEvent) Kind() string              { return "push" }
func (NotificationClickEvent) Kind() string { return "notificationclick" }

func (InstallEvent) isEvent()           {}
func (ActivateEvent) isEvent()          {}
func (FetchEvent) isEvent()             {}
func (PushEvent) isEvent()              {}
func (NotificationClickEvent) isEvent() {}

// InstallReport 汇总安装阶段的预缓存结果。
type InstallReport struct {
	Version     string            `json:"version"`
	Precached   []string          `json:"precached"`
	Failed      map[string]string `json:"failed,omitempty"`
	SkipWaiting bool              `json:"skip_waiting"`
}

// ActivateReport 汇总激活阶段的清理与接管结果。
type ActivateReport struct {
	Version      string            `json:"version"`
	Deleted      []string          `json:"deleted"`
	DeleteFailed map[string]string `json:"delete_failed,omitempty"`
	Claimed      int               `json:"claimed"`
	ClaimError   string            `json:"claim_error,omitempty"`
}

// Result 是事件处理结果，按事件类型只填充对应字段。
type Result struct {
	Response     *Response
	Install      *InstallReport
	Activate     *ActivateReport
	Notification *notify.Notification
	Client       *clients.Client
}

// Future 是 Dispatch 返回的待定结果。
type Future struct {
	done   chan struct{}
	result Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(result Result, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Done 在事件处理结束后关闭。
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait 等待事件处理结束；ctx 先结束时返回 ctx 的错误，事件本身继续执行。
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
