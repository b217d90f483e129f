package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/simplecrew/swcache/internal/cache"
	"github.com/simplecrew/swcache/internal/clients"
	"github.com/simplecrew/swcache/internal/logging"
	"github.com/simplecrew/swcache/internal/notify"
)

var (
	// ErrNoResponse 表示网络失败且缓存库中没有对应快照，页面拿不到任何响应。
	ErrNoResponse = errors.New("no response available")
	// ErrNotActive 表示 worker 尚未激活，不能处理功能事件。
	ErrNotActive = errors.New("worker is not active")
	// ErrRedundant 表示 worker 已被替换或安装失败。
	ErrRedundant = errors.New("worker is redundant")
)

// Network 是 worker 访问上游的出口。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Clients 是 worker 可见的页面客户端集合。
type Clients interface {
	Claim(ctx context.Context, version string) (int, error)
	MatchAll(ctx context.Context) ([]clients.Client, error)
	Focus(ctx context.Context, id string) (clients.Client, error)
	OpenWindow(ctx context.Context, url, controller string) (clients.Client, error)
}

// Notifier 展示与关闭本地通知。
type Notifier interface {
	Show(ctx context.Context, n notify.Notification) (notify.Notification, error)
	Close(ctx context.Context, n notify.Notification) error
}

// Options 描述一个 worker 实例。Version 即当前缓存库名称。
type Options struct {
	Version      string
	Origin       string
	Prefixes     Prefixes
	Precache     []string
	Storage      cache.Storage
	Network      Network
	Clients      Clients
	Notifier     Notifier
	Notification notify.Options
	Logger       *logrus.Logger
}

// Worker 是单个缓存版本的离线缓存管理器。
type Worker struct {
	opts   Options
	logger *logrus.Logger

	mu    sync.RWMutex
	state State
	store cache.Cache

	writes sync.WaitGroup
}

// New 校验依赖并返回处于 parsed 阶段的 worker。
func New(opts Options) (*Worker, error) {
	opts.Version = strings.TrimSpace(opts.Version)
	if opts.Version == "" {
		return nil, errors.New("worker version required")
	}
	if opts.Storage == nil {
		return nil, errors.New("worker storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("worker network required")
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid worker origin %q", opts.Origin)
	}
	opts.Origin = strings.TrimRight(opts.Origin, "/")
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clients == nil {
		opts.Clients = clients.NewRegistry()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewCenter(opts.Logger)
	}
	if opts.Notification.Tag == "" && opts.Notification.Title == "" {
		opts.Notification = notify.Defaults()
	}
	opts.Precache = append([]string(nil), opts.Precache...)

	return &Worker{
		opts:   opts,
		logger: opts.Logger,
		state:  StateParsed,
	}, nil
}

// Version 返回 worker 的缓存版本。
func (w *Worker) Version() string {
	return w.opts.Version
}

// Origin 返回 worker 的作用域源。
func (w *Worker) Origin() string {
	return w.opts.Origin
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Dispatch 异步处理事件，返回宿主等待的 Future。
func (w *Worker) Dispatch(ctx context.Context, ev Event) *Future {
	f := newFuture()
	go func() {
		result, err := w.handle(ctx, ev)
		f.resolve(result, err)
	}()
	return f
}

// Flush 等待所有后台缓存写入完成。
func (w *Worker) Flush() {
	w.writes.Wait()
}

func (w *Worker) handle(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case InstallEvent:
		report, err := w.install(ctx)
		return Result{Install: report}, err
	case ActivateEvent:
		report, err := w.activate(ctx)
		return Result{Activate: report}, err
	case FetchEvent:
		if err := w.requireActive(); err != nil {
			return Result{}, err
		}
		if e.Request == nil || e.Request.URL == nil {
			return Result{}, errors.New("fetch event without request")
		}
		resp, err := w.fetch(ctx, e.Request)
		return Result{Response: resp}, err
	case PushEvent:
		if err := w.requireActive(); err != nil {
			return Result{}, err
		}
		n, err := w.push(ctx, e.Data)
		return Result{Notification: n}, err
	case NotificationClickEvent:
		if err := w.requireActive(); err != nil {
			return Result{}, err
		}
		c, err := w.notificationClick(ctx, e.Notification)
		return Result{Client: c}, err
	default:
		return Result{}, fmt.Errorf("unsupported event %T", ev)
	}
}

func (w *Worker) requireActive() error {
	switch state := w.State(); {
	case state == StateRedundant:
		return ErrRedundant
	case !state.Controlling():
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	return nil
}

// transition 在当前阶段为 from 时切换到 to。
func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRedundant {
		return ErrRedundant
	}
	if w.state != from {
		return fmt.Errorf("invalid transition %s -> %s from %s", from, to, w.state)
	}
	w.state = to
	w.logger.WithFields(logging.WorkerFields("worker_state", w.opts.Version, to.String())).Debug("worker state changed")
	return nil
}

func (w *Worker) markRedundant() {
	w.mu.Lock()
	w.state = StateRedundant
	w.mu.Unlock()
	w.logger.WithFields(logging.WorkerFields("worker_state", w.opts.Version, StateRedundant.String())).Info("worker redundant")
}

func (w *Worker) currentStore() cache.Cache {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.store
}

// install 打开当前版本的缓存库并以 settle-all 方式预缓存静态资源，随后跳过等待。
func (w *Worker) install(ctx context.Context) (*InstallReport, error) {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return nil, err
	}

	store, err := w.opts.Storage.Open(ctx, w.opts.Version)
	if err != nil {
		w.markRedundant()
		return nil, fmt.Errorf("open cache store %s: %w", w.opts.Version, err)
	}
	w.mu.Lock()
	w.store = store
	w.mu.Unlock()

	report := &InstallReport{Version: w.opts.Version}
	tasks := make([]func(context.Context) error, len(w.opts.Precache))
	for i, asset := range w.opts.Precache {
		tasks[i] = func(ctx context.Context) error {
			return w.precache(ctx, store, asset)
		}
	}
	for i, err := range SettleAll(ctx, tasks) {
		asset := w.opts.Precache[i]
		if err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[asset] = err.Error()
			w.logger.WithFields(logging.WorkerFields("precache", w.opts.Version, StateInstalling.String())).
				WithField("asset", asset).
				WithError(err).
				Warn("precache failed")
			continue
		}
		report.Precached = append(report.Precached, asset)
	}

	if err := w.transition(StateInstalling, StateWaiting); err != nil {
		return report, err
	}
	report.SkipWaiting = true
	w.logger.WithFields(logging.WorkerFields("install", w.opts.Version, StateWaiting.String())).
		WithField("precached", len(report.Precached)).
		Info("worker installed")
	return report, nil
}

func (w *Worker) precache(ctx context.Context, store cache.Cache, asset string) error {
	req, err := NewRequest("GET", w.opts.Origin+asset)
	if err != nil {
		return err
	}
	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return store.Put(ctx, req.Key(), resp.Snapshot())
}

// activate 并发执行旧缓存库清理与客户端接管，两者都结束后进入 activated。
// 单个缓存库删除失败只记录日志，下一次激活会再次尝试清理。
func (w *Worker) activate(ctx context.Context) (*ActivateReport, error) {
	if err := w.transition(StateWaiting, StateActivating); err != nil {
		return nil, err
	}

	report := &ActivateReport{Version: w.opts.Version}
	var g errgroup.Group
	g.Go(func() error {
		report.Deleted, report.DeleteFailed = w.deleteStaleStores(ctx)
		return nil
	})
	g.Go(func() error {
		n, err := w.opts.Clients.Claim(ctx, w.opts.Version)
		report.Claimed = n
		return err
	})
	if err := g.Wait(); err != nil {
		report.ClaimError = err.Error()
		w.logger.WithFields(logging.WorkerFields("claim", w.opts.Version, StateActivating.String())).
			WithError(err).
			Warn("claim clients failed")
	}

	if err := w.transition(StateActivating, StateActivated); err != nil {
		return report, err
	}
	w.logger.WithFields(logging.WorkerFields("activate", w.opts.Version, StateActivated.String())).
		WithFields(logrus.Fields{
			"deleted":       len(report.Deleted),
			"delete_failed": len(report.DeleteFailed),
			"claimed":       report.Claimed,
		}).
		Info("worker activated")
	return report, nil
}

func (w *Worker) deleteStaleStores(ctx context.Context) ([]string, map[string]string) {
	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		w.logger.WithFields(logging.WorkerFields("cleanup", w.opts.Version, StateActivating.String())).
			WithError(err).
			Warn("list cache stores failed")
		return nil, map[string]string{"*": err.Error()}
	}

	var stale []string
	for _, name := range names {
		if name != w.opts.Version {
			stale = append(stale, name)
		}
	}
	tasks := make([]func(context.Context) error, len(stale))
	for i, name := range stale {
		tasks[i] = func(ctx context.Context) error {
			_, err := w.opts.Storage.Delete(ctx, name)
			return err
		}
	}

	var (
		deleted []string
		failed  map[string]string
	)
	for i, err := range SettleAll(ctx, tasks) {
		if err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[stale[i]] = err.Error()
			w.logger.WithFields(logging.WorkerFields("cleanup", w.opts.Version, StateActivating.String())).
				WithField("store", stale[i]).
				WithError(err).
				Warn("delete stale cache store failed")
			continue
		}
		deleted = append(deleted, stale[i])
	}
	return deleted, failed
}

func (w *Worker) fetch(ctx context.Context, req *Request) (*Response, error) {
	switch strategy := Classify(req, w.opts.Prefixes); strategy {
	case NetworkOnly:
		return w.networkOnly(ctx, req)
	case NetworkFirst:
		return w.networkFirst(ctx, req)
	default:
		return w.cacheFirst(ctx, req)
	}
}

func (w *Worker) push(ctx context.Context, data []byte) (*notify.Notification, error) {
	n := notify.Build(data, w.opts.Notification)
	shown, err := w.opts.Notifier.Show(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("show notification: %w", err)
	}
	return &shown, nil
}

// notificationClick 关闭通知，聚焦同源客户端，没有时在根路径打开新窗口。
func (w *Worker) notificationClick(ctx context.Context, n notify.Notification) (*clients.Client, error) {
	if err := w.opts.Notifier.Close(ctx, n); err != nil {
		return nil, fmt.Errorf("close notification: %w", err)
	}

	all, err := w.opts.Clients.MatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("match clients: %w", err)
	}
	for _, c := range all {
		if !w.sameOrigin(c.URL) {
			continue
		}
		focused, err := w.opts.Clients.Focus(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("focus client %s: %w", c.ID, err)
		}
		return &focused, nil
	}

	opened, err := w.opts.Clients.OpenWindow(ctx, w.opts.Origin+"/", w.opts.Version)
	if err != nil {
		return nil, fmt.Errorf("open window: %w", err)
	}
	return &opened, nil
}

func (w *Worker) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	origin, _ := url.Parse(w.opts.Origin)
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}
