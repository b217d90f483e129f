package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/simplecrew/swcache/internal/logging"
)

// maxHistory 是保留的注册记录条数。
const maxHistory = 20

// Record 是一次注册尝试的结果。
type Record struct {
	Version  string          `json:"version"`
	State    State           `json:"state"`
	At       time.Time       `json:"at"`
	Install  *InstallReport  `json:"install,omitempty"`
	Activate *ActivateReport `json:"activate,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Registration 持有作用域内当前激活的 worker，并负责版本切换。
type Registration struct {
	base Options

	// mu 串行化 Register，active 可无锁读取
	mu     sync.Mutex
	active atomic.Pointer[Worker]

	historyMu sync.RWMutex
	history   []Record
}

// NewRegistration 以 base 作为所有版本共用的依赖；base.Version 被忽略。
func NewRegistration(base Options) *Registration {
	return &Registration{base: base}
}

// Active 返回当前激活的 worker，尚未激活时为 nil。
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Register 安装并激活 version 对应的 worker。版本与当前激活的一致时不做任何事。
// 安装失败时新 worker 作废，原 worker 保持激活。
func (r *Registration) Register(ctx context.Context, version string) (*Worker, error) {
	version = strings.TrimSpace(version)
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.active.Load()
	if prev != nil && prev.Version() == version {
		return prev, nil
	}

	opts := r.base
	opts.Version = version
	w, err := New(opts)
	if err != nil {
		r.record(Record{Version: version, State: StateRedundant, Error: err.Error()})
		return nil, err
	}

	installed, err := w.Dispatch(ctx, InstallEvent{}).Wait(ctx)
	if err != nil {
		w.markRedundant()
		r.record(Record{Version: version, State: StateRedundant, Install: installed.Install, Error: err.Error()})
		return nil, fmt.Errorf("install %s: %w", version, err)
	}

	activated, err := w.Dispatch(ctx, ActivateEvent{}).Wait(ctx)
	if err != nil {
		w.markRedundant()
		r.record(Record{Version: version, State: StateRedundant, Install: installed.Install, Activate: activated.Activate, Error: err.Error()})
		return nil, fmt.Errorf("activate %s: %w", version, err)
	}

	r.active.Store(w)
	if prev != nil {
		prev.markRedundant()
	}
	r.record(Record{Version: version, State: w.State(), Install: installed.Install, Activate: activated.Activate})

	fields := logging.WorkerFields("register", version, w.State().String())
	if prev != nil {
		fields["previous"] = prev.Version()
	}
	w.logger.WithFields(fields).Info("worker registered")
	return w, nil
}

// History 返回最近的注册记录，最早的在前。
func (r *Registration) History() []Record {
	r.historyMu.RLock()
	defer r.historyMu.RUnlock()
	out := make([]Record, len(r.history))
	copy(out, r.history)
	return out
}

// Flush 等待当前 worker 的后台缓存写入结束。
func (r *Registration) Flush() {
	if w := r.Active(); w != nil {
		w.Flush()
	}
}

func (r *Registration) record(rec Record) {
	rec.At = time.Now().UTC()
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	r.history = append(r.history, rec)
	if len(r.history) > maxHistory {
		r.history = r.history[len(r.history)-maxHistory:]
	}
}
