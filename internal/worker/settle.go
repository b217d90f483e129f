package worker

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// defaultSettleConcurrency 限制 SettleAll 同时运行的任务数。
const defaultSettleConcurrency = 4

// SettleAll 并发执行全部任务并等待每一个结束，单个任务失败不影响其他任务。
// 返回值与 tasks 一一对应，成功的位置为 nil。
func SettleAll(ctx context.Context, tasks []func(context.Context) error) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}

	p := pool.New().WithErrors().WithMaxGoroutines(defaultSettleConcurrency)
	for i, task := range tasks {
		p.Go(func() error {
			errs[i] = task(ctx)
			return errs[i]
		})
	}
	// 汇总错误已逐个记录在 errs 中
	_ = p.Wait()
	return errs
}
