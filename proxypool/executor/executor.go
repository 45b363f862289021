// Package executor 提供按索引对齐结果的有界并发执行器，
// 订阅状态检查、注册抓取、节点探测都复用它。
package executor

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency 是未指定并发数时使用的工作协程数量。
const DefaultConcurrency = 32

// Options 配置一次批量执行。
type Options struct {
	Concurrency  int
	ShowProgress bool
	Description  string
	// ProgressWriter 默认为 os.Stderr。
	ProgressWriter io.Writer
}

// Result 是单个任务的结果。Err 非空时 Value 为零值。
type Result[R any] struct {
	Value R
	Err   error
}

// Func 是被映射到每个任务上的一元函数。
type Func[T, R any] func(ctx context.Context, task T) (R, error)

// Run 以有界并发对 tasks 执行 fn，results[i] 始终对应 tasks[i]。
// 单个任务的错误或 panic 只记录在对应的 Result 中，不会影响其它任务。
func Run[T, R any](ctx context.Context, tasks []T, fn Func[T, R], opts Options) []Result[R] {
	results := make([]Result[R], len(tasks))
	if len(tasks) == 0 {
		return results
	}

	workers := opts.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		bar = newProgressBar(len(tasks), opts)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range tasks {
		g.Go(func() error {
			results[i] = invoke(ctx, fn, tasks[i], i)
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if bar != nil {
		_ = bar.Finish()
	}
	return results
}

// Values 把结果拆成值切片和成功标记，索引与输入一致。
func Values[R any](results []Result[R]) ([]R, []bool) {
	values := make([]R, len(results))
	ok := make([]bool, len(results))
	for i, r := range results {
		values[i] = r.Value
		ok[i] = r.Err == nil
	}
	return values, ok
}

func invoke[T, R any](ctx context.Context, fn Func[T, R], task T, index int) (res Result[R]) {
	defer func() {
		if r := recover(); r != nil {
			var zero R
			res = Result[R]{Value: zero, Err: fmt.Errorf("task %d panicked: %v", index, r)}
		}
	}()
	v, err := fn(ctx, task)
	if err != nil {
		var zero R
		return Result[R]{Value: zero, Err: err}
	}
	return Result[R]{Value: v}
}

func newProgressBar(total int, opts Options) *progressbar.ProgressBar {
	out := opts.ProgressWriter
	if out == nil {
		out = os.Stderr
	}
	desc := opts.Description
	if desc == "" {
		desc = "processing"
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
	)
}
