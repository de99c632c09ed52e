package workflow

import (
	"context"

	"github.com/pkg/errors"
)

// Executor step 任务调用的执行器, 需要外部实现或者使用 NewMethodExecutor
type Executor interface {
	/**
	 * @description:  执行 step 任务的方法
	 * @return error nil表示执行成功了, 任务会被 complete; 非nil任务会被 fail
	 * @param ctx context.Context 上下文
	 * @param method string 任务声明的方法名
	 * @param args []any 任务参数, 从存储加载之后数字会变成 float64
	 */
	Invoke(ctx context.Context, method string, args []any) error
}

var defaultEmptyExecutor Executor = EmptyExecutor{}

// EmptyExecutor 没有任何方法的执行器
type EmptyExecutor struct {
}

func (e EmptyExecutor) Invoke(_ context.Context, method string, _ []any) error {
	return errors.WithMessagef(ErrNotImplemented, "method: %s", method)
}

// methodExecutor 按方法名分发到 MethodFunc
type methodExecutor struct {
	task   *Task
	lookup func(method string) (MethodFunc, bool)
}

// NewMethodExecutor 自己实现 Definition 时使用, methods 为 nil 时所有方法都返回 ErrNotImplemented
func NewMethodExecutor(task *Task, methods map[string]MethodFunc) Executor {
	if len(methods) == 0 {
		return defaultEmptyExecutor
	}
	return &methodExecutor{
		task: task,
		lookup: func(method string) (MethodFunc, bool) {
			fn, ok := methods[method]
			return fn, ok
		},
	}
}

func (e *methodExecutor) Invoke(ctx context.Context, method string, args []any) error {
	fn, ok := e.lookup(method)
	if !ok || fn == nil {
		return errors.WithMessagef(ErrTaskMethodNotFound, "method: %s", method)
	}
	return fn(ctx, e.task, args)
}
