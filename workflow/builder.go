package workflow

import (
	"context"

	"github.com/pkg/errors"
)

// maxSubProcessDepth sub_process 互相引用时防止无限展开
const maxSubProcessDepth = 32

// BuildProcess 按照定义的任务声明构建进程和它的任务图, 不做持久化
func (e *Engine) BuildProcess(ctx context.Context, definition Definition, name string, args []any) (*Process, error) {
	return e.buildProcess(ctx, definition, name, args, 0)
}

func (e *Engine) buildProcess(ctx context.Context, definition Definition, name string, args []any, depth int) (*Process, error) {
	if isNilDefinition(definition) {
		return nil, errors.WithMessage(ErrInvalidDefinition, "[Engine.BuildProcess] definition is nil")
	}
	if depth > maxSubProcessDepth {
		return nil, errors.WithMessagef(ErrInvalidDefinition, "[Engine.BuildProcess] sub process too deep, definition: %s", definition.DefinitionName())
	}
	config := definition.Config()
	if config == nil {
		return nil, errors.WithMessagef(ErrInvalidDefinition, "[Engine.BuildProcess] definition %s has no config", definition.DefinitionName())
	}
	if name == "" {
		name = config.Name
	}
	if name == "" {
		name = config.ID
	}
	p, err := e.newProcessOfKind(name, definition, config.Kind, config.CompleteOn)
	if err != nil {
		return nil, err
	}
	if err := e.buildTasks(ctx, p, definition, config.Tasks, args, depth); err != nil {
		return nil, errors.WithMessagef(err, "[Engine.BuildProcess] definition: %s", definition.DefinitionName())
	}
	return p, nil
}

func (e *Engine) newProcessOfKind(name string, definition Definition, kind ProcessKind, completeOn CompleteOn) (*Process, error) {
	switch kind {
	case "", ProcessKindSequential:
		return e.NewSequentialProcess(name, definition)
	case ProcessKindConcurrent:
		return e.NewConcurrentProcess(name, definition, completeOn)
	}
	return nil, errors.WithMessagef(ErrProcessParamInvalid, "unknown process kind: %s", kind)
}

func (e *Engine) buildTasks(ctx context.Context, p *Process, definition Definition, configs []*TaskConfig, args []any, depth int) error {
	for _, tc := range configs {
		if tc == nil {
			continue
		}
		if err := e.buildTask(ctx, p, definition, tc, args, depth); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildTask(ctx context.Context, p *Process, definition Definition, tc *TaskConfig, args []any, depth int) error {
	name := tc.Name
	if name == "" {
		name = tc.Type
	}
	var task *Task
	var err error
	switch tc.Type {
	case TaskConfigTypeTask:
		taskArgs := tc.Args
		if len(taskArgs) == 0 {
			taskArgs = args
		}
		if tc.Name == "" {
			name = tc.Method
		}
		task, err = NewStepTask(name, p, tc.Method, taskArgs)
	case TaskConfigTypeSequential, TaskConfigTypeConcurrent:
		// 块用同一个定义的嵌套进程实现
		sub, err := e.newProcessOfKind(name, definition, tc.Type, tc.CompleteOn)
		if err != nil {
			return err
		}
		if err := e.buildTasks(ctx, sub, definition, tc.Tasks, args, depth); err != nil {
			return err
		}
		task, err = NewSubProcessTask(name, p, sub)
		if err != nil {
			return err
		}
	case TaskConfigTypeForEach:
		return e.buildForEach(ctx, p, definition, tc, args, depth)
	case TaskConfigTypeSubProcess:
		subDefinition, err := e.registry.GetAndLoadDefinition(tc.SubProcess)
		if err != nil {
			return errors.WithMessagef(err, "load sub process definition failed, definition: %s", tc.SubProcess)
		}
		sub, err := e.buildProcess(ctx, subDefinition, tc.Name, args, depth+1)
		if err != nil {
			return err
		}
		task, err = NewSubProcessTask(name, p, sub)
		if err != nil {
			return err
		}
	default:
		return errors.WithMessagef(ErrInvalidDefinition, "unknown task type: %s", tc.Type)
	}
	if err != nil {
		return err
	}
	if err := task.Options.Merge(tc.Options); err != nil {
		return errors.WithMessagef(err, "task options, task: %s", task.Name)
	}
	_, err = p.tasks.Add(task)
	return err
}

// buildForEach 迭代器每 yield 一次, 用 yield 的参数把块里的任务添加到当前进程
func (e *Engine) buildForEach(ctx context.Context, p *Process, definition Definition, tc *TaskConfig, args []any, depth int) error {
	source, ok := definition.(iteratorSource)
	if !ok {
		return errors.WithMessagef(ErrIteratorNotFound, "definition %s does not support for_each", definition.DefinitionName())
	}
	iterator, err := source.iterator(tc.Iterator)
	if err != nil {
		return err
	}
	var buildErr error
	err = iterator(ctx, args, func(itemArgs ...any) {
		if buildErr != nil {
			return
		}
		buildErr = e.buildTasks(ctx, p, definition, tc.Tasks, itemArgs, depth)
	})
	if err != nil {
		return errors.WithMessagef(err, "iterator %s failed", tc.Iterator)
	}
	return buildErr
}
