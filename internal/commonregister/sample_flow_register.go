package commonregister

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/blingmoon/simple-taskflow/workflow"
	"github.com/pkg/errors"
)

const (
	SampleFlowID    = "sample_flow"
	SampleSubFlowID = "sample_sub_flow"
	// SampleFlowStepCount 一个 sample_flow 进程里面 step 任务的总数:
	// 1 + 3(for_each) + 3(sequential) + 1 + 5(concurrent) + 1 + 3(sub_process)
	SampleFlowStepCount = 17
	// SampleFlowIteratorSize for_each 迭代器 yield 的次数
	SampleFlowIteratorSize = 3
)

// 进程结构:
//
//	the_task
//	for_each iterator { the_task }
//	sequential { the_task, the_task, the_task }
//	the_task
//	concurrent { the_task * 5 }
//	the_task
//	sub_process sample_sub_flow { the_task, the_task, the_task }
const sampleFlowConfigJSON = `{
	"id": "sample_flow",
	"name": "示例流程",
	"kind": "sequential",
	"tasks": [
		{"type": "task", "method": "the_task"},
		{"type": "for_each", "iterator": "iterator", "tasks": [
			{"type": "task", "method": "the_task"}
		]},
		{"type": "sequential", "name": "sequential_block", "tasks": [
			{"type": "task", "method": "the_task"},
			{"type": "task", "method": "the_task"},
			{"type": "task", "method": "the_task"}
		]},
		{"type": "task", "method": "the_task"},
		{"type": "concurrent", "name": "concurrent_block", "complete_on": "last", "tasks": [
			{"type": "task", "method": "the_task"},
			{"type": "task", "method": "the_task"},
			{"type": "task", "method": "the_task"},
			{"type": "task", "method": "the_task"},
			{"type": "task", "method": "the_task"}
		]},
		{"type": "task", "method": "the_task"},
		{"type": "sub_process", "name": "sub_flow", "sub_process": "sample_sub_flow"}
	]
}`

const sampleSubFlowConfigJSON = `{
	"id": "sample_sub_flow",
	"name": "示例子流程",
	"tasks": [
		{"type": "task", "method": "the_task"},
		{"type": "task", "method": "the_task"},
		{"type": "task", "method": "the_task"}
	]
}`

// SampleFlowCall 一次方法调用的记录
type SampleFlowCall struct {
	Definition string
	TaskUUID   string
	TaskName   string
	Args       []any
}

// SampleFlowRecorder 记录 the_task 的调用, 多个 worker 并发调用时也是安全的
type SampleFlowRecorder struct {
	mu    sync.Mutex
	calls []*SampleFlowCall
}

func NewSampleFlowRecorder() *SampleFlowRecorder {
	return &SampleFlowRecorder{calls: make([]*SampleFlowCall, 0)}
}

func (r *SampleFlowRecorder) record(definition string, task *workflow.Task, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, &SampleFlowCall{
		Definition: definition,
		TaskUUID:   task.UUID,
		TaskName:   task.Name,
		Args:       args,
	})
}

func (r *SampleFlowRecorder) Calls() []*SampleFlowCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]*SampleFlowCall, len(r.calls))
	copy(ret, r.calls)
	return ret
}

func (r *SampleFlowRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CountByDefinition 按照定义统计调用次数
func (r *SampleFlowRecorder) CountByDefinition(definition string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, call := range r.calls {
		if call.Definition == definition {
			count++
		}
	}
	return count
}

// RegisterSampleFlow 加载 sample_flow 和 sample_sub_flow 两个定义并注册方法,
// recorder 为 nil 时只执行不记录
func RegisterSampleFlow(registry *workflow.DefinitionRegistry, recorder *SampleFlowRecorder) error {
	for _, configJSON := range []string{sampleSubFlowConfigJSON, sampleFlowConfigJSON} {
		config := &workflow.ProcessConfig{}
		if err := json.Unmarshal([]byte(configJSON), config); err != nil {
			return errors.Wrap(err, "unmarshal process config failed")
		}
		if err := registry.LoadProcessConfig(config); err != nil {
			return errors.Wrapf(err, "load process config failed, id: %s", config.ID)
		}
	}
	theTask := func(definition string) workflow.MethodFunc {
		return func(ctx context.Context, task *workflow.Task, args []any) error {
			if recorder != nil {
				recorder.record(definition, task, args)
			}
			return nil
		}
	}
	if err := registry.RegisterTaskMethod(SampleFlowID, "the_task", theTask(SampleFlowID)); err != nil {
		return errors.Wrap(err, "register the_task failed")
	}
	if err := registry.RegisterTaskMethod(SampleSubFlowID, "the_task", theTask(SampleSubFlowID)); err != nil {
		return errors.Wrap(err, "register sub the_task failed")
	}
	// 每次 yield 进程参数加上序号
	err := registry.RegisterIterator(SampleFlowID, "iterator", func(ctx context.Context, args []any, yield func(args ...any)) error {
		for i := 0; i < SampleFlowIteratorSize; i++ {
			itemArgs := make([]any, 0, len(args)+1)
			itemArgs = append(itemArgs, args...)
			itemArgs = append(itemArgs, i)
			yield(itemArgs...)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "register iterator failed")
	}
	return nil
}
