package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Process 一组任务, 有自己的生命周期, 变体为顺序进程和并发进程
type Process struct {
	UUID    string
	Name    string
	Options *JSONContext

	definition     Definition
	definitionName string
	tasks          *TaskList
	// parent 把这个进程作为子进程创建的任务, 只用来通知, 不拥有
	parent *Task

	lifecycle stateMachine
	variant   processVariant
	engine    *Engine
	lastError string
}

// processVariant 进程变体需要提供的能力, 完成检测算法在这里
type processVariant interface {
	kind() ProcessKind
	// start 进程有任务时的激活动作
	start(ctx context.Context, process *Process) error
	taskCompleted(ctx context.Context, process *Process, task *Task) error
	tasksCompleted(process *Process) bool
	acceptAttributes(process *Process, visitor Visitor)
}

func newProcess(engine *Engine, name string, definition Definition, variant processVariant) (*Process, error) {
	if engine == nil {
		return nil, errors.WithMessagef(ErrProcessParamInvalid, "process %s has no engine", name)
	}
	if isNilDefinition(definition) {
		return nil, errors.WithMessagef(ErrInvalidDefinition, "process %s definition is nil", name)
	}
	if definition.DefinitionName() == "" {
		return nil, errors.WithMessagef(ErrInvalidDefinition, "process %s definition has no name", name)
	}
	return &Process{
		UUID:           uuid.NewString(),
		Name:           name,
		Options:        NewJSONContext(nil),
		definition:     definition,
		definitionName: definition.DefinitionName(),
		tasks:          NewTaskList(),
		lifecycle:      newStateMachine(processEdges),
		variant:        variant,
		engine:         engine,
	}, nil
}

// NewSequentialProcess 顺序进程, 严格按照添加顺序一次执行一个任务
func (e *Engine) NewSequentialProcess(name string, definition Definition) (*Process, error) {
	return newProcess(e, name, definition, &sequentialProcess{})
}

// NewConcurrentProcess 并发进程, 所有任务同时投递, completeOn 为空时默认 CompleteOnLast
func (e *Engine) NewConcurrentProcess(name string, definition Definition, completeOn CompleteOn) (*Process, error) {
	if completeOn == "" {
		completeOn = CompleteOnLast
	}
	if completeOn != CompleteOnFirst && completeOn != CompleteOnLast {
		return nil, errors.WithMessagef(ErrProcessParamInvalid, "unknown complete_on: %s", completeOn)
	}
	return newProcess(e, name, definition, &concurrentProcess{completeOn: completeOn})
}

func (p *Process) GetUUID() string {
	return p.UUID
}

func (p *Process) Definition() Definition {
	return p.definition
}

func (p *Process) DefinitionName() string {
	return p.definitionName
}

func (p *Process) Tasks() *TaskList {
	return p.tasks
}

func (p *Process) Parent() *Task {
	return p.parent
}

func (p *Process) Kind() ProcessKind {
	if p.variant == nil {
		return ""
	}
	return p.variant.kind()
}

// CompleteOn 只有并发进程有完成策略
func (p *Process) CompleteOn() CompleteOn {
	if c, ok := p.variant.(*concurrentProcess); ok {
		return c.completeOn
	}
	return ""
}

func (p *Process) CurrentState() State {
	return p.lifecycle.CurrentState()
}

func (p *Process) LastError() string {
	return p.lastError
}

func (p *Process) Completed() bool {
	return p.lifecycle.current == StateCompleted
}

func (p *Process) Paused() bool {
	return p.lifecycle.current == StatePaused
}

func (p *Process) Cancelled() bool {
	return p.lifecycle.current == StateCancelled
}

func (p *Process) Failed() bool {
	return p.lifecycle.current == StateFailed
}

func (p *Process) Equal(other Identifiable) bool {
	if other == nil {
		return false
	}
	return p.UUID == other.GetUUID()
}

func (p *Process) Compare(other Identifiable) int {
	return strings.Compare(p.UUID, other.GetUUID())
}

func (p *Process) String() string {
	return fmt.Sprintf("Process(%s:%s)", p.Name, p.UUID)
}

// Executor 从进程定义获取 step 任务的执行器
func (p *Process) Executor(ctx context.Context, task *Task) (Executor, error) {
	if isNilDefinition(p.definition) {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "process: %s, definition: %s", p.UUID, p.definitionName)
	}
	return p.definition.NewExecutor(ctx, task)
}

// TasksCompleted 基类没有实现, 由变体决定
func (p *Process) TasksCompleted() (bool, error) {
	if p.variant == nil {
		return false, errors.WithMessagef(ErrNotImplemented, "[Process.TasksCompleted] process: %s", p.UUID)
	}
	return p.variant.tasksCompleted(p), nil
}

// CanComplete 和 TasksCompleted 同一个策略
func (p *Process) CanComplete() (bool, error) {
	return p.TasksCompleted()
}

func (p *Process) fire(ctx context.Context, event Event, reason string) error {
	from, to, err := p.lifecycle.transition(event)
	if err != nil {
		return errors.WithMessagef(err, "[Process.fire] process: %s", p.UUID)
	}
	if err := p.engine.persistTransition(ctx, p.UUID, from, to, reason); err != nil {
		return errors.WithMessagef(err, "[Process.fire] persist %s failed, process: %s", event, p.UUID)
	}
	p.lifecycle.commit(to)
	return nil
}

// Enqueue 先持久化整个图, 然后 initial -> enqueued 交给队列.
// 已经是 enqueued 的进程(上一次推送失败)只重新推送
func (p *Process) Enqueue(ctx context.Context) error {
	if p.lifecycle.current == StateEnqueued {
		return p.engine.enqueue(ctx, EntityKindProcess, p.UUID)
	}
	if err := p.Save(ctx); err != nil {
		return errors.WithMessagef(err, "[Process.Enqueue] save failed, process: %s", p.UUID)
	}
	if err := p.fire(ctx, EventEnqueue, ""); err != nil {
		return err
	}
	return p.engine.enqueue(ctx, EntityKindProcess, p.UUID)
}

// Start enqueued -> processing, 没有任务直接完成
func (p *Process) Start(ctx context.Context) error {
	if err := p.fire(ctx, EventStart, ""); err != nil {
		return err
	}
	if p.tasks.Empty() {
		return p.Complete(ctx)
	}
	if p.variant == nil {
		return errors.WithMessagef(ErrNotImplemented, "[Process.Start] process: %s", p.UUID)
	}
	return p.variant.start(ctx, p)
}

// Pause 只修改进程状态, worker 在执行任务之前检查 Paused
func (p *Process) Pause(ctx context.Context) error {
	return p.fire(ctx, EventPause, "")
}

func (p *Process) Resume(ctx context.Context) error {
	return p.fire(ctx, EventResume, "")
}

// Cancel 任何非终止状态都可以取消, 已经投递的任务不会被中断
func (p *Process) Cancel(ctx context.Context) error {
	return p.fire(ctx, EventCancel, "")
}

// Complete processing -> completed, 守卫是 TasksCompleted, 有 parent 时通知 parent.
// 已经完成的进程再次 Complete 是 no-op, 不会重复通知 parent
func (p *Process) Complete(ctx context.Context) error {
	if p.lifecycle.current == StateCompleted {
		return nil
	}
	ok, err := p.TasksCompleted()
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithMessagef(ErrCompletionGuard, "[Process.Complete] process: %s", p.UUID)
	}
	if err := p.fire(ctx, EventComplete, ""); err != nil {
		return err
	}
	if p.parent != nil {
		return p.parent.Complete(ctx)
	}
	return nil
}

func (p *Process) Fail(ctx context.Context, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := p.fire(ctx, EventFail, reason); err != nil {
		return err
	}
	p.lastError = reason
	return nil
}

// TaskCompleted 子任务完成的回调.
// 加载状态 -> 判断是否完成 -> 迁移并保存 这一段在进程锁内执行,
// 避免两个 worker 同时完成同一个并发进程的两个任务时都看不到对方的完成状态
func (p *Process) TaskCompleted(ctx context.Context, task *Task) error {
	if p.variant == nil {
		return errors.WithMessagef(ErrNotImplemented, "[Process.TaskCompleted] process: %s", p.UUID)
	}
	return p.engine.synchronized(ctx, p.UUID, func(ctx context.Context) error {
		if err := p.engine.refresh(ctx, p); err != nil {
			return errors.WithMessagef(err, "[Process.TaskCompleted] refresh failed, process: %s", p.UUID)
		}
		return p.variant.taskCompleted(ctx, p, task)
	})
}

// completeIfPossible 只有 processing 状态才尝试完成, 暂停/取消中的进程等恢复之后再判断
func (p *Process) completeIfPossible(ctx context.Context) error {
	switch p.lifecycle.current {
	case StateCompleted:
		// 之前完成了但是没有通知到 parent
		if p.parent == nil {
			return nil
		}
		if err := p.engine.refreshTask(ctx, p.parent); err != nil {
			return err
		}
		if p.parent.CurrentState() == StateProcessing {
			return p.parent.Complete(ctx)
		}
		return nil
	case StateProcessing:
	default:
		slog.InfoContext(ctx, fmt.Sprintf("process is %s, skip completion check, process: %s", p.lifecycle.current, p.UUID))
		return nil
	}
	ok, err := p.CanComplete()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return p.Complete(ctx)
}

// redeliver 顺序进程只处理第一个没有完成的任务, 并发进程处理全部任务
func (p *Process) redeliver(ctx context.Context) error {
	var err error
	p.tasks.Each(func(t *Task) bool {
		switch t.CurrentState() {
		case StateInitial:
			err = t.Enqueue(ctx)
		case StateEnqueued:
			err = p.engine.enqueue(ctx, EntityKindTask, t.UUID)
		case StateProcessing:
			if sub := t.SubProcess(); sub != nil {
				err = p.engine.redeliverProcess(ctx, sub)
			}
		}
		if err != nil {
			err = errors.WithMessagef(err, "[Process.redeliver] task: %s", t.UUID)
			return false
		}
		return p.Kind() == ProcessKindConcurrent || t.Completed()
	})
	return err
}

// Accept 访问顺序: definition, uuid, name, [complete_on], options, parent, tasks
func (p *Process) Accept(visitor Visitor) {
	visitor.VisitType("definition", &p.definitionName)
	visitor.VisitAttribute("uuid", &p.UUID)
	visitor.VisitAttribute("name", &p.Name)
	if p.variant != nil {
		p.variant.acceptAttributes(p, visitor)
	}
	visitor.VisitArgs("options", p.Options)
	visitor.VisitTaskReference("parent", &p.parent)
	visitor.VisitTasks(p.tasks)
}

// Save 保存整个图, 已经保存过的实体不会修改状态, 状态迁移都走 fire
func (p *Process) Save(ctx context.Context) error {
	return p.engine.Save(ctx, p)
}

// sequentialProcess 一次只有一个任务在执行, next 指针是唯一的顺序来源
type sequentialProcess struct{}

func (s *sequentialProcess) kind() ProcessKind {
	return ProcessKindSequential
}

func (s *sequentialProcess) start(ctx context.Context, process *Process) error {
	return process.tasks.Head().Enqueue(ctx)
}

// taskCompleted 有下一个任务就投递下一个, 不做提前完成判断.
// 重复通知时下一个任务如果还是 enqueued, 可能上一次没有推到队列里, 再推一次
func (s *sequentialProcess) taskCompleted(ctx context.Context, process *Process, task *Task) error {
	if next := task.Next(); next != nil {
		switch next.CurrentState() {
		case StateInitial:
			return next.Enqueue(ctx)
		case StateEnqueued:
			return process.engine.enqueue(ctx, EntityKindTask, next.UUID)
		}
		return nil
	}
	return process.completeIfPossible(ctx)
}

func (s *sequentialProcess) tasksCompleted(process *Process) bool {
	completed := true
	process.tasks.Each(func(t *Task) bool {
		if !t.Completed() {
			completed = false
			return false
		}
		return true
	})
	return completed
}

func (s *sequentialProcess) acceptAttributes(_ *Process, _ Visitor) {}

// concurrentProcess 所有任务同时投递, 根据 completeOn 判断完成
type concurrentProcess struct {
	completeOn CompleteOn
}

func (c *concurrentProcess) kind() ProcessKind {
	return ProcessKindConcurrent
}

func (c *concurrentProcess) start(ctx context.Context, process *Process) error {
	var err error
	process.tasks.Each(func(t *Task) bool {
		if err = t.Enqueue(ctx); err != nil {
			err = errors.WithMessagef(err, "[concurrentProcess.start] enqueue failed, task: %s", t.UUID)
			return false
		}
		return true
	})
	return err
}

func (c *concurrentProcess) taskCompleted(ctx context.Context, process *Process, _ *Task) error {
	return process.completeIfPossible(ctx)
}

func (c *concurrentProcess) tasksCompleted(process *Process) bool {
	if c.completeOn == CompleteOnFirst {
		// 没有任务的进程直接完成
		if process.tasks.Empty() {
			return true
		}
		anyCompleted := false
		process.tasks.Each(func(t *Task) bool {
			if t.Completed() {
				anyCompleted = true
				return false
			}
			return true
		})
		return anyCompleted
	}
	allCompleted := true
	process.tasks.Each(func(t *Task) bool {
		if !t.Completed() {
			allCompleted = false
			return false
		}
		return true
	})
	return allCompleted
}

func (c *concurrentProcess) acceptAttributes(_ *Process, visitor Visitor) {
	visitor.VisitAttribute("complete_on", &c.completeOn)
}
