package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Identifiable 进程和任务的相等/排序只由 uuid 决定
type Identifiable interface {
	GetUUID() string
}

// Task 进程中的一个工作单元, 变体为 step(调用执行器的方法) 或者 sub_process(委托给嵌套进程)
type Task struct {
	UUID    string
	Name    string
	Options *JSONContext

	process *Process // 所属进程, 只引用不拥有
	next    *Task    // 链表中的下一个任务, 由前一个任务持有

	lifecycle stateMachine
	variant   taskVariant
	lastError string
}

// taskVariant 任务变体需要提供的能力
type taskVariant interface {
	kind() TaskKind
	// run 变体自己的执行动作
	run(ctx context.Context, task *Task) error
	// completesOnRun run 成功返回后是否立刻 complete
	completesOnRun() bool
	canCompleteTask(task *Task) bool
	accept(task *Task, visitor Visitor)
}

func newTask(name string, process *Process, variant taskVariant) (*Task, error) {
	if process == nil {
		return nil, errors.WithMessagef(ErrProcessParamInvalid, "task %s has no process", name)
	}
	return &Task{
		UUID:      uuid.NewString(),
		Name:      name,
		Options:   NewJSONContext(nil),
		process:   process,
		lifecycle: newStateMachine(taskEdges),
		variant:   variant,
	}, nil
}

// NewStepTask 创建 step 任务, 执行时在进程定义的执行器上调用 method(args...)
func NewStepTask(name string, process *Process, method string, args []any) (*Task, error) {
	if method == "" {
		return nil, errors.WithMessagef(ErrProcessParamInvalid, "step task %s has no method", name)
	}
	if args == nil {
		args = make([]any, 0)
	}
	step := &stepTask{method: method, args: args}
	if process != nil {
		step.definition = process.definitionName
	}
	return newTask(name, process, step)
}

// NewSubProcessTask 创建子进程任务, 子进程的 parent 指向这个任务,
// 子进程完成之后通过 parent.Complete 通知到这个任务所属的进程
func NewSubProcessTask(name string, process *Process, subProcess *Process) (*Task, error) {
	if subProcess == nil {
		return nil, errors.WithMessagef(ErrProcessParamInvalid, "sub process task %s has no sub process", name)
	}
	task, err := newTask(name, process, &subProcessTask{subProcess: subProcess})
	if err != nil {
		return nil, err
	}
	subProcess.parent = task
	return task, nil
}

func (t *Task) GetUUID() string {
	return t.UUID
}

func (t *Task) Process() *Process {
	return t.process
}

func (t *Task) Next() *Task {
	return t.next
}

func (t *Task) Kind() TaskKind {
	if t.variant == nil {
		return ""
	}
	return t.variant.kind()
}

// Method step 任务调用的方法名, 其他变体返回空
func (t *Task) Method() string {
	if step, ok := t.variant.(*stepTask); ok {
		return step.method
	}
	return ""
}

func (t *Task) Args() []any {
	if step, ok := t.variant.(*stepTask); ok {
		return step.args
	}
	return nil
}

// SubProcess sub_process 任务委托的进程, 其他变体返回 nil
func (t *Task) SubProcess() *Process {
	if sub, ok := t.variant.(*subProcessTask); ok {
		return sub.subProcess
	}
	return nil
}

func (t *Task) CurrentState() State {
	return t.lifecycle.CurrentState()
}

// LastError 失败时记录的错误信息
func (t *Task) LastError() string {
	return t.lastError
}

func (t *Task) Completed() bool {
	return t.lifecycle.current == StateCompleted
}

func (t *Task) Failed() bool {
	return t.lifecycle.current == StateFailed
}

// Paused 任务本身没有 paused 状态, 看所属进程
func (t *Task) Paused() bool {
	return t.process != nil && t.process.Paused()
}

func (t *Task) Cancelled() bool {
	return t.process != nil && t.process.Cancelled()
}

func (t *Task) Equal(other Identifiable) bool {
	if other == nil {
		return false
	}
	return t.UUID == other.GetUUID()
}

func (t *Task) Compare(other Identifiable) int {
	return strings.Compare(t.UUID, other.GetUUID())
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%s:%s)", t.Name, t.UUID)
}

func (t *Task) engine() *Engine {
	return t.process.engine
}

// CanCompleteTask 基类没有实现, 由变体决定任务是否允许完成
func (t *Task) CanCompleteTask() (bool, error) {
	if t.variant == nil {
		return false, errors.WithMessagef(ErrNotImplemented, "[Task.CanCompleteTask] task: %s", t.UUID)
	}
	return t.variant.canCompleteTask(t), nil
}

// fire 校验迁移, 持久化新状态, 成功之后才修改内存状态
func (t *Task) fire(ctx context.Context, event Event, reason string) error {
	from, to, err := t.lifecycle.transition(event)
	if err != nil {
		return errors.WithMessagef(err, "[Task.fire] task: %s", t.UUID)
	}
	if err := t.engine().persistTransition(ctx, t.UUID, from, to, reason); err != nil {
		return errors.WithMessagef(err, "[Task.fire] persist %s failed, task: %s", event, t.UUID)
	}
	t.lifecycle.commit(to)
	return nil
}

// Enqueue initial -> enqueued, 交给队列
func (t *Task) Enqueue(ctx context.Context) error {
	if err := t.fire(ctx, EventEnqueue, ""); err != nil {
		return err
	}
	return t.engine().enqueue(ctx, EntityKindTask, t.UUID)
}

// Start enqueued -> processing, 然后执行变体的动作.
// 动作返回的错误会让任务 Fail, 不会再返回给调用方
func (t *Task) Start(ctx context.Context) error {
	if err := t.fire(ctx, EventStart, ""); err != nil {
		return err
	}
	if t.variant == nil {
		return t.Fail(ctx, errors.WithMessagef(ErrNotImplemented, "[Task.Start] task: %s", t.UUID))
	}
	if err := t.runSafely(ctx); err != nil {
		if t.SubProcess() != nil && IsRetryableError(err) {
			// 子进程启动到一半, 任务保持 processing, 重新投递时 StartTask 会继续推进子进程
			return errors.WithMessagef(err, "[Task.Start] sub process start interrupted, task: %s", t.UUID)
		}
		if t.lifecycle.current != StateProcessing {
			// 动作里面已经推进了状态(例如子进程已经完成并通知了任务), 这里不能再 fail
			return errors.WithMessagef(err, "[Task.Start] task: %s", t.UUID)
		}
		slog.WarnContext(ctx, fmt.Sprintf("task run failed, task: %s, process: %s, err: %v", t.UUID, t.process.UUID, err))
		return t.Fail(ctx, err)
	}
	if t.variant.completesOnRun() {
		return t.Complete(ctx)
	}
	return nil
}

func (t *Task) runSafely(ctx context.Context) (err error) {
	defer func() {
		// panic 捕捉一下, 当成执行错误处理
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("task run panic: %v, task: %s, stack: %s", r, t.UUID, string(debug.Stack())))
			err = errors.New(fmt.Sprintf("task run panic: %v, task: %s", r, t.UUID))
		}
	}()
	return t.variant.run(ctx, t)
}

// Complete processing -> completed, 守卫是 CanCompleteTask, 完成后通知所属进程.
// 已经完成的任务再次 Complete 是 no-op, 兼容队列至少一次投递
func (t *Task) Complete(ctx context.Context) error {
	if t.lifecycle.current == StateCompleted {
		return nil
	}
	ok, err := t.CanCompleteTask()
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithMessagef(ErrCompletionGuard, "[Task.Complete] task: %s", t.UUID)
	}
	if err := t.fire(ctx, EventComplete, ""); err != nil {
		return err
	}
	return t.process.TaskCompleted(ctx, t)
}

// Fail processing -> failed, 记录错误
func (t *Task) Fail(ctx context.Context, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := t.fire(ctx, EventFail, reason); err != nil {
		return err
	}
	t.lastError = reason
	return nil
}

// Accept 基类字段的访问顺序: uuid, name, process, next, options; 变体在前后追加自己的字段
func (t *Task) Accept(visitor Visitor) {
	if t.variant == nil {
		t.acceptBase(visitor)
		return
	}
	t.variant.accept(t, visitor)
}

func (t *Task) acceptBase(visitor Visitor) {
	visitor.VisitAttribute("uuid", &t.UUID)
	visitor.VisitAttribute("name", &t.Name)
	visitor.VisitProcessReference("process", &t.process)
	visitor.VisitTaskReference("next", &t.next)
	visitor.VisitArgs("options", t.Options)
}

// Save 使用引擎配置的 visitor 持久化任务
func (t *Task) Save(ctx context.Context) error {
	return t.engine().Save(ctx, t)
}

// stepTask 在执行器上调用 method(args...)
type stepTask struct {
	definition string
	method     string
	args       []any
	// executedWithoutError 只有方法执行没有报错才会置为 true
	executedWithoutError bool
}

func (s *stepTask) kind() TaskKind {
	return TaskKindStep
}

func (s *stepTask) run(ctx context.Context, task *Task) error {
	executor, err := task.process.Executor(ctx, task)
	if err != nil {
		return errors.WithMessagef(err, "[stepTask.run] create executor failed, task: %s", task.UUID)
	}
	if err := executor.Invoke(ctx, s.method, s.args); err != nil {
		return err
	}
	s.executedWithoutError = true
	return nil
}

func (s *stepTask) completesOnRun() bool {
	return true
}

func (s *stepTask) canCompleteTask(_ *Task) bool {
	return s.executedWithoutError
}

func (s *stepTask) accept(task *Task, visitor Visitor) {
	visitor.VisitType("definition", &s.definition)
	task.acceptBase(visitor)
	visitor.VisitAttribute("method", &s.method)
	visitor.VisitArgs("args", &s.args)
}

// subProcessTask 整个委托给嵌套进程, 嵌套进程完成之后通过 parent 回调 Complete
type subProcessTask struct {
	subProcess *Process
}

func (s *subProcessTask) kind() TaskKind {
	return TaskKindSubProcess
}

func (s *subProcessTask) run(ctx context.Context, _ *Task) error {
	return s.subProcess.Start(ctx)
}

func (s *subProcessTask) completesOnRun() bool {
	return false
}

func (s *subProcessTask) canCompleteTask(_ *Task) bool {
	return s.subProcess.Completed()
}

func (s *subProcessTask) accept(task *Task, visitor Visitor) {
	task.acceptBase(visitor)
	visitor.VisitProcess("sub_process", &s.subProcess)
}
