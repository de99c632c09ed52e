package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

// EngineConfig 引擎配置
type EngineConfig struct {
	// LockMaxDuration 进程锁最长持有时间, 超过之后锁自动释放
	LockMaxDuration time.Duration `json:"lock_max_duration" validate:"gt=0"`
	// LockMaxWait 等待进程锁的最长时间, 0 表示不等待
	LockMaxWait time.Duration `json:"lock_max_wait" validate:"gte=0"`
	// MaxQueueAttempts 锁冲突/状态冲突时 worker 重新投递的最大次数
	MaxQueueAttempts int `json:"max_queue_attempts" validate:"gte=0"`
	// FailProcessOnTaskFailure 任务失败之后把所属进程(以及外层的子进程任务)也置为失败
	FailProcessOnTaskFailure bool `json:"fail_process_on_task_failure"`
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		LockMaxDuration:          10 * time.Minute,
		LockMaxWait:              waitMaxTime * time.Second,
		MaxQueueAttempts:         3,
		FailProcessOnTaskFailure: true,
	}
}

// Engine 把存储, 锁, 队列和定义注册表组装在一起, 进程和任务的所有副作用都经过这里
type Engine struct {
	repo     ProcessRepo
	lock     WorkflowLock
	queue    Queue
	registry *DefinitionRegistry
	cfg      *EngineConfig
}

func NewEngine(repo ProcessRepo, lock WorkflowLock, queue Queue, registry *DefinitionRegistry, cfg *EngineConfig) (*Engine, error) {
	if repo == nil || lock == nil || queue == nil || registry == nil {
		return nil, errors.WithMessage(ErrProcessParamInvalid, "NewEngine failed, repo/lock/queue/registry is required")
	}
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.Wrapf(ErrProcessParamInvalid, "NewEngine failed, cfg: %+v, err: %v", cfg, err)
	}
	return &Engine{repo: repo, lock: lock, queue: queue, registry: registry, cfg: cfg}, nil
}

func (e *Engine) Registry() *DefinitionRegistry {
	return e.registry
}

func (e *Engine) Queue() Queue {
	return e.queue
}

func (e *Engine) Config() *EngineConfig {
	return e.cfg
}

func processLockKey(processUUID string) string {
	return fmt.Sprintf("taskflow_process_execute_%s", processUUID)
}

// persistTransition 状态 CAS, 失败时内存状态不变
func (e *Engine) persistTransition(ctx context.Context, uuid string, from State, to State, reason string) error {
	fields := &UpdateEntityStateField{State: to}
	if to == StateFailed {
		fields.LastError = String(reason)
	}
	return e.repo.UpdateEntityState(ctx, &UpdateEntityStateParams{
		Where:  &UpdateEntityStateWhere{UUID: uuid, StateIn: []string{from}},
		Fields: fields,
	})
}

func (e *Engine) enqueue(ctx context.Context, kind EntityKind, uuid string) error {
	if err := e.queue.Enqueue(ctx, newQueueItem(kind, uuid)); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("enqueue failed, %s: %s, err: %v", kind, uuid, err))
		return errors.Wrapf(ErrQueueUnavailable, "[Engine.enqueue] %s: %s, err: %v", kind, uuid, err)
	}
	return nil
}

// synchronized 进程级别的互斥, 可重入.
// LockMaxWait 为 0 时不等待, 拿不到锁直接返回 LockFailedError, worker 会重新投递
func (e *Engine) synchronized(ctx context.Context, processUUID string, f func(ctx context.Context) error) error {
	key := processLockKey(processUUID)
	if e.cfg.LockMaxWait == 0 {
		return e.lock.NonBlockingSynchronized(ctx, key, e.cfg.LockMaxDuration, f)
	}
	return e.lock.BlockingSynchronized(ctx, key, e.cfg.LockMaxDuration, e.cfg.LockMaxWait, f)
}

// refresh 从存储重新读取进程, 它的任务以及任务的子进程的状态
func (e *Engine) refresh(ctx context.Context, p *Process) error {
	processes := map[string]*Process{p.UUID: p}
	tasks := make(map[string]*Task, p.tasks.Len())
	uuids := []string{p.UUID}
	p.tasks.Each(func(t *Task) bool {
		tasks[t.UUID] = t
		uuids = append(uuids, t.UUID)
		if sub := t.SubProcess(); sub != nil {
			processes[sub.UUID] = sub
			uuids = append(uuids, sub.UUID)
		}
		return true
	})
	records, err := e.repo.QueryEntities(ctx, &QueryEntityParams{UUIDIn: uuids, Page: noLimitPager()})
	if err != nil {
		return errors.WithMessagef(err, "[Engine.refresh] process: %s", p.UUID)
	}
	for _, record := range records {
		if record.Kind == EntityKindProcess {
			if sp, ok := processes[record.UUID]; ok {
				sp.lifecycle.commit(record.State)
				sp.lastError = record.LastError
			}
			continue
		}
		if t, ok := tasks[record.UUID]; ok {
			t.lifecycle.commit(record.State)
			t.lastError = record.LastError
		}
	}
	return nil
}

func (e *Engine) refreshTask(ctx context.Context, t *Task) error {
	record, err := e.repo.GetEntity(ctx, t.UUID)
	if err != nil {
		return errors.WithMessagef(err, "[Engine.refreshTask] task: %s", t.UUID)
	}
	t.lifecycle.commit(record.State)
	t.lastError = record.LastError
	return nil
}

// Save 持久化实体以及它拥有的任务和嵌套进程
func (e *Engine) Save(ctx context.Context, v Visitable) error {
	records := make([]*EntityRecordPo, 0)
	var err error
	switch entity := v.(type) {
	case *Process:
		err = writeProcessRecords(entity, rootProcess(entity).UUID, &records)
	case *Task:
		if entity.process == nil {
			return errors.WithMessagef(ErrProcessParamInvalid, "[Engine.Save] task %s has no process", entity.UUID)
		}
		err = writeTaskRecords(entity, rootProcess(entity.process).UUID, &records)
	default:
		return errors.Errorf("[Engine.Save] unsupported visitable: %T", v)
	}
	if err != nil {
		return errors.WithMessage(err, "[Engine.Save] write records failed")
	}
	return e.repo.Transaction(ctx, func(ctx context.Context) error {
		return e.repo.SaveEntities(ctx, records)
	})
}

// loadGraph 加载 uuid 所在的整个图
func (e *Engine) loadGraph(ctx context.Context, uuid string) (*graphLoader, error) {
	record, err := e.repo.GetEntity(ctx, uuid)
	if err != nil {
		return nil, errors.WithMessagef(err, "[Engine.loadGraph] GetEntity failed, uuid: %s", uuid)
	}
	records, err := e.repo.QueryEntities(ctx, &QueryEntityParams{RootUUID: &record.RootUUID, Page: noLimitPager()})
	if err != nil {
		return nil, errors.WithMessagef(err, "[Engine.loadGraph] QueryEntities failed, root: %s", record.RootUUID)
	}
	loader := newGraphLoader(ctx, e, records)
	if err := loader.loadAll(); err != nil {
		return nil, errors.WithMessagef(err, "[Engine.loadGraph] root: %s", record.RootUUID)
	}
	return loader, nil
}

func (e *Engine) LoadProcess(ctx context.Context, uuid string) (*Process, error) {
	loader, err := e.loadGraph(ctx, uuid)
	if err != nil {
		return nil, err
	}
	p, ok := loader.processes[uuid]
	if !ok {
		return nil, errors.WithMessagef(ErrEntityNotFound, "process: %s", uuid)
	}
	return p, nil
}

func (e *Engine) LoadTask(ctx context.Context, uuid string) (*Task, error) {
	loader, err := e.loadGraph(ctx, uuid)
	if err != nil {
		return nil, err
	}
	t, ok := loader.tasks[uuid]
	if !ok {
		return nil, errors.WithMessagef(ErrEntityNotFound, "task: %s", uuid)
	}
	return t, nil
}

func (e *Engine) CreateProcess(ctx context.Context, req *CreateProcessReq) (*Process, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrProcessParamInvalid, "CreateProcess failed, req: %+v, err: %v", req, err)
	}
	definition, err := e.registry.GetAndLoadDefinition(req.DefinitionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetAndLoadDefinition failed, definition: %s", req.DefinitionID)
	}
	p, err := e.BuildProcess(ctx, definition, req.Name, req.Args)
	if err != nil {
		return nil, errors.WithMessagef(err, "BuildProcess failed, definition: %s", req.DefinitionID)
	}
	if err := p.Options.Merge(req.Options); err != nil {
		return nil, errors.WithMessagef(err, "process options, definition: %s", req.DefinitionID)
	}
	if req.IsEnqueue {
		// Enqueue 会先保存整个图
		if err := p.Enqueue(ctx); err != nil {
			return nil, errors.WithMessagef(err, "Enqueue failed, process: %s", p.UUID)
		}
		return p, nil
	}
	if err := p.Save(ctx); err != nil {
		return nil, errors.WithMessagef(err, "Save failed, process: %s", p.UUID)
	}
	return p, nil
}

// StartProcess worker 的入口, 只启动处于 enqueued 的进程, 重复投递直接忽略
func (e *Engine) StartProcess(ctx context.Context, uuid string) error {
	p, err := e.LoadProcess(ctx, uuid)
	if err != nil {
		return err
	}
	switch p.CurrentState() {
	case StateEnqueued:
		return p.Start(ctx)
	case StateProcessing:
		// 启动时部分任务没有推到队列里
		return e.redeliverProcess(ctx, p)
	}
	slog.InfoContext(ctx, fmt.Sprintf("process is %s, skip start, process: %s", p.CurrentState(), uuid))
	return nil
}

// redeliverProcess 重新投递还没有执行的任务, 子进程递归处理.
// 不加进程锁, 状态迁移都是 CAS; 重复推送是安全的, StartTask 只执行 enqueued 的任务
func (e *Engine) redeliverProcess(ctx context.Context, p *Process) error {
	if err := e.refresh(ctx, p); err != nil {
		return err
	}
	switch p.CurrentState() {
	case StateInitial, StateEnqueued:
		return p.Start(ctx)
	case StateProcessing:
		return p.redeliver(ctx)
	case StateCompleted:
		// 完成之后没有通知到 parent
		return p.completeIfPossible(ctx)
	}
	return nil
}

// StartTask worker 的入口.
// 进程暂停时任务保持 enqueued, 恢复的时候重新投递; 已经完成的任务重新通知一次所属进程
func (e *Engine) StartTask(ctx context.Context, uuid string) error {
	t, err := e.LoadTask(ctx, uuid)
	if err != nil {
		return err
	}
	if t.Cancelled() {
		slog.InfoContext(ctx, fmt.Sprintf("process is cancelled, skip task: %s, process: %s", uuid, t.process.UUID))
		return nil
	}
	if t.Paused() {
		slog.InfoContext(ctx, fmt.Sprintf("process is paused, park task: %s, process: %s", uuid, t.process.UUID))
		return nil
	}
	switch t.CurrentState() {
	case StateEnqueued:
	case StateProcessing:
		if sub := t.SubProcess(); sub != nil {
			// 子进程启动的时候投递失败了
			return e.redeliverProcess(ctx, sub)
		}
		slog.InfoContext(ctx, fmt.Sprintf("task is processing, skip start, task: %s", uuid))
		return nil
	case StateCompleted:
		// 上一次完成之后通知进程失败了(锁超时等), 这里补偿
		return t.process.TaskCompleted(ctx, t)
	default:
		slog.InfoContext(ctx, fmt.Sprintf("task is %s, skip start, task: %s", t.CurrentState(), uuid))
		return nil
	}
	if err := t.Start(ctx); err != nil {
		return err
	}
	if t.Failed() && e.cfg.FailProcessOnTaskFailure {
		return e.failProcess(ctx, t.process, errors.New(t.lastError))
	}
	return nil
}

// failProcess 任务失败沿着 parent 往外传播
func (e *Engine) failProcess(ctx context.Context, p *Process, cause error) error {
	return e.synchronized(ctx, p.UUID, func(ctx context.Context) error {
		if err := e.refresh(ctx, p); err != nil {
			return err
		}
		if p.CurrentState() != StateProcessing {
			return nil
		}
		if err := p.Fail(ctx, cause); err != nil {
			return err
		}
		slog.WarnContext(ctx, fmt.Sprintf("process failed, process: %s, err: %v", p.UUID, cause))
		parent := p.parent
		if parent == nil {
			return nil
		}
		if err := e.refreshTask(ctx, parent); err != nil {
			return err
		}
		if parent.CurrentState() != StateProcessing {
			return nil
		}
		if err := parent.Fail(ctx, cause); err != nil {
			return err
		}
		return e.failProcess(ctx, parent.process, cause)
	})
}

func (e *Engine) PauseProcess(ctx context.Context, uuid string) error {
	return e.withProcess(ctx, uuid, func(ctx context.Context, p *Process) error {
		return p.Pause(ctx)
	})
}

// ResumeProcess 恢复之后重新投递暂停期间被搁置的任务, 并且重新检查一次是否可以完成
func (e *Engine) ResumeProcess(ctx context.Context, uuid string) error {
	return e.withProcess(ctx, uuid, func(ctx context.Context, p *Process) error {
		if err := p.Resume(ctx); err != nil {
			return err
		}
		var err error
		p.tasks.Each(func(t *Task) bool {
			if t.CurrentState() == StateEnqueued {
				err = e.enqueue(ctx, EntityKindTask, t.UUID)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
		return p.completeIfPossible(ctx)
	})
}

func (e *Engine) CancelProcess(ctx context.Context, uuid string) error {
	return e.withProcess(ctx, uuid, func(ctx context.Context, p *Process) error {
		if IsOverState(p.CurrentState()) {
			return nil
		}
		return p.Cancel(ctx)
	})
}

func (e *Engine) withProcess(ctx context.Context, uuid string, f func(ctx context.Context, p *Process) error) error {
	return e.synchronized(ctx, uuid, func(ctx context.Context) error {
		p, err := e.LoadProcess(ctx, uuid)
		if err != nil {
			return err
		}
		return f(ctx, p)
	})
}

func (e *Engine) QueryProcesses(ctx context.Context, params *QueryEntityParams) ([]*EntityRecordPo, error) {
	if params == nil {
		return nil, errors.WithMessage(ErrProcessParamInvalid, "QueryProcesses failed, params is nil")
	}
	params.Kind = String(EntityKindProcess)
	records, err := e.repo.QueryEntities(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryProcesses failed, params: %+v", params)
	}
	return records, nil
}

func (e *Engine) CountProcesses(ctx context.Context, params *QueryEntityParams) (int64, error) {
	if params == nil {
		return 0, errors.WithMessage(ErrProcessParamInvalid, "CountProcesses failed, params is nil")
	}
	params.Kind = String(EntityKindProcess)
	count, err := e.repo.CountEntities(ctx, params)
	if err != nil {
		return 0, errors.WithMessagef(err, "CountProcesses failed, params: %+v", params)
	}
	return count, nil
}

func (e *Engine) QueryProcessDetail(ctx context.Context, uuid string) (*ProcessDetailEntity, error) {
	p, err := e.LoadProcess(ctx, uuid)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryProcessDetail failed, process: %s", uuid)
	}
	return assemblyProcessDetailEntity(p), nil
}

func assemblyProcessDetailEntity(p *Process) *ProcessDetailEntity {
	ret := &ProcessDetailEntity{
		UUID:       p.UUID,
		Name:       p.Name,
		Definition: p.definitionName,
		Kind:       p.Kind(),
		CompleteOn: p.CompleteOn(),
		State:      p.CurrentState(),
		StateText:  GetStateText(p.CurrentState()),
		LastError:  p.lastError,
		Options:    p.Options,
		Tasks:      make([]*TaskDetailEntity, 0, p.tasks.Len()),
	}
	p.tasks.Each(func(t *Task) bool {
		detail := &TaskDetailEntity{
			UUID:      t.UUID,
			Name:      t.Name,
			Kind:      t.Kind(),
			Method:    t.Method(),
			Args:      t.Args(),
			State:     t.CurrentState(),
			StateText: GetStateText(t.CurrentState()),
			LastError: t.lastError,
		}
		if sub := t.SubProcess(); sub != nil {
			detail.SubProcess = assemblyProcessDetailEntity(sub)
		}
		ret.Tasks = append(ret.Tasks, detail)
		return true
	})
	return ret
}
