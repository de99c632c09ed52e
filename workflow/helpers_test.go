package workflow

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testDefinition 直接用 map 提供方法的定义
type testDefinition struct {
	name    string
	config  *ProcessConfig
	methods map[string]MethodFunc
}

func newTestDefinition(name string, methods map[string]MethodFunc) *testDefinition {
	return &testDefinition{
		name:    name,
		config:  &ProcessConfig{ID: name},
		methods: methods,
	}
}

func (d *testDefinition) DefinitionName() string {
	return d.name
}

func (d *testDefinition) Config() *ProcessConfig {
	return d.config
}

func (d *testDefinition) NewExecutor(_ context.Context, task *Task) (Executor, error) {
	return NewMethodExecutor(task, d.methods), nil
}

// countingRepo 统计状态更新次数, 可以注入状态冲突
type countingRepo struct {
	ProcessRepo
	updates      int32
	conflictNext int32
}

func (r *countingRepo) UpdateEntityState(ctx context.Context, param *UpdateEntityStateParams) error {
	atomic.AddInt32(&r.updates, 1)
	if atomic.LoadInt32(&r.conflictNext) > 0 {
		atomic.AddInt32(&r.conflictNext, -1)
		return errors.WithMessagef(ErrStateConflict, "injected, uuid: %s", param.Where.UUID)
	}
	return r.ProcessRepo.UpdateEntityState(ctx, param)
}

func (r *countingRepo) Updates() int32 {
	return atomic.LoadInt32(&r.updates)
}

type testEnv struct {
	engine   *Engine
	repo     *countingRepo
	registry *DefinitionRegistry
	queue    Queue
	worker   *Worker
}

func newTestEnv(t *testing.T, cfg *EngineConfig) *testEnv {
	return newTestEnvWithQueue(t, cfg, NewMemoryQueue(0))
}

func newTestEnvWithQueue(t *testing.T, cfg *EngineConfig, queue Queue) *testEnv {
	repo := &countingRepo{ProcessRepo: NewMemoryProcessRepo()}
	registry := NewDefinitionRegistry()
	engine, err := NewEngine(repo, NewLocalWorkflowLock(), queue, registry, cfg)
	require.NoError(t, err)
	return &testEnv{
		engine:   engine,
		repo:     repo,
		registry: registry,
		queue:    queue,
		worker:   NewWorker(engine, nil),
	}
}

// okMethods 一个总是成功的方法, calls 统计调用次数
func okMethods(calls *int32) map[string]MethodFunc {
	return map[string]MethodFunc{
		"ok": func(ctx context.Context, task *Task, args []any) error {
			atomic.AddInt32(calls, 1)
			return nil
		},
		"fail": func(ctx context.Context, task *Task, args []any) error {
			return errors.New("boom")
		},
		"panic": func(ctx context.Context, task *Task, args []any) error {
			panic("boom")
		},
	}
}

// registerTestDefinition 加载进程时需要通过注册表找回定义
func (env *testEnv) registerTestDefinition(t *testing.T, name string, calls *int32) *testDefinition {
	definition := newTestDefinition(name, okMethods(calls))
	require.NoError(t, env.registry.RegisterDefinition(definition))
	return definition
}

func (env *testEnv) entityState(t *testing.T, uuid string) State {
	record, err := env.engine.repo.GetEntity(context.Background(), uuid)
	require.NoError(t, err)
	return record.State
}

func addStepTasks(t *testing.T, p *Process, method string, n int) []*Task {
	tasks := make([]*Task, 0, n)
	for i := 0; i < n; i++ {
		task, err := NewStepTask(method, p, method, nil)
		require.NoError(t, err)
		_, err = p.Tasks().Add(task)
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	return tasks
}

// flakyQueue 第 failAt 次推送失败, 其余的推送和拉取交给内存队列
type flakyQueue struct {
	Queue
	pushes int32
	failAt int32
}

func newFlakyQueue(failAt int32) *flakyQueue {
	return &flakyQueue{Queue: NewMemoryQueue(0), failAt: failAt}
}

func (q *flakyQueue) Enqueue(ctx context.Context, item *QueueItem) error {
	if atomic.AddInt32(&q.pushes, 1) == q.failAt {
		return errors.New("broker down")
	}
	return q.Queue.Enqueue(ctx, item)
}
