package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const engineFlowJSON = `{
	"id": "engine_flow",
	"name": "引擎测试",
	"tasks": [
		{"type": "task", "method": "step"},
		{"type": "concurrent", "name": "block", "tasks": [
			{"type": "task", "method": "step", "args": ["a"]},
			{"type": "task", "method": "step", "args": ["b"]}
		]},
		{"type": "task", "method": "step"}
	]
}`

// stepRecorder 记录 step 方法收到的参数
type stepRecorder struct {
	mu   sync.Mutex
	args [][]any
}

func (r *stepRecorder) step(ctx context.Context, task *Task, args []any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.args = append(r.args, args)
	return nil
}

func (r *stepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.args)
}

func newEngineFlowEnv(t *testing.T) (*testEnv, *stepRecorder) {
	env := newTestEnv(t, nil)
	recorder := &stepRecorder{}
	loadConfigJSON(t, env.registry, engineFlowJSON)
	require.NoError(t, env.registry.RegisterTaskMethod("engine_flow", "step", recorder.step))
	return env, recorder
}

func TestNewEngine(t *testing.T) {
	registry := NewDefinitionRegistry()
	_, err := NewEngine(nil, NewLocalWorkflowLock(), NewMemoryQueue(0), registry, nil)
	assert.ErrorIs(t, err, ErrProcessParamInvalid)
	_, err = NewEngine(NewMemoryProcessRepo(), NewLocalWorkflowLock(), NewMemoryQueue(0), registry, &EngineConfig{})
	assert.ErrorIs(t, err, ErrProcessParamInvalid)
	_, err = NewEngine(NewMemoryProcessRepo(), NewLocalWorkflowLock(), NewMemoryQueue(0), registry, &EngineConfig{
		LockMaxDuration:  time.Minute,
		MaxQueueAttempts: -1,
	})
	assert.ErrorIs(t, err, ErrProcessParamInvalid)

	engine, err := NewEngine(NewMemoryProcessRepo(), NewLocalWorkflowLock(), NewMemoryQueue(0), registry, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig(), engine.Config())
	assert.Same(t, registry, engine.Registry())
	assert.NotNil(t, engine.Queue())
}

func TestEngine_CreateProcess(t *testing.T) {
	ctx := context.Background()
	env, recorder := newEngineFlowEnv(t)

	t.Run("参数不合法", func(t *testing.T) {
		_, err := env.engine.CreateProcess(ctx, &CreateProcessReq{})
		assert.ErrorIs(t, err, ErrProcessParamInvalid)
		_, err = env.engine.CreateProcess(ctx, &CreateProcessReq{DefinitionID: "not_exist"})
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("只保存不投递", func(t *testing.T) {
		p, err := env.engine.CreateProcess(ctx, &CreateProcessReq{
			DefinitionID: "engine_flow",
			Args:         []any{"order-1"},
			Options:      map[string]any{"biz_id": "order-1"},
		})
		require.NoError(t, err)
		assert.Equal(t, "引擎测试", p.Name)
		assert.Equal(t, StateInitial, env.entityState(t, p.UUID))
		assert.Equal(t, 0, env.queue.Len(ctx))

		loaded, err := env.engine.LoadProcess(ctx, p.UUID)
		require.NoError(t, err)
		bizID, ok := loaded.Options.GetString("biz_id")
		assert.True(t, ok)
		assert.Equal(t, "order-1", bizID)

		// 没有投递的进程 worker 不会启动
		require.NoError(t, env.engine.StartProcess(ctx, p.UUID))
		assert.Equal(t, StateInitial, env.entityState(t, p.UUID))

		// 之后再投递
		require.NoError(t, loaded.Enqueue(ctx))
		require.NoError(t, env.worker.Drain(ctx))
		assert.Equal(t, StateCompleted, env.entityState(t, p.UUID))
		assert.Equal(t, 4, recorder.count())
	})
}

func TestEngine_RunAndDetail(t *testing.T) {
	ctx := context.Background()
	env, recorder := newEngineFlowEnv(t)
	p, err := env.engine.CreateProcess(ctx, &CreateProcessReq{
		DefinitionID: "engine_flow",
		Name:         "order-1",
		Args:         []any{"order-1"},
		IsEnqueue:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, StateEnqueued, env.entityState(t, p.UUID))
	require.NoError(t, env.worker.Drain(ctx))
	assert.Equal(t, 4, recorder.count())
	assert.ElementsMatch(t, [][]any{{"order-1"}, {"a"}, {"b"}, {"order-1"}}, recorder.args)

	t.Run("进程详情", func(t *testing.T) {
		detail, err := env.engine.QueryProcessDetail(ctx, p.UUID)
		require.NoError(t, err)
		assert.Equal(t, p.UUID, detail.UUID)
		assert.Equal(t, "order-1", detail.Name)
		assert.Equal(t, "engine_flow", detail.Definition)
		assert.Equal(t, ProcessKindSequential, detail.Kind)
		assert.Equal(t, StateCompleted, detail.State)
		assert.Equal(t, "完成", detail.StateText)
		require.Len(t, detail.Tasks, 3)

		assert.Equal(t, TaskKindStep, detail.Tasks[0].Kind)
		assert.Equal(t, "step", detail.Tasks[0].Method)
		assert.Equal(t, []any{"order-1"}, detail.Tasks[0].Args)
		assert.Nil(t, detail.Tasks[0].SubProcess)

		block := detail.Tasks[1]
		assert.Equal(t, TaskKindSubProcess, block.Kind)
		assert.Equal(t, "block", block.Name)
		require.NotNil(t, block.SubProcess)
		assert.Equal(t, ProcessKindConcurrent, block.SubProcess.Kind)
		assert.Equal(t, CompleteOnLast, block.SubProcess.CompleteOn)
		require.Len(t, block.SubProcess.Tasks, 2)
		assert.Equal(t, []any{"a"}, block.SubProcess.Tasks[0].Args)
		assert.Equal(t, []any{"b"}, block.SubProcess.Tasks[1].Args)
		for _, task := range block.SubProcess.Tasks {
			assert.Equal(t, StateCompleted, task.State)
		}
		assert.Equal(t, StateCompleted, detail.Tasks[2].State)

		_, err = env.engine.QueryProcessDetail(ctx, "not_exist")
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("查询进程", func(t *testing.T) {
		// 进程记录包括最外层进程和 block 的嵌套进程
		records, err := env.engine.QueryProcesses(ctx, &QueryEntityParams{Page: noLimitPager()})
		require.NoError(t, err)
		assert.Len(t, records, 2)

		records, err = env.engine.QueryProcesses(ctx, &QueryEntityParams{
			Kind:   String(EntityKindTask),
			IsRoot: Bool(true),
			Page:   noLimitPager(),
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, p.UUID, records[0].UUID)
		assert.Equal(t, EntityKindProcess, records[0].Kind)

		count, err := env.engine.CountProcesses(ctx, &QueryEntityParams{
			StateIn:      []string{StateCompleted},
			DefinitionIn: []string{"engine_flow"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		_, err = env.engine.QueryProcesses(ctx, nil)
		assert.ErrorIs(t, err, ErrProcessParamInvalid)
		_, err = env.engine.CountProcesses(ctx, nil)
		assert.ErrorIs(t, err, ErrProcessParamInvalid)
	})
}

func TestEngine_PauseResume(t *testing.T) {
	ctx := context.Background()
	env, recorder := newEngineFlowEnv(t)
	p, err := env.engine.CreateProcess(ctx, &CreateProcessReq{DefinitionID: "engine_flow", IsEnqueue: true})
	require.NoError(t, err)

	// 启动进程, 第一个任务进入队列
	processed, err := env.worker.ProcessOne(ctx)
	require.True(t, processed)
	require.NoError(t, err)
	require.Equal(t, 1, env.queue.Len(ctx))

	require.NoError(t, env.engine.PauseProcess(ctx, p.UUID))
	assert.Equal(t, StatePaused, env.entityState(t, p.UUID))
	assert.ErrorIs(t, env.engine.PauseProcess(ctx, p.UUID), ErrInvalidTransition)

	// 暂停中的任务被搁置, 保持 enqueued
	require.NoError(t, env.worker.Drain(ctx))
	assert.Equal(t, 0, recorder.count())
	head, err := env.engine.LoadProcess(ctx, p.UUID)
	require.NoError(t, err)
	assert.Equal(t, StateEnqueued, head.Tasks().Head().CurrentState())
	assert.True(t, head.Tasks().Head().Paused())

	require.NoError(t, env.engine.ResumeProcess(ctx, p.UUID))
	assert.Equal(t, StateProcessing, env.entityState(t, p.UUID))
	assert.Equal(t, 1, env.queue.Len(ctx))
	assert.ErrorIs(t, env.engine.ResumeProcess(ctx, p.UUID), ErrInvalidTransition)

	require.NoError(t, env.worker.Drain(ctx))
	assert.Equal(t, 4, recorder.count())
	assert.Equal(t, StateCompleted, env.entityState(t, p.UUID))
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("运行中取消", func(t *testing.T) {
		env, recorder := newEngineFlowEnv(t)
		p, err := env.engine.CreateProcess(ctx, &CreateProcessReq{DefinitionID: "engine_flow", IsEnqueue: true})
		require.NoError(t, err)
		_, err = env.worker.ProcessOne(ctx)
		require.NoError(t, err)

		require.NoError(t, env.engine.CancelProcess(ctx, p.UUID))
		assert.Equal(t, StateCancelled, env.entityState(t, p.UUID))
		require.NoError(t, env.worker.Drain(ctx))
		assert.Equal(t, 0, recorder.count())
		assert.Equal(t, StateCancelled, env.entityState(t, p.UUID))

		// 已经结束的进程再取消直接返回
		require.NoError(t, env.engine.CancelProcess(ctx, p.UUID))
		assert.ErrorIs(t, env.engine.PauseProcess(ctx, p.UUID), ErrInvalidTransition)
		assert.ErrorIs(t, env.engine.ResumeProcess(ctx, p.UUID), ErrInvalidTransition)
	})

	t.Run("启动之前取消", func(t *testing.T) {
		env, recorder := newEngineFlowEnv(t)
		p, err := env.engine.CreateProcess(ctx, &CreateProcessReq{DefinitionID: "engine_flow", IsEnqueue: true})
		require.NoError(t, err)
		require.NoError(t, env.engine.CancelProcess(ctx, p.UUID))
		require.NoError(t, env.worker.Drain(ctx))
		assert.Equal(t, 0, recorder.count())
		assert.Equal(t, StateCancelled, env.entityState(t, p.UUID))
	})

	t.Run("不存在的进程", func(t *testing.T) {
		env, _ := newEngineFlowEnv(t)
		assert.ErrorIs(t, env.engine.CancelProcess(ctx, "not_exist"), ErrEntityNotFound)
	})
}

func TestEngine_LockWithoutWait(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultEngineConfig()
	cfg.LockMaxWait = 0
	env := newTestEnv(t, cfg)
	var calls int32
	definition := env.registerTestDefinition(t, "lock_without_wait", &calls)
	p, err := env.engine.NewSequentialProcess("p", definition)
	require.NoError(t, err)
	addStepTasks(t, p, "ok", 1)
	require.NoError(t, p.Enqueue(ctx))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.engine.synchronized(context.Background(), p.UUID, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	t.Run("拿不到锁立即返回", func(t *testing.T) {
		start := time.Now()
		err := env.engine.CancelProcess(ctx, p.UUID)
		assert.ErrorIs(t, err, LockFailedError)
		assert.True(t, IsRetryableError(err))
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, StateEnqueued, env.entityState(t, p.UUID))
	})

	close(release)
	require.NoError(t, <-done)

	t.Run("锁释放之后", func(t *testing.T) {
		require.NoError(t, env.engine.CancelProcess(ctx, p.UUID))
		assert.Equal(t, StateCancelled, env.entityState(t, p.UUID))
	})
}
