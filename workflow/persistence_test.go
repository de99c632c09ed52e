package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	var calls int32
	definition := env.registerTestDefinition(t, "round_trip", &calls)

	root, err := env.engine.NewSequentialProcess("root", definition)
	require.NoError(t, err)
	require.NoError(t, root.Options.Set("owner", "tester"))
	first, err := NewStepTask("first", root, "ok", []any{1, "a"})
	require.NoError(t, err)
	require.NoError(t, first.Options.Set("retry", true))
	_, err = root.Tasks().Add(first)
	require.NoError(t, err)

	sub, err := env.engine.NewConcurrentProcess("sub", definition, CompleteOnFirst)
	require.NoError(t, err)
	subTasks := addStepTasks(t, sub, "ok", 2)
	subTask, err := NewSubProcessTask("sub_task", root, sub)
	require.NoError(t, err)
	_, err = root.Tasks().Add(subTask)
	require.NoError(t, err)
	last := addStepTasks(t, root, "ok", 1)

	require.NoError(t, root.Save(ctx))

	t.Run("每个实体一条记录", func(t *testing.T) {
		count, err := env.engine.repo.CountEntities(ctx, &QueryEntityParams{RootUUID: String(root.UUID)})
		require.NoError(t, err)
		// root, first, sub_task, sub, 2个子任务, last
		assert.Equal(t, int64(7), count)

		record, err := env.engine.repo.GetEntity(ctx, sub.UUID)
		require.NoError(t, err)
		assert.Equal(t, EntityKindProcess, record.Kind)
		assert.Equal(t, ProcessKindConcurrent, record.Type)
		assert.Equal(t, root.UUID, record.RootUUID)
		assert.Equal(t, "round_trip", record.Definition)
		refs := map[string]string{}
		require.NoError(t, json.Unmarshal(record.References, &refs))
		assert.Equal(t, subTask.UUID, refs["parent"])
		tasks := make([]string, 0)
		require.NoError(t, json.Unmarshal(record.Tasks, &tasks))
		assert.Equal(t, []string{subTasks[0].UUID, subTasks[1].UUID}, tasks)
	})

	t.Run("加载整个图", func(t *testing.T) {
		loaded, err := env.engine.LoadProcess(ctx, root.UUID)
		require.NoError(t, err)
		assert.True(t, loaded.Equal(root))
		assert.NotSame(t, root, loaded)
		assert.Equal(t, "root", loaded.Name)
		assert.Equal(t, ProcessKindSequential, loaded.Kind())
		assert.Equal(t, StateInitial, loaded.CurrentState())
		assert.Same(t, definition, loaded.Definition())
		assert.Nil(t, loaded.Parent())
		owner, ok := loaded.Options.GetString("owner")
		assert.True(t, ok)
		assert.Equal(t, "tester", owner)

		tasks := loaded.Tasks().Slice()
		require.Len(t, tasks, 3)
		assert.Equal(t, first.UUID, tasks[0].UUID)
		assert.Equal(t, subTask.UUID, tasks[1].UUID)
		assert.Equal(t, last[0].UUID, tasks[2].UUID)
		for _, task := range tasks {
			assert.Same(t, loaded, task.Process())
		}

		// 数字参数经过 json 之后是 float64
		assert.Equal(t, "ok", tasks[0].Method())
		assert.Equal(t, []any{float64(1), "a"}, tasks[0].Args())
		retry, ok := tasks[0].Options.GetBool("retry")
		assert.True(t, ok)
		assert.True(t, retry)

		loadedSub := tasks[1].SubProcess()
		require.NotNil(t, loadedSub)
		assert.Equal(t, sub.UUID, loadedSub.UUID)
		assert.Equal(t, CompleteOnFirst, loadedSub.CompleteOn())
		assert.Same(t, tasks[1], loadedSub.Parent())
		subSlice := loadedSub.Tasks().Slice()
		require.Len(t, subSlice, 2)
		assert.Equal(t, subTasks[0].UUID, subSlice[0].UUID)
		assert.Equal(t, subTasks[1].UUID, subSlice[1].UUID)
		assert.Same(t, loadedSub, subSlice[0].Process())
	})

	t.Run("从任务加载", func(t *testing.T) {
		task, err := env.engine.LoadTask(ctx, subTasks[1].UUID)
		require.NoError(t, err)
		assert.Equal(t, sub.UUID, task.Process().UUID)
		assert.Nil(t, task.Next())
		assert.Equal(t, root.UUID, rootProcess(task.Process()).UUID)
		assert.Equal(t, subTasks[0].UUID, task.Process().Tasks().Head().UUID)
	})

	t.Run("类型不对或者不存在", func(t *testing.T) {
		_, err := env.engine.LoadProcess(ctx, first.UUID)
		assert.ErrorIs(t, err, ErrEntityNotFound)
		_, err = env.engine.LoadTask(ctx, root.UUID)
		assert.ErrorIs(t, err, ErrEntityNotFound)
		_, err = env.engine.LoadProcess(ctx, "not-exist")
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("保存单个任务", func(t *testing.T) {
		require.NoError(t, last[0].Options.Set("note", "saved"))
		require.NoError(t, last[0].Save(ctx))
		task, err := env.engine.LoadTask(ctx, last[0].UUID)
		require.NoError(t, err)
		note, ok := task.Options.GetString("note")
		assert.True(t, ok)
		assert.Equal(t, "saved", note)
		count, err := env.engine.repo.CountEntities(ctx, &QueryEntityParams{RootUUID: String(root.UUID)})
		require.NoError(t, err)
		assert.Equal(t, int64(7), count)
	})

	t.Run("加载之后可以继续执行", func(t *testing.T) {
		loaded, err := env.engine.LoadProcess(ctx, root.UUID)
		require.NoError(t, err)
		require.NoError(t, loaded.Enqueue(ctx))
		require.NoError(t, env.worker.Drain(ctx))
		assert.Equal(t, StateCompleted, env.entityState(t, root.UUID))
		// first + 两个子任务(first 完成之后子进程也会等剩下的任务执行完) + last
		assert.Equal(t, int32(4), calls)
	})
}

func TestLoad_UnknownDefinition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	// 没有注册到注册表的定义
	p, err := env.engine.NewSequentialProcess("p", newTestDefinition("unregistered", nil))
	require.NoError(t, err)
	addStepTasks(t, p, "ok", 1)
	require.NoError(t, p.Save(ctx))

	loaded, err := env.engine.LoadProcess(ctx, p.UUID)
	require.NoError(t, err)
	assert.Nil(t, loaded.Definition())
	assert.Equal(t, "unregistered", loaded.DefinitionName())
	_, err = loaded.Executor(ctx, loaded.Tasks().Head())
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestSave_StaleGraph(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	var calls int32
	definition := env.registerTestDefinition(t, "stale_graph", &calls)
	p, err := env.engine.NewSequentialProcess("p", definition)
	require.NoError(t, err)
	tasks := addStepTasks(t, p, "ok", 2)
	require.NoError(t, p.Save(ctx))

	stale, err := env.engine.LoadProcess(ctx, p.UUID)
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(ctx))
	require.NoError(t, env.worker.Drain(ctx))
	require.Equal(t, StateCompleted, env.entityState(t, p.UUID))

	// 旧的图里面都是 initial, 保存之后状态不会回滚, 其他字段正常更新
	require.NoError(t, stale.Options.Set("note", "late"))
	require.NoError(t, stale.Save(ctx))
	assert.Equal(t, StateCompleted, env.entityState(t, p.UUID))
	for _, task := range tasks {
		assert.Equal(t, StateCompleted, env.entityState(t, task.UUID))
	}
	loaded, err := env.engine.LoadProcess(ctx, p.UUID)
	require.NoError(t, err)
	note, ok := loaded.Options.GetString("note")
	assert.True(t, ok)
	assert.Equal(t, "late", note)
	assert.Equal(t, int32(2), calls)
}
