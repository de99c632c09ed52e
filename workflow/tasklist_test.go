package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskList(t *testing.T) {
	env := newTestEnv(t, nil)
	p, err := env.engine.NewSequentialProcess("list", newTestDefinition("list", nil))
	require.NoError(t, err)

	t.Run("空链表", func(t *testing.T) {
		l := NewTaskList()
		assert.True(t, l.Empty())
		assert.Nil(t, l.Head())
		assert.Equal(t, 0, l.Len())
		assert.Empty(t, l.Slice())
		assert.Equal(t, "[]", l.String())
	})

	t.Run("按照添加顺序遍历", func(t *testing.T) {
		l := NewTaskList()
		tasks := make([]*Task, 0)
		for _, name := range []string{"a", "b", "c"} {
			task, err := NewStepTask(name, p, "ok", nil)
			require.NoError(t, err)
			added, err := l.Add(task)
			require.NoError(t, err)
			assert.Same(t, task, added)
			tasks = append(tasks, task)
		}
		assert.False(t, l.Empty())
		assert.Same(t, tasks[0], l.Head())
		assert.Equal(t, 3, l.Len())
		assert.Equal(t, tasks, l.Slice())
		assert.Same(t, tasks[1], tasks[0].Next())
		assert.Same(t, tasks[2], tasks[1].Next())
		assert.Nil(t, tasks[2].Next())

		// 遍历可以重复, 也可以提前停止
		visited := 0
		l.Each(func(task *Task) bool {
			visited++
			return task != tasks[1]
		})
		assert.Equal(t, 2, visited)
		assert.Equal(t, tasks, l.Slice())

		s := l.String()
		for _, task := range tasks {
			assert.True(t, strings.Contains(s, task.UUID))
		}
	})

	t.Run("不能重复添加", func(t *testing.T) {
		l := NewTaskList()
		a, err := NewStepTask("a", p, "ok", nil)
		require.NoError(t, err)
		b, err := NewStepTask("b", p, "ok", nil)
		require.NoError(t, err)
		_, err = l.Add(a)
		require.NoError(t, err)
		_, err = l.Add(b)
		require.NoError(t, err)

		_, err = l.Add(a)
		assert.ErrorIs(t, err, ErrTaskAlreadyLinked)
		_, err = l.Add(b)
		assert.ErrorIs(t, err, ErrTaskAlreadyLinked)
		_, err = l.Add(nil)
		assert.Error(t, err)
		assert.Equal(t, 2, l.Len())
	})
}
