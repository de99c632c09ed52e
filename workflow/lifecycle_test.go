package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine_TaskEdges(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		event Event
		to    State
		ok    bool
	}{
		{"投递", StateInitial, EventEnqueue, StateEnqueued, true},
		{"从队列启动", StateEnqueued, EventStart, StateProcessing, true},
		{"子进程任务直接启动", StateInitial, EventStart, StateProcessing, true},
		{"完成", StateProcessing, EventComplete, StateCompleted, true},
		{"失败", StateProcessing, EventFail, StateFailed, true},
		{"重复投递", StateEnqueued, EventEnqueue, StateEnqueued, false},
		{"没有启动就完成", StateEnqueued, EventComplete, StateEnqueued, false},
		{"完成之后失败", StateCompleted, EventFail, StateCompleted, false},
		{"任务没有暂停", StateProcessing, EventPause, StateProcessing, false},
		{"任务没有取消", StateEnqueued, EventCancel, StateEnqueued, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := stateMachine{current: tt.from, edges: taskEdges}
			from, to, err := m.transition(tt.event)
			assert.Equal(t, tt.from, from)
			assert.Equal(t, tt.to, to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
			// transition 不修改状态
			assert.Equal(t, tt.from, m.CurrentState())
		})
	}
}

func TestStateMachine_ProcessEdges(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		event Event
		to    State
		ok    bool
	}{
		{"投递", StateInitial, EventEnqueue, StateEnqueued, true},
		{"启动", StateEnqueued, EventStart, StateProcessing, true},
		{"子进程直接启动", StateInitial, EventStart, StateProcessing, true},
		{"暂停", StateProcessing, EventPause, StatePaused, true},
		{"恢复", StatePaused, EventResume, StateProcessing, true},
		{"初始化取消", StateInitial, EventCancel, StateCancelled, true},
		{"排队取消", StateEnqueued, EventCancel, StateCancelled, true},
		{"运行中取消", StateProcessing, EventCancel, StateCancelled, true},
		{"暂停中取消", StatePaused, EventCancel, StateCancelled, true},
		{"完成", StateProcessing, EventComplete, StateCompleted, true},
		{"失败", StateProcessing, EventFail, StateFailed, true},
		{"暂停中完成", StatePaused, EventComplete, StatePaused, false},
		{"没有暂停就恢复", StateProcessing, EventResume, StateProcessing, false},
		{"完成之后取消", StateCompleted, EventCancel, StateCompleted, false},
		{"取消之后启动", StateCancelled, EventStart, StateCancelled, false},
		{"失败之后暂停", StateFailed, EventPause, StateFailed, false},
		{"未知事件", StateProcessing, Event("unknown"), StateProcessing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := stateMachine{current: tt.from, edges: processEdges}
			_, to, err := m.transition(tt.event)
			assert.Equal(t, tt.to, to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStateMachine_Commit(t *testing.T) {
	m := newStateMachine(processEdges)
	assert.Equal(t, StateInitial, m.CurrentState())
	_, to, err := m.transition(EventEnqueue)
	assert.NoError(t, err)
	m.commit(to)
	assert.Equal(t, StateEnqueued, m.CurrentState())
}

func TestIsOverState(t *testing.T) {
	assert.True(t, IsOverState(StateCompleted))
	assert.True(t, IsOverState(StateFailed))
	assert.True(t, IsOverState(StateCancelled))
	assert.False(t, IsOverState(StatePaused))
	assert.False(t, IsOverState(StateProcessing))
	assert.Equal(t, "完成", GetStateText(StateCompleted))
	assert.Equal(t, "未知", GetStateText("bogus"))
}
