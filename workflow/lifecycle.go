package workflow

import "github.com/pkg/errors"

// Event 触发状态迁移的事件
type Event = string

const (
	EventEnqueue  Event = "enqueue"
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventCancel   Event = "cancel"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
)

type edge struct {
	from []State
	to   State
}

type edgeTable map[Event]edge

// 任务只有四个真实状态, paused/cancelled 通过所属进程观察
var taskEdges = edgeTable{
	// 子进程任务直接 start, 没有经过队列, 所以 initial 也可以 start
	EventEnqueue:  {from: []State{StateInitial}, to: StateEnqueued},
	EventStart:    {from: []State{StateInitial, StateEnqueued}, to: StateProcessing},
	EventComplete: {from: []State{StateProcessing}, to: StateCompleted},
	EventFail:     {from: []State{StateProcessing}, to: StateFailed},
}

var processEdges = edgeTable{
	EventEnqueue:  {from: []State{StateInitial}, to: StateEnqueued},
	EventStart:    {from: []State{StateInitial, StateEnqueued}, to: StateProcessing},
	EventPause:    {from: []State{StateProcessing}, to: StatePaused},
	EventResume:   {from: []State{StatePaused}, to: StateProcessing},
	EventCancel:   {from: []State{StateInitial, StateEnqueued, StateProcessing, StatePaused}, to: StateCancelled},
	EventComplete: {from: []State{StateProcessing}, to: StateCompleted},
	EventFail:     {from: []State{StateProcessing}, to: StateFailed},
}

// stateMachine 显式的有限状态机, 嵌入到 Process 和 Task 中
type stateMachine struct {
	current State
	edges   edgeTable
}

func newStateMachine(edges edgeTable) stateMachine {
	return stateMachine{current: StateInitial, edges: edges}
}

func (m *stateMachine) CurrentState() State {
	return m.current
}

// can 检查事件在当前状态下是否合法
func (m *stateMachine) can(event Event) bool {
	e, ok := m.edges[event]
	if !ok {
		return false
	}
	for _, s := range e.from {
		if s == m.current {
			return true
		}
	}
	return false
}

// transition 计算迁移结果但是不修改状态, 持久化成功之后再 commit
func (m *stateMachine) transition(event Event) (from State, to State, err error) {
	if !m.can(event) {
		return m.current, m.current, errors.WithMessagef(ErrInvalidTransition, "event: %s, state: %s", event, m.current)
	}
	return m.current, m.edges[event].to, nil
}

func (m *stateMachine) commit(to State) {
	m.current = to
}
