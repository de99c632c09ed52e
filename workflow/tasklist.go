package workflow

import (
	"strings"

	"github.com/pkg/errors"
)

// TaskList 单向链表, 每个任务通过 next 引用下一个任务
// 顺序进程只依赖 next 指针推进, 不需要额外的下标
type TaskList struct {
	head *Task
	tail *Task // 只是 Add 的优化, 不影响外部行为
	size int
}

func NewTaskList() *TaskList {
	return &TaskList{}
}

// Add 添加到链表尾部, 返回添加的任务
func (l *TaskList) Add(task *Task) (*Task, error) {
	if task == nil {
		return nil, errors.New("nil task")
	}
	// 已经挂在链表上的任务不能重复添加, 否则会出现环
	if task.next != nil || task == l.tail || l.contains(task) {
		return nil, errors.WithMessagef(ErrTaskAlreadyLinked, "task: %s", task.UUID)
	}
	if l.head == nil {
		l.head = task
	} else {
		l.tail.next = task
	}
	l.tail = task
	l.size++
	return task, nil
}

func (l *TaskList) contains(task *Task) bool {
	found := false
	l.Each(func(t *Task) bool {
		if t == task {
			found = true
			return false
		}
		return true
	})
	return found
}

func (l *TaskList) Head() *Task {
	return l.head
}

func (l *TaskList) Empty() bool {
	return l.head == nil
}

func (l *TaskList) Len() int {
	return l.size
}

// Each 从 head 开始沿 next 遍历, f 返回 false 停止遍历
func (l *TaskList) Each(f func(task *Task) bool) {
	for current := l.head; current != nil; current = current.next {
		if !f(current) {
			return
		}
	}
}

func (l *TaskList) Slice() []*Task {
	ret := make([]*Task, 0, l.size)
	l.Each(func(t *Task) bool {
		ret = append(ret, t)
		return true
	})
	return ret
}

func (l *TaskList) String() string {
	items := make([]string, 0, l.size)
	l.Each(func(t *Task) bool {
		items = append(items, t.String())
		return true
	})
	return "[" + strings.Join(items, ", ") + "]"
}

// relink 反序列化时使用: 链表已经通过 next 引用还原, 只需要重新计算 tail 和 size
func (l *TaskList) relink(head *Task) {
	l.head = head
	l.tail = nil
	l.size = 0
	l.Each(func(t *Task) bool {
		l.tail = t
		l.size++
		return true
	})
}
