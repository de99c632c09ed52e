package workflow

import "github.com/pkg/errors"

var (
	ErrInvalidDefinition           = errors.New("invalid process definition")
	ErrDefinitionNotFound          = errors.New("process definition not found")
	ErrDefinitionAlreadyLoaded     = errors.New("process definition already loaded")
	ErrTaskMethodNotFound          = errors.New("task method not found")
	ErrTaskMethodAlreadyRegistered = errors.New("task method already registered")
	ErrIteratorNotFound            = errors.New("iterator not found")
	ErrProcessParamInvalid         = errors.New("process param invalid")
	ErrEntityNotFound              = errors.New("entity not found")
	// ErrStateConflict: 状态CAS失败，记录已经被其他worker修改过了
	ErrStateConflict = errors.New("entity state conflict")
	// ErrNotImplemented: 基类上调用了变体才有的钩子，属于集成错误
	ErrNotImplemented    = errors.New("not implemented")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrCompletionGuard: complete 的守卫条件不满足(任务没有执行成功/子任务没有全部完成)
	ErrCompletionGuard   = errors.New("completion guard rejected")
	ErrTaskAlreadyLinked = errors.New("task already linked into a task list")
	ErrUnknownQueueItem  = errors.New("unknown queue item kind")
	// ErrQueueUnavailable: 状态已经是 enqueued 但是没有推到队列里, 重新投递时补推
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// State 进程和任务共用的生命周期状态
type State = string

const (
	StateInitial    State = "initial"
	StateEnqueued   State = "enqueued"
	StateProcessing State = "processing"
	// 只有进程有 paused / cancelled, 任务通过所属进程观察
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
	// 终止状态, 作为执行记录永久保留在存储里
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func IsOverState(state State) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

func GetStateText(state State) string {
	switch state {
	case StateInitial:
		return "初始化"
	case StateEnqueued:
		return "排队中"
	case StateProcessing:
		return "运行中"
	case StatePaused:
		return "暂停"
	case StateCompleted:
		return "完成"
	case StateFailed:
		return "失败"
	case StateCancelled:
		return "取消"
	}
	return "未知"
}

// EntityKind 持久化记录的实体种类
type EntityKind = string

const (
	EntityKindProcess EntityKind = "process"
	EntityKindTask    EntityKind = "task"
)

// ProcessKind 进程变体
type ProcessKind = string

const (
	ProcessKindSequential ProcessKind = "sequential"
	ProcessKindConcurrent ProcessKind = "concurrent"
)

// TaskKind 任务变体
type TaskKind = string

const (
	TaskKindStep       TaskKind = "step"
	TaskKindSubProcess TaskKind = "sub_process"
)

// CompleteOn 并发进程的完成策略
type CompleteOn = string

const (
	CompleteOnFirst CompleteOn = "first"
	// 默认策略, 所有任务都完成才算完成
	CompleteOnLast CompleteOn = "last"
)

// IsSeriousError 用在 worker 中判断日志级别,
// 严重错误需要人工介入(配置不正确/定义找不到/数据缺失),
// 其余的错误(锁冲突,状态冲突)通常重试就可以恢复
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrInvalidDefinition) ||
		errors.Is(causeErr, ErrDefinitionNotFound) ||
		errors.Is(causeErr, ErrTaskMethodNotFound) ||
		errors.Is(causeErr, ErrIteratorNotFound) ||
		errors.Is(causeErr, ErrEntityNotFound) ||
		errors.Is(causeErr, ErrNotImplemented) ||
		errors.Is(causeErr, ErrUnknownQueueItem) {
		return true
	}
	return false
}

// IsRetryableError 锁没拿到, 状态被并发修改或者队列暂时不可用, 重新投递队列即可
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	return errors.Is(causeErr, LockFailedError) ||
		errors.Is(causeErr, LockFailedTimeOutError) ||
		errors.Is(causeErr, ErrStateConflict) ||
		errors.Is(causeErr, ErrQueueUnavailable)
}
