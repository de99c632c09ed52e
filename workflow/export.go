package workflow

import "context"

type ProcessService interface {
	/**
	 * @description: 根据定义创建进程, 整个任务图会先持久化
	 * @param ctx context.Context
	 * @param req *CreateProcessReq
	 *				  req.DefinitionID 为已经加载的定义ID
	 *				  req.Args 为进程参数, 没有声明 args 的 step 任务使用进程参数
	 *				  req.IsEnqueue 为是否立即投递队列
	 * @return *Process, error
	 */
	CreateProcess(ctx context.Context, req *CreateProcessReq) (*Process, error)
	/**
	 * @description: 加载进程, 会加载进程所在的整个图
	 * @param ctx context.Context
	 * @param uuid string
	 * @return *Process, error
	 */
	LoadProcess(ctx context.Context, uuid string) (*Process, error)
	LoadTask(ctx context.Context, uuid string) (*Task, error)
	/**
	 * @description: 启动进程, worker 消费队列时调用
	 *				 只有 enqueued 状态的进程会启动, 重复投递会被忽略
	 * @param ctx context.Context
	 * @param uuid string
	 * @return error
	 */
	StartProcess(ctx context.Context, uuid string) error
	/**
	 * @description: 执行任务, worker 消费队列时调用
	 *				 进程暂停时任务保留 enqueued 状态, 恢复进程时重新投递
	 *				 进程取消时任务不再执行
	 * @param ctx context.Context
	 * @param uuid string
	 * @return error
	 */
	StartTask(ctx context.Context, uuid string) error
	/**
	 * @description: 暂停进程, 已经在执行的任务不会被打断
	 *				 一个进程同时只会被一个goroutine修改, 获取进程锁超时返回错误
	 * @param ctx context.Context
	 * @param uuid string
	 * @return error
	 */
	PauseProcess(ctx context.Context, uuid string) error
	/**
	 * @description: 恢复进程, 重新投递暂停期间搁置的任务, 所有任务都完成了则直接完成进程
	 * @param ctx context.Context
	 * @param uuid string
	 * @return error
	 */
	ResumeProcess(ctx context.Context, uuid string) error
	/**
	 * @description: 取消进程, 已经结束的进程直接返回
	 * @param ctx context.Context
	 * @param uuid string
	 * @return error
	 */
	CancelProcess(ctx context.Context, uuid string) error
	/**
	 * @description: 查询进程记录
	 * @param ctx context.Context
	 * @param params *QueryEntityParams, Kind 会被覆盖为 process
	 * @return []*EntityRecordPo, error
	 */
	QueryProcesses(ctx context.Context, params *QueryEntityParams) ([]*EntityRecordPo, error)
	CountProcesses(ctx context.Context, params *QueryEntityParams) (int64, error)
	/**
	 * @description: 查询进程详情, 任务按照链表顺序返回, 子进程递归展开
	 * @param ctx context.Context
	 * @param uuid string
	 * @return *ProcessDetailEntity, error
	 */
	QueryProcessDetail(ctx context.Context, uuid string) (*ProcessDetailEntity, error)
}

var _ ProcessService = (*Engine)(nil)

type CreateProcessReq struct {
	DefinitionID string         `json:"definition_id" validate:"required"` // 定义ID
	Name         string         `json:"name"`                              // 进程名称, 为空时使用定义名称
	Args         []any          `json:"args"`                              // 进程参数
	Options      map[string]any `json:"options"`                           // 进程选项,可以为空
	IsEnqueue    bool           `json:"is_enqueue"`                        // 是否立即投递队列
}

type ProcessDetailEntity struct {
	UUID       string
	Name       string
	Definition string
	Kind       ProcessKind
	CompleteOn CompleteOn
	State      State
	StateText  string
	LastError  string
	Options    *JSONContext
	Tasks      []*TaskDetailEntity
}

type TaskDetailEntity struct {
	UUID       string
	Name       string
	Kind       TaskKind
	Method     string // 只有 step 任务有
	Args       []any
	State      State
	StateText  string
	LastError  string
	SubProcess *ProcessDetailEntity // 只有 sub_process 任务有
}
