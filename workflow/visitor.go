package workflow

// Visitor 持久化协议, 进程和任务通过 Accept 按固定顺序回调 visitor 描述自己的结构.
// 所有值都以指针传递, 同一套回调既可以用来序列化(读取指针), 也可以用来反序列化(写入指针).
type Visitor interface {
	// VisitType 声明重建实例需要的定义绑定
	VisitType(name string, value *string)
	// VisitAttribute 标量字段
	VisitAttribute(name string, value *string)
	// VisitArgs 参数列表/选项字段, value 是指向可以 json 编解码的值的指针
	VisitArgs(name string, value any)
	// VisitTaskReference 对其他任务的引用, 只保存 uuid
	VisitTaskReference(name string, ref **Task)
	// VisitProcessReference 对其他进程的引用, 只保存 uuid
	VisitProcessReference(name string, ref **Process)
	// VisitTasks 进程拥有的任务链表, 需要递归访问每个任务
	VisitTasks(tasks *TaskList)
	// VisitProcess 拥有的嵌套进程, 需要递归访问
	VisitProcess(name string, ref **Process)
}

type Visitable interface {
	Accept(visitor Visitor)
}

var (
	_ Visitable = (*Process)(nil)
	_ Visitable = (*Task)(nil)
)
