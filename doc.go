// Package workflow 提供基于进程/任务的异步编排功能。
//
// 这是一个轻量级的 Go 任务编排引擎, 进程由有序的任务链表组成, 任务通过队列异步执行。
//
// 主要特性：
//   - 两种进程：顺序进程一次执行一个任务, 并发进程同时投递所有任务(first/last 两种完成策略)
//   - 两种任务：step 任务调用注册的方法, sub_process 任务委托给嵌套进程
//   - 显式状态机：initial/enqueued/processing/paused/cancelled/completed/failed
//   - 数据持久化：每个进程/任务一条记录, 支持 GORM(MySQL/PostgreSQL/SQLite) 和 Redis
//   - 并发安全：进程级别的可重入锁, 支持本地锁和分布式锁(Redis)
//   - 队列：内存队列和 Redis 队列, 至少一次投递
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//	    "encoding/json"
//
//	    "github.com/blingmoon/simple-taskflow/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("taskflow.db"), &gorm.Config{})
//	    workflow.AutoMigrate(db)
//
//	    // 2. 加载定义, 注册方法
//	    registry := workflow.NewDefinitionRegistry()
//	    configJSON := `{
//	        "id": "approval",
//	        "name": "审批流程",
//	        "tasks": [
//	            {"type": "task", "method": "submit"},
//	            {"type": "concurrent", "complete_on": "last", "tasks": [
//	                {"type": "task", "method": "review"},
//	                {"type": "task", "method": "notify"}
//	            ]},
//	            {"type": "task", "method": "approve"}
//	        ]
//	    }`
//	    config := &workflow.ProcessConfig{}
//	    json.Unmarshal([]byte(configJSON), config)
//	    registry.LoadProcessConfig(config)
//	    registry.RegisterTaskMethod("approval", "submit", func(ctx context.Context, task *workflow.Task, args []any) error {
//	        return nil
//	    })
//	    // review / notify / approve 同理
//
//	    // 3. 创建引擎
//	    engine, _ := workflow.NewEngine(
//	        workflow.NewProcessRepo(db),
//	        workflow.NewLocalWorkflowLock(),
//	        workflow.NewMemoryQueue(0),
//	        registry,
//	        workflow.DefaultEngineConfig(),
//	    )
//
//	    // 4. 创建进程并投递队列
//	    process, _ := engine.CreateProcess(context.Background(), &workflow.CreateProcessReq{
//	        DefinitionID: "approval",
//	        Args:         []any{"ORDER-001"},
//	        IsEnqueue:    true,
//	    })
//
//	    // 5. worker 消费队列
//	    worker := workflow.NewWorker(engine, nil)
//	    worker.Drain(context.Background())
//	    detail, _ := engine.QueryProcessDetail(context.Background(), process.UUID)
//	    _ = detail.State // completed
//	}
//
// 执行流程：
//
//   - 进程 Enqueue 时先保存整个任务图, 然后进程进入 enqueued 并投递队列
//   - worker 拿到进程 -> Start, 顺序进程投递第一个任务, 并发进程投递所有任务
//   - worker 拿到任务 -> Start, step 任务调用方法, 成功 complete, 失败 fail
//   - 任务完成之后在进程锁内通知所属进程, 顺序进程投递下一个任务, 否则判断进程是否可以完成
//   - 子进程完成之后通过 parent 任务通知外层进程
//
// 状态迁移都是对存储的 CAS 更新, 状态已经被其他 worker 修改时返回 ErrStateConflict, worker 会重新投递。
//
// 更多示例请参考 examples 目录
package workflow
