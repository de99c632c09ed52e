// Package tests 是 simple-taskflow 的集成测试.
//
// 位于 internal/ 目录下, 外部项目无法导入.
//
// 测试内容:
//   - 使用 sqlite(gorm) 存储跑完整的进程, 包括 for_each, 嵌套的 sequential/concurrent 和 sub_process
//   - 使用 miniredis 作为 redis 存储, 锁和队列
//   - 多个 worker 并发消费同一个队列
//   - 暂停, 恢复, 取消和失败传播
//   - 进程 options 的存储和读取
//
// 运行测试:
//
//	go test ./internal/tests/...
//
// 查看覆盖率:
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/simple-taskflow/workflow ./internal/tests/...
//	go tool cover -html=coverage.out
package tests
