package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// dequeueErrorBackoff 队列报错之后等待一会再拉取, 避免空转
const dequeueErrorBackoff = time.Second

// Worker 从队列拉取进程/任务并执行
type Worker struct {
	engine *Engine
	queue  Queue
}

func NewWorker(engine *Engine, queue Queue) *Worker {
	if queue == nil {
		queue = engine.queue
	}
	return &Worker{engine: engine, queue: queue}
}

// ProcessOne 拉取并处理一个元素.
//   - processed == false: 没有拿到元素(ctx 结束或者队列错误)
//   - processed == true: 处理了一个元素, err 表示处理是否成功
//
// 锁冲突/状态冲突这类错误会重新投递, 最多 MaxQueueAttempts 次
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	item, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	err = w.handle(ctx, item)
	if err == nil {
		return true, nil
	}
	if IsRetryableError(err) && item.Attempts < w.engine.cfg.MaxQueueAttempts {
		item.Attempts++
		slog.WarnContext(ctx, fmt.Sprintf("[warn]queue item retry, %s: %s, attempts: %d, err: %v", item.Kind, item.UUID, item.Attempts, err))
		if enqueueErr := w.queue.Enqueue(ctx, item); enqueueErr != nil {
			return true, errors.WithMessagef(enqueueErr, "re-enqueue failed, %s: %s, cause: %v", item.Kind, item.UUID, err)
		}
		return true, nil
	}
	return true, errors.WithMessagef(err, "[Worker.ProcessOne] %s: %s", item.Kind, item.UUID)
}

func (w *Worker) handle(ctx context.Context, item *QueueItem) error {
	switch item.Kind {
	case EntityKindProcess:
		return w.engine.StartProcess(ctx, item.UUID)
	case EntityKindTask:
		return w.engine.StartTask(ctx, item.UUID)
	}
	return errors.WithMessagef(ErrUnknownQueueItem, "kind: %s, uuid: %s", item.Kind, item.UUID)
}

// Run 启动 concurrency 个 goroutine 消费队列, 直到 ctx 结束
func (w *Worker) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx)
		if err == nil {
			continue
		}
		if !processed {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, fmt.Sprintf("dequeue failed, err: %v", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}
		if IsSeriousError(err) {
			slog.ErrorContext(ctx, fmt.Sprintf("[error]queue item failed, err: %v", err))
		} else {
			slog.WarnContext(ctx, fmt.Sprintf("[warn]queue item failed, err: %v", err))
		}
	}
}

// Drain 处理队列直到为空, 测试和单进程的场景使用
func (w *Worker) Drain(ctx context.Context) error {
	for w.queue.Len(ctx) > 0 {
		if _, err := w.ProcessOne(ctx); err != nil {
			return err
		}
	}
	return nil
}
