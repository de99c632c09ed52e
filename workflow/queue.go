package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// QueueItem 队列里面只放实体的种类和 uuid, worker 拿到之后从存储加载
type QueueItem struct {
	Kind       EntityKind `json:"kind"`
	UUID       string     `json:"uuid"`
	EnqueuedAt int64      `json:"enqueued_at"`
	// Attempts 因为锁冲突/状态冲突重新投递的次数
	Attempts int `json:"attempts"`
}

func newQueueItem(kind EntityKind, uuid string) *QueueItem {
	return &QueueItem{Kind: kind, UUID: uuid, EnqueuedAt: time.Now().Unix()}
}

func encodeQueueItem(item *QueueItem) ([]byte, error) {
	return json.Marshal(item)
}

func decodeQueueItem(data []byte) (*QueueItem, error) {
	item := &QueueItem{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, errors.WithMessage(err, "decodeQueueItem failed")
	}
	return item, nil
}

// Queue 异步执行的队列, 至少一次投递
type Queue interface {
	Enqueue(ctx context.Context, item *QueueItem) error
	// Dequeue 阻塞直到拿到一个元素或者 ctx 结束
	Dequeue(ctx context.Context) (*QueueItem, error)
	// Len 近似长度
	Len(ctx context.Context) int
}

// memoryQueue 带缓冲的 channel, 只能在单进程里面使用
type memoryQueue struct {
	ch chan *QueueItem
}

func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryQueue{ch: make(chan *QueueItem, capacity)}
}

func (q *memoryQueue) Enqueue(ctx context.Context, item *QueueItem) error {
	if item == nil {
		return errors.New("nil QueueItem")
	}
	cp := *item
	select {
	case q.ch <- &cp:
		return nil
	case <-ctx.Done():
		return errors.WithMessagef(ctx.Err(), "enqueue canceled, uuid: %s", item.UUID)
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (*QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memoryQueue) Len(_ context.Context) int {
	return len(q.ch)
}
