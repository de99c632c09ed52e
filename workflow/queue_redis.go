package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// redisQueue 一个 redis list, LPUSH 入队, BRPOP 出队
type redisQueue struct {
	client redis.Cmdable
	key    string
	// pollTimeout BRPOP 单次阻塞的时间, 超时之后重新检查 ctx
	pollTimeout time.Duration
}

func NewRedisQueue(client redis.Cmdable, prefix string) Queue {
	if prefix == "" {
		prefix = "taskflow:"
	}
	return &redisQueue{client: client, key: prefix + "queue", pollTimeout: time.Second}
}

func (q *redisQueue) Enqueue(ctx context.Context, item *QueueItem) error {
	if item == nil {
		return errors.New("nil QueueItem")
	}
	data, err := encodeQueueItem(item)
	if err != nil {
		return errors.WithMessage(err, "encodeQueueItem failed")
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return errors.WithMessagef(err, "LPush failed, uuid: %s", item.UUID)
	}
	return nil
}

func (q *redisQueue) Dequeue(ctx context.Context) (*QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// BRPop 返回 [key, value]
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// 读超时可能比 ctx 先到, 下一轮再检查 ctx
				continue
			}
			return nil, errors.WithMessage(err, "BRPop failed")
		}
		if len(res) != 2 {
			slog.ErrorContext(ctx, fmt.Sprintf("redisQueue: BRPop returned unexpected result: %#v", res))
			continue
		}
		return decodeQueueItem([]byte(res[1]))
	}
}

func (q *redisQueue) Len(ctx context.Context) int {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("redisQueue: Len failed: %v", err))
		return 0
	}
	return int(n)
}
