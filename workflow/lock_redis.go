package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if holdingLock(ctx, key) {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := getRandomLockValue()
	isLock, err := d.tryLock(ctx, key, value, maxLockTimeDuration)
	if err != nil {
		return err
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisWorkflowLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	defer d.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisWorkflowLock) BlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, maxWaitDuration time.Duration, f func(context.Context) error) error {
	if holdingLock(ctx, key) {
		return f(ctx)
	}
	value := getRandomLockValue()
	err := waitForLock(ctx, key, maxWaitDuration, func() (bool, error) {
		return d.tryLock(ctx, key, value, maxLockTimeDuration)
	})
	if err != nil {
		return errors.WithMessage(err, "[redisWorkflowLock.BlockingSynchronized]")
	}
	defer d.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisWorkflowLock) tryLock(ctx context.Context, key string, value string, maxLockTimeDuration time.Duration) (bool, error) {
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false, errors.WithMessagef(ctx.Err(), "[redisWorkflowLock.tryLock] key: %s", key)
		}
		return false, errors.WithMessagef(LockFailedError, "[redisWorkflowLock.tryLock] key: %s, err:%v", key, err)
	}
	return isLock, nil
}

func (d *redisWorkflowLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Result()
	if err != nil {
		slog.Error(fmt.Sprintf("[redisWorkflowLock.releaseKey] release key failed, key: %s, err:%v", key, err))
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok {
		slog.Error(fmt.Sprintf("[redisWorkflowLock.releaseKey] reply is not int64, reply:%v", replyInterface))
		return
	}
	if reply != 1 {
		// 锁已经过期或者被别人持有了
		slog.Warn(fmt.Sprintf("[redisWorkflowLock.releaseKey] reply is not 1, key: %s, reply:%v", key, reply))
	}
}
