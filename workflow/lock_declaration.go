package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

var (
	LockFailedError        = errors.New("lock failed")
	LockFailedTimeOutError = errors.New("wait time out")
)

type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回错误
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 分布式锁的的key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
	// BlockingSynchronized
	//  @Description:  1.阻塞同步块, 最多等待 maxWaitDuration, 超时返回 LockFailedTimeOutError
	//                 2.可以重入锁
	//  @param maxWaitDuration 等待锁的最长时间
	BlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, maxWaitDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

const (
	waitMaxTime         = 20 // 默认等待锁的秒数
	lockRetryMinBackoff = 5 * time.Millisecond
	lockRetryMaxBackoff = 200 * time.Millisecond
)

func holdingLock(ctx context.Context, key string) bool {
	_, ok := ctx.Value(lockKey(key)).(string)
	return ok
}

func getRandomLockValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

// waitForLock 反复尝试加锁直到成功, 超时或者 ctx 结束
func waitForLock(ctx context.Context, key string, maxWaitDuration time.Duration, tryLock func() (bool, error)) error {
	deadline := time.Now().Add(maxWaitDuration)
	backoff := lockRetryMinBackoff
	for {
		if ctx.Err() != nil {
			return errors.WithMessagef(ctx.Err(), "wait lock canceled, key: %s", key)
		}
		ok, err := tryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return errors.WithMessagef(LockFailedTimeOutError, "key: %s, wait: %s", key, maxWaitDuration)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WithMessagef(ctx.Err(), "wait lock canceled, key: %s", key)
		case <-timer.C:
		}
		backoff *= 2
		if backoff > lockRetryMaxBackoff {
			backoff = lockRetryMaxBackoff
		}
	}
}
