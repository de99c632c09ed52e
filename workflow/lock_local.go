package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		locks: make(map[string]*localLockInfo),
	}
}

// localWorkflowLock 单进程内使用, 所有 key 共用一个互斥量保护持有者表
type localWorkflowLock struct {
	mu    sync.Mutex
	locks map[string]*localLockInfo
}

type localLockInfo struct {
	value    string    // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time // 过期之后其他人可以直接抢占
}

// NonBlockingSynchronized 非阻塞同步执行
func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if holdingLock(ctx, key) {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	value := getRandomLockValue()
	if !l.tryLock(key, value, maxLockTimeDuration) {
		// 锁被占用，立即返回失败
		return errors.WithMessagef(LockFailedError, "[localWorkflowLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	defer l.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *localWorkflowLock) BlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, maxWaitDuration time.Duration, f func(context.Context) error) error {
	if holdingLock(ctx, key) {
		return f(ctx)
	}
	value := getRandomLockValue()
	err := waitForLock(ctx, key, maxWaitDuration, func() (bool, error) {
		return l.tryLock(key, value, maxLockTimeDuration), nil
	})
	if err != nil {
		return errors.WithMessage(err, "[localWorkflowLock.BlockingSynchronized]")
	}
	defer l.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *localWorkflowLock) tryLock(key string, value string, maxLockTimeDuration time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if info, ok := l.locks[key]; ok && now.Before(info.expireAt) {
		return false
	}
	l.locks[key] = &localLockInfo{value: value, expireAt: now.Add(maxLockTimeDuration)}
	return true
}

// releaseKey 释放锁
func (l *localWorkflowLock) releaseKey(key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.locks[key]
	if !ok {
		// 锁不存在，可能已经过期被别人抢占之后释放了
		return
	}
	// 验证是否是同一个持有者
	if info.value != value {
		slog.Warn(fmt.Sprintf("[localWorkflowLock.releaseKey] value mismatch, key: %s, expected: %s, got: %s", key, info.value, value))
		return
	}
	delete(l.locks, key)
}
