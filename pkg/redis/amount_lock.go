package redis

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	rd "github.com/redis/go-redis/v9"
)

// AmountLocker 用 redislock 串行化同一金额回调的“匹配 + 迁移”，
// 缩小两个同金额回调同时挑中同一笔最早 pending 尝试的窗口。
type AmountLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

func NewAmountLocker(rdb *rd.Client) *AmountLocker {
	return &AmountLocker{
		client: redislock.New(rdb),
		ttl:    5 * time.Second,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	}
}

// Lock 获取锁，返回的 unlock 可以重复调用。
func (l *AmountLocker) Lock(ctx context.Context, amount int64) (func(), error) {
	lock, err := l.client.Obtain(ctx, CallbackLockKey(amount), l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = lock.Release(ctx)
	}, nil
}
