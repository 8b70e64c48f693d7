package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaDeleteIfMatch 仅当值仍是调用方手里那个 token 时才删除，
// 避免把其它实例刚刷新的新 token 误删。
const luaDeleteIfMatch = `
local key = KEYS[1]
local token = ARGV[1]
if redis.call('GET', key) == token then
  return redis.call('DEL', key)
end
return 0
`

// TokenCache 在 Redis 中共享 Daraja access token。
type TokenCache struct {
	rdb *rd.Client
	key string
}

func NewTokenCache(rdb *rd.Client, shortCode string) *TokenCache {
	return &TokenCache{rdb: rdb, key: MpesaTokenKey(shortCode)}
}

// Get 返回 token 与剩余 TTL；不存在时返回空串。
func (c *TokenCache) Get(ctx context.Context) (string, time.Duration, error) {
	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, c.key)
	ttlCmd := pipe.PTTL(ctx, c.key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, rd.Nil) {
		return "", 0, err
	}
	tok, err := getCmd.Result()
	if errors.Is(err, rd.Nil) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		// 未设置过期时间的 token 不可信
		return "", 0, nil
	}
	return tok, ttl, nil
}

func (c *TokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.key, token, ttl).Err()
}

// Del 安全作废 token。
func (c *TokenCache) Del(ctx context.Context, token string) error {
	return c.rdb.Eval(ctx, luaDeleteIfMatch, []string{c.key}, token).Err()
}
