package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaMarkOnce 通过 SETNX 保证同一个回调只被标记一次。
const luaMarkOnce = `
local key = KEYS[1]
local value = ARGV[1]
local ttlSec = tonumber(ARGV[2])

if redis.call('SETNX', key, value) == 1 then
  redis.call('EXPIRE', key, ttlSec)
  return 1
end
return 0
`

// 回调重试窗口远小于这个时间
const callbackMarkerTTL = 7 * 24 * time.Hour

// CallbackMarker 是回调去重的快速路径：已生效的 CheckoutRequestID 在 Redis 留痕，
// 重复投递无需访问数据库。权威判断仍以数据库 callback_receipts 为准。
type CallbackMarker struct {
	rdb *rd.Client
}

func NewCallbackMarker(rdb *rd.Client) *CallbackMarker {
	return &CallbackMarker{rdb: rdb}
}

// MarkApplied 首次标记返回 true，重复标记返回 false。
func (m *CallbackMarker) MarkApplied(ctx context.Context, checkoutRequestID, orderID string) (bool, error) {
	ttlSec := int64(callbackMarkerTTL / time.Second)
	n, err := m.rdb.Eval(ctx, luaMarkOnce, []string{CallbackAppliedKey(checkoutRequestID)}, orderID, ttlSec).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Applied 判断是否已标记。
func (m *CallbackMarker) Applied(ctx context.Context, checkoutRequestID string) (bool, error) {
	err := m.rdb.Get(ctx, CallbackAppliedKey(checkoutRequestID)).Err()
	if errors.Is(err, rd.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
