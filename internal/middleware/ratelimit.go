package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hotel_checkout/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳，ARGV[2]=窗口开始时间戳，ARGV[3]=窗口秒数
// 返回：当前窗口内的请求数（如果 >= limit 则返回 -1 表示限流）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

-- 统计当前窗口内的请求数
local count = redis.call('ZCARD', key)

-- 添加当前请求（如果还没超限）
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// 号码只取末尾 9 位，07xx / 2547xx / +254 7xx 等写法落到同一个窗口
const phoneKeyDigits = 9

// CheckoutRateLimit 下单接口的 Redis 分布式限流：优先按手机号，其次按登录用户，最后按 IP。
// 手机号限流同时保护用户不被别人反复推送 STK 弹窗。
func CheckoutRateLimit(rdb *rd.Client, limit int, window time.Duration, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string
		if phone := extractPhone(c); phone != "" {
			key = redis.RateLimitKey("phone", phone)
		} else if uid := CallerID(c); uid != "" {
			key = redis.RateLimitKey("user", uid)
		} else {
			key = redis.RateLimitKey("ip", c.ClientIP())
		}

		now := time.Now().Unix()
		windowSec := int64(window.Seconds())
		if windowSec <= 0 {
			windowSec = 1
		}
		windowStart := now - windowSec
		member := fmt.Sprintf("%d-%d", now, time.Now().UnixNano())

		// Lua 原子操作：删除旧记录 + 统计 + 添加 + 设置过期
		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now, windowStart, windowSec, member, limit).Int()

		if err != nil {
			// Redis 出错时放行（降级策略）
			logger.WithError(err).Warn("rate limit check failed, allowing request")
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "too many checkout attempts, please retry later",
			})
			return
		}
		c.Next()
	}
}

// extractPhone 从请求 body 中解析 customer.phone（不消耗 body，可重复读）
func extractPhone(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}

	// 重置 body，让后续 handler 能继续读
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var req struct {
		Customer struct {
			Phone string `json:"phone"`
		} `json:"customer"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return ""
	}
	return phoneKey(req.Customer.Phone)
}

func phoneKey(raw string) string {
	digits := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			digits = append(digits, raw[i])
		}
	}
	if len(digits) < phoneKeyDigits {
		return ""
	}
	return string(digits[len(digits)-phoneKeyDigits:])
}
