package redis

import "fmt"

// RateLimitKey 下单限流窗口键，kind 为 phone / user / ip。
func RateLimitKey(kind, id string) string {
	return fmt.Sprintf("hotel_checkout:rate_limit:checkout:%s:%s", kind, id)
}

// MpesaTokenKey 多实例共享的 Daraja access token。
func MpesaTokenKey(shortCode string) string {
	return fmt.Sprintf("hotel_checkout:mpesa:token:%s", shortCode)
}

// CallbackLockKey 同金额回调在匹配+迁移期间的互斥锁。
func CallbackLockKey(amount int64) string {
	return fmt.Sprintf("hotel_checkout:callback:lock:%d", amount)
}

// CallbackAppliedKey 标记某个 CheckoutRequestID 的回调已经生效。
func CallbackAppliedKey(checkoutRequestID string) string {
	return fmt.Sprintf("hotel_checkout:callback:applied:%s", checkoutRequestID)
}
