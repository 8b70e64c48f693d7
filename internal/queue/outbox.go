package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// StreamOutbox 把支付事件追加到 Redis Stream，由 Relay 异步转发到 Kafka。
// 业务侧只依赖 Redis，可用性不受 Kafka 抖动影响。
type StreamOutbox struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamOutbox(rdb *rd.Client, stream string) *StreamOutbox {
	return &StreamOutbox{rdb: rdb, stream: stream, maxLen: 100000}
}

// Publish XADD 一条事件。
func (o *StreamOutbox) Publish(ctx context.Context, ev PaymentEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err()
}

func streamValues(ev PaymentEvent) map[string]interface{} {
	return map[string]interface{}{
		"event_id":            ev.EventID,
		"type":                ev.Type,
		"order_id":            ev.OrderID,
		"payment_id":          strconv.FormatUint(uint64(ev.PaymentID), 10),
		"amount":              strconv.FormatInt(ev.Amount, 10),
		"currency":            ev.Currency,
		"checkout_request_id": ev.CheckoutRequestID,
		"receipt_id":          ev.ReceiptID,
		"reason":              ev.Reason,
		"occurred_at":         ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}
