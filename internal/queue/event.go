package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 支付事件类型
const (
	EventPaymentInitiated = "payment.initiated"
	EventInitiationFailed = "payment.initiation_failed"
	EventPaymentPaid      = "payment.paid"
	EventPaymentFailed    = "payment.failed"
)

var knownEventTypes = map[string]bool{
	EventPaymentInitiated: true,
	EventInitiationFailed: true,
	EventPaymentPaid:      true,
	EventPaymentFailed:    true,
}

// PaymentEvent 是写入 Redis Stream、再由 Relay 转发到 Kafka 的支付事件。
type PaymentEvent struct {
	EventID           string    `json:"event_id"`
	Type              string    `json:"type"`
	OrderID           string    `json:"order_id"`
	PaymentID         uint      `json:"payment_id"`
	Amount            int64     `json:"amount"` // 最小货币单位
	Currency          string    `json:"currency"`
	CheckoutRequestID string    `json:"checkout_request_id,omitempty"`
	ReceiptID         string    `json:"receipt_id,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewPaymentEvent 生成带唯一 event_id 的事件，消费端按 event_id 去重。
func NewPaymentEvent(eventType, orderID string, paymentID uint, amount int64, currency string) PaymentEvent {
	return PaymentEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		OrderID:    orderID,
		PaymentID:  paymentID,
		Amount:     amount,
		Currency:   currency,
		OccurredAt: time.Now().UTC(),
	}
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (e PaymentEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if !knownEventTypes[e.Type] {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if e.PaymentID == 0 {
		return fmt.Errorf("payment_id is required")
	}
	if e.Amount < 0 {
		return fmt.Errorf("amount must be >= 0")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}
