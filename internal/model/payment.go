package model

import (
	"time"
)

// PaymentAttempt 对应订单的一次 STK push，只按 id 引用订单，不做级联。
// ID 自增，升序即创建顺序，多笔尝试同时匹配一个回调时取最早的一笔。
type PaymentAttempt struct {
	ID        uint      `gorm:"primarykey;index:idx_attempt_match,priority:4" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID string `gorm:"size:36;not null;index" json:"order_id"`
	// Amount 创建后不可修改，等于订单 TotalAmount，是回调按金额匹配的依据。
	Amount int64         `gorm:"not null;index:idx_attempt_match,priority:3" json:"amount"`
	Method PaymentMethod `gorm:"size:32;not null;index:idx_attempt_match,priority:2" json:"method"`
	Status PaymentStatus `gorm:"size:16;not null;default:pending;index:idx_attempt_match,priority:1" json:"status"`

	PayerPhone string `gorm:"size:32" json:"payer_phone"`

	// Provider 侧关联信息：发起成功后写入 CheckoutRequestID，回调优先按它匹配。
	CheckoutRequestID *string `gorm:"size:128;uniqueIndex" json:"checkout_request_id,omitempty"`
	MerchantRequestID string  `gorm:"size:128" json:"merchant_request_id,omitempty"`

	ProviderReceiptID string `gorm:"size:64" json:"provider_receipt_id,omitempty"`
	ResultCode        *int   `json:"result_code,omitempty"`
	ResultDesc        string `gorm:"size:255" json:"result_desc,omitempty"`
	FailureReason     string `gorm:"size:255" json:"failure_reason,omitempty"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

// CallbackReceipt 记录已落地的 provider 回调，唯一键保证同一 CheckoutRequestID 只生效一次。
type CallbackReceipt struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CheckoutRequestID string `gorm:"size:128;uniqueIndex;not null" json:"checkout_request_id"`
	PaymentAttemptID  uint   `gorm:"not null;index" json:"payment_attempt_id"`
	ResultCode        int    `gorm:"not null" json:"result_code"`
	ProviderReceiptID string `gorm:"size:64" json:"provider_receipt_id,omitempty"`
	Payload           string `gorm:"type:text" json:"-"`
}

func (CallbackReceipt) TableName() string { return "callback_receipts" }

// PaymentEvent 是 Kafka 消费端落库的支付事件流水，EventID 唯一保证重复消息幂等。
type PaymentEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventID           string    `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	Type              string    `gorm:"size:64;not null;index" json:"type"`
	OrderID           string    `gorm:"size:36;not null;index" json:"order_id"`
	PaymentID         uint      `gorm:"not null" json:"payment_id"`
	Amount            int64     `gorm:"not null" json:"amount"`
	Currency          string    `gorm:"size:3" json:"currency"`
	CheckoutRequestID string    `gorm:"size:128" json:"checkout_request_id,omitempty"`
	ReceiptID         string    `gorm:"size:64" json:"receipt_id,omitempty"`
	Reason            string    `gorm:"size:255" json:"reason,omitempty"`
	OccurredAt        time.Time `gorm:"not null" json:"occurred_at"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

// All 返回需要 AutoMigrate 的全部模型。
func All() []any {
	return []any{&Order{}, &OrderItem{}, &PaymentAttempt{}, &CallbackReceipt{}, &PaymentEvent{}}
}
