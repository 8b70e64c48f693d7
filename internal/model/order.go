package model

import (
	"time"
)

// PaymentStatus 是订单与支付尝试共用的状态机：pending -> paid / failed，终态不可再迁移。
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Terminal 表示是否已处于终态。
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

// PaymentMethod 支付渠道。
type PaymentMethod string

const (
	MethodMobileMoney PaymentMethod = "mobile_money"
	MethodCardGateway PaymentMethod = "card_gateway"
)

// DeliveryType 取餐/送达方式。
type DeliveryType string

const (
	DeliveryPickup   DeliveryType = "pickup"
	DeliveryDelivery DeliveryType = "delivery"
)

// ItemKind 区分客房与餐饮条目。
type ItemKind string

const (
	ItemRoom   ItemKind = "room"
	ItemDining ItemKind = "dining"
)

// OrderTypeHotelBooking 是目前唯一的订单类型。
const OrderTypeHotelBooking = "hotel_booking"

// Order 酒店预订/餐饮订单。创建后只允许支付状态迁移，不做删除（无软删除字段）。
type Order struct {
	ID        string    `gorm:"size:36;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CustomerName  string `gorm:"size:128;not null" json:"customer_name"`
	CustomerEmail string `gorm:"size:255;not null" json:"customer_email"`
	CustomerPhone string `gorm:"size:32;not null" json:"customer_phone"`

	// 金额均为最小货币单位
	Subtotal      int64  `gorm:"not null" json:"subtotal"`
	ServiceCharge int64  `gorm:"not null" json:"service_charge"`
	VAT           int64  `gorm:"column:vat;not null" json:"vat"`
	DeliveryFee   int64  `gorm:"not null;default:0" json:"delivery_fee"`
	TotalAmount   int64  `gorm:"not null;index" json:"total_amount"`
	Currency      string `gorm:"size:3;not null" json:"currency"`

	PaymentMethod PaymentMethod `gorm:"size:32;not null" json:"payment_method"`
	PaymentStatus PaymentStatus `gorm:"size:16;not null;default:pending;index" json:"payment_status"`

	DeliveryType        DeliveryType `gorm:"size:16;not null" json:"delivery_type"`
	DeliveryAddress     *string      `gorm:"size:512" json:"delivery_address,omitempty"`
	SpecialInstructions *string      `gorm:"size:1024" json:"special_instructions,omitempty"`
	OrderType           string       `gorm:"size:32;not null" json:"order_type"`

	// UserID 与 GuestAccessToken 二选一：登录用户下单记录 UserID，访客下单签发不可猜测的令牌。
	UserID           *string `gorm:"size:64;index" json:"user_id,omitempty"`
	GuestAccessToken *string `gorm:"size:64;uniqueIndex" json:"-"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

func (Order) TableName() string { return "orders" }

// OrderItem 订单行。
type OrderItem struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	OrderID     string    `gorm:"size:36;not null;index" json:"order_id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"size:1024" json:"description,omitempty"`
	Kind        ItemKind  `gorm:"size:16;not null" json:"kind"`
	Quantity    int       `gorm:"not null" json:"quantity"`
	UnitPrice   int64     `gorm:"not null" json:"unit_price"`
	TotalPrice  int64     `gorm:"not null" json:"total_price"`
}

func (OrderItem) TableName() string { return "order_items" }
