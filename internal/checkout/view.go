package checkout

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"hotel_checkout/internal/model"
	"hotel_checkout/internal/store"
)

// OrderView 是返回给下单人的订单视图，不包含访客令牌。
type OrderView struct {
	ID                  string              `json:"id"`
	OrderType           string              `json:"order_type"`
	CustomerName        string              `json:"customer_name"`
	CustomerEmail       string              `json:"customer_email"`
	CustomerPhone       string              `json:"customer_phone"`
	Items               []ItemView          `json:"items"`
	Subtotal            int64               `json:"subtotal"`
	ServiceCharge       int64               `json:"service_charge"`
	VAT                 int64               `json:"vat"`
	DeliveryFee         int64               `json:"delivery_fee"`
	TotalAmount         int64               `json:"total_amount"`
	Currency            string              `json:"currency"`
	PaymentMethod       model.PaymentMethod `json:"payment_method"`
	PaymentStatus       model.PaymentStatus `json:"payment_status"`
	DeliveryType        model.DeliveryType  `json:"delivery_type"`
	DeliveryAddress     string              `json:"delivery_address,omitempty"`
	SpecialInstructions string              `json:"special_instructions,omitempty"`
	Payment             *PaymentView        `json:"payment,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

type ItemView struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Kind        model.ItemKind `json:"kind"`
	Quantity    int            `json:"quantity"`
	UnitPrice   int64          `json:"unit_price"`
	TotalPrice  int64          `json:"total_price"`
}

// PaymentView 是最近一次支付尝试的摘要。
type PaymentView struct {
	Status        model.PaymentStatus `json:"status"`
	ReceiptID     string              `json:"receipt_id,omitempty"`
	ResultDesc    string              `json:"result_desc,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// GuestOrder 用访客令牌读取订单。令牌不匹配或属于其它订单都返回 ErrNotFound，
// 不区分两种情况。
func (s *Service) GuestOrder(ctx context.Context, orderID, token string) (*OrderView, error) {
	if orderID == "" || token == "" {
		return nil, ErrNotFound
	}
	order, err := s.orders.GetOrderByGuestToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(order.ID), []byte(orderID)) != 1 {
		return nil, ErrNotFound
	}
	return s.view(ctx, order)
}

// UserOrder 读取登录用户自己的订单。
func (s *Service) UserOrder(ctx context.Context, orderID, userID string) (*OrderView, error) {
	order, err := s.orders.GetOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, order)
}

func (s *Service) view(ctx context.Context, order *model.Order) (*OrderView, error) {
	v := &OrderView{
		ID:            order.ID,
		OrderType:     order.OrderType,
		CustomerName:  order.CustomerName,
		CustomerEmail: order.CustomerEmail,
		CustomerPhone: order.CustomerPhone,
		Items:         make([]ItemView, len(order.Items)),
		Subtotal:      order.Subtotal,
		ServiceCharge: order.ServiceCharge,
		VAT:           order.VAT,
		DeliveryFee:   order.DeliveryFee,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: order.PaymentStatus,
		DeliveryType:  order.DeliveryType,
		CreatedAt:     order.CreatedAt,
	}
	if order.DeliveryAddress != nil {
		v.DeliveryAddress = *order.DeliveryAddress
	}
	if order.SpecialInstructions != nil {
		v.SpecialInstructions = *order.SpecialInstructions
	}
	for i, it := range order.Items {
		v.Items[i] = ItemView{
			Name:        it.Name,
			Description: it.Description,
			Kind:        it.Kind,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
		}
	}

	attempt, err := s.payments.LatestAttemptForOrder(ctx, order.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		v.Payment = &PaymentView{
			Status:        attempt.Status,
			ReceiptID:     attempt.ProviderReceiptID,
			ResultDesc:    attempt.ResultDesc,
			FailureReason: attempt.FailureReason,
			UpdatedAt:     attempt.UpdatedAt,
		}
	}
	return v, nil
}
