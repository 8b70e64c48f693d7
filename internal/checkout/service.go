package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hotel_checkout/internal/config"
	"hotel_checkout/internal/model"
	"hotel_checkout/internal/mpesa"
	"hotel_checkout/internal/pricing"
	"hotel_checkout/internal/queue"
	"hotel_checkout/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const moduleName = "checkout"

// Gateway 发起 STK push，生产环境为 *mpesa.Client。
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error)
	// Prefix 是号码规范化使用的国家区号
	Prefix() string
}

// Publisher 投递支付事件，生产环境为 *queue.StreamOutbox。
type Publisher interface {
	Publish(ctx context.Context, ev queue.PaymentEvent) error
}

// Caller 是下单人身份；UserID 为空表示访客。
type Caller struct {
	UserID string
}

func (c Caller) Authenticated() bool { return c.UserID != "" }

// Result 是下单受理结果。订单与支付都还是 pending，最终状态由回调决定。
type Result struct {
	OrderID           string              `json:"order_id"`
	GuestToken        string              `json:"guest_token,omitempty"`
	PaymentStatus     model.PaymentStatus `json:"payment_status"`
	TotalAmount       int64               `json:"total_amount"`
	Currency          string              `json:"currency"`
	CheckoutRequestID string              `json:"checkout_request_id,omitempty"`
	CustomerMessage   string              `json:"customer_message,omitempty"`
}

type Option func(*Service)

// WithTokenSource 替换访客令牌的随机源。
func WithTokenSource(fn func() (uuid.UUID, error)) Option {
	return func(s *Service) { s.newToken = fn }
}

type Service struct {
	orders   *store.OrderStore
	payments *store.PaymentStore
	gateway  Gateway
	events   Publisher

	rates    pricing.Rates
	currency string

	validate *validator.Validate
	logger   logrus.FieldLogger
	tracer   trace.Tracer
	newToken func() (uuid.UUID, error)
}

func NewService(orders *store.OrderStore, payments *store.PaymentStore, gateway Gateway, events Publisher,
	pc config.PricingConfig, logger logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		orders:   orders,
		payments: payments,
		gateway:  gateway,
		events:   events,
		rates:    pricing.Rates{ServiceCharge: pc.ServiceChargeRate, VAT: pc.VATRate},
		currency: strings.ToUpper(pc.Currency),
		validate: newValidator(),
		logger:   logger.WithField("module", moduleName),
		tracer:   otel.Tracer("hotel_checkout/checkout"),
		newToken: uuid.NewRandom,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Checkout 校验下单意图、落库订单与支付尝试，然后同步发起 STK push。
// 支付结果异步到达，这里只负责把两者都置为 pending 并立即返回。
func (s *Service) Checkout(ctx context.Context, caller Caller, intent model.OrderIntent) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout")
	defer span.End()

	res, err := s.checkout(ctx, caller, intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("order.id", res.OrderID), attribute.Int64("order.total", res.TotalAmount))
	return res, err
}

func (s *Service) checkout(ctx context.Context, caller Caller, intent model.OrderIntent) (Result, error) {
	intent.Normalize()
	if err := validateIntent(s.validate, &intent); err != nil {
		return Result{}, err
	}
	if intent.PaymentMethod != model.MethodMobileMoney {
		return Result{}, &ValidationError{Field: "payment_method", Message: fmt.Sprintf("%s is not supported", intent.PaymentMethod)}
	}
	if s.currency != "" && intent.Currency != s.currency {
		return Result{}, &ValidationError{Field: "currency", Message: fmt.Sprintf("must be %s for mobile_money", s.currency)}
	}
	phone, err := mpesa.NormalizePhone(intent.Customer.Phone, s.gateway.Prefix())
	if err != nil {
		return Result{}, &ValidationError{Field: "customer.phone", Message: "is not a valid mobile number", cause: err}
	}

	var guestToken string
	if !caller.Authenticated() {
		tok, err := s.newToken()
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
		}
		guestToken = tok.String()
	}

	fee := intent.Fulfillment.DeliveryFee
	if intent.Fulfillment.Mode != model.DeliveryDelivery {
		fee = 0
	}
	lines := make([]pricing.Line, len(intent.LineItems))
	for i, li := range intent.LineItems {
		lines[i] = pricing.Line{UnitPrice: li.UnitPrice, Quantity: li.Quantity}
	}
	quote, err := pricing.Quote(lines, fee, s.rates)
	if err != nil {
		return Result{}, &ValidationError{Field: "line_items", Message: err.Error()}
	}

	order := buildOrder(intent, phone, quote, caller, guestToken)
	attempt := &model.PaymentAttempt{
		Method:     model.MethodMobileMoney,
		PayerPhone: phone,
	}
	if err := s.payments.CreateOrderWithAttempt(ctx, order, attempt); err != nil {
		return Result{}, fmt.Errorf("create order: %w", err)
	}

	res := Result{
		OrderID:       order.ID,
		GuestToken:    guestToken,
		PaymentStatus: model.PaymentPending,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
	}

	ref := accountReference(order.ID)
	push, err := s.gateway.STKPush(ctx, mpesa.PushRequest{
		Phone:       phone,
		Amount:      attempt.Amount,
		Reference:   ref,
		Description: "Hotel booking " + ref,
	})
	if err != nil {
		if serr := s.failInitiation(ctx, order, attempt, err); serr == nil {
			res.PaymentStatus = model.PaymentFailed
		}
		return res, fmt.Errorf("%w: %w", ErrPaymentInitiation, err)
	}

	if err := s.payments.AttachCheckoutRequest(ctx, attempt.ID, push.CheckoutRequestID, push.MerchantRequestID); err != nil {
		// 关联 id 没记下时回调仍可按金额匹配到这笔尝试
		config.LogError(s.logger, moduleName, "Checkout", "attach checkout request", logrus.Fields{
			"order_id": order.ID, "checkout_request_id": push.CheckoutRequestID,
		}, err)
	}

	ev := queue.NewPaymentEvent(queue.EventPaymentInitiated, order.ID, attempt.ID, attempt.Amount, order.Currency)
	ev.CheckoutRequestID = push.CheckoutRequestID
	s.publish(ctx, ev)

	s.logger.WithFields(logrus.Fields{
		"order_id":            order.ID,
		"payment_id":          attempt.ID,
		"amount":              attempt.Amount,
		"checkout_request_id": push.CheckoutRequestID,
		"guest":               !caller.Authenticated(),
	}).Info("checkout accepted")

	res.CheckoutRequestID = push.CheckoutRequestID
	res.CustomerMessage = push.CustomerMessage
	return res, nil
}

// failInitiation 把订单和支付尝试一起置为 failed，网关错误原文记在 failure_reason。
// 网络超时往往伴随请求 ctx 已取消，落库不跟随它取消。
// 返回非 nil 时两行仍是 pending，结果里的状态也保持 pending。
func (s *Service) failInitiation(ctx context.Context, order *model.Order, attempt *model.PaymentAttempt, cause error) error {
	ctx = context.WithoutCancel(ctx)
	reason := truncate(cause.Error(), 255)
	err := s.payments.Settle(ctx, store.Settlement{
		AttemptID:     attempt.ID,
		OrderID:       order.ID,
		Status:        model.PaymentFailed,
		FailureReason: reason,
	})
	if err != nil {
		config.LogError(s.logger, moduleName, "Checkout", "settle failed initiation", logrus.Fields{
			"order_id": order.ID, "payment_id": attempt.ID,
		}, err)
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"payment_id": attempt.ID,
		"network":    errors.Is(cause, mpesa.ErrNetwork),
	}).WithError(cause).Warn("payment initiation failed")

	ev := queue.NewPaymentEvent(queue.EventInitiationFailed, order.ID, attempt.ID, attempt.Amount, order.Currency)
	ev.Reason = reason
	s.publish(ctx, ev)
	return nil
}

// publish 在状态提交之后投递事件；投递失败只记日志，不影响已提交的状态。
func (s *Service) publish(ctx context.Context, ev queue.PaymentEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		config.LogError(s.logger, moduleName, "publish", "publish payment event", logrus.Fields{
			"event_type": ev.Type, "order_id": ev.OrderID,
		}, err)
	}
}

func buildOrder(in model.OrderIntent, phone string, q pricing.Breakdown, caller Caller, guestToken string) *model.Order {
	order := &model.Order{
		ID:            uuid.NewString(),
		CustomerName:  in.Customer.Name,
		CustomerEmail: in.Customer.Email,
		CustomerPhone: phone,
		Subtotal:      q.Subtotal,
		ServiceCharge: q.ServiceCharge,
		VAT:           q.VAT,
		DeliveryFee:   q.DeliveryFee,
		TotalAmount:   q.Total,
		Currency:      in.Currency,
		PaymentMethod: in.PaymentMethod,
		PaymentStatus: model.PaymentPending,
		DeliveryType:  in.Fulfillment.Mode,
		OrderType:     model.OrderTypeHotelBooking,
	}
	if in.Fulfillment.Mode == model.DeliveryDelivery {
		addr := in.Fulfillment.Address
		order.DeliveryAddress = &addr
	}
	if in.SpecialInstructions != "" {
		note := in.SpecialInstructions
		order.SpecialInstructions = &note
	}
	if caller.Authenticated() {
		uid := caller.UserID
		order.UserID = &uid
	} else {
		tok := guestToken
		order.GuestAccessToken = &tok
	}

	order.Items = make([]model.OrderItem, len(in.LineItems))
	for i, li := range in.LineItems {
		order.Items[i] = model.OrderItem{
			Name:        li.Name,
			Description: li.Description,
			Kind:        li.Kind,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			TotalPrice:  li.UnitPrice * int64(li.Quantity),
		}
	}
	return order
}

// accountReference 是用户手机上看到的付款备注，最长 12 个字符。
func accountReference(orderID string) string {
	return "HB" + strings.ToUpper(strings.ReplaceAll(orderID, "-", "")[:8])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
