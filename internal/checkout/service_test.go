package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"hotel_checkout/internal/config"
	"hotel_checkout/internal/model"
	"hotel_checkout/internal/mpesa"
	"hotel_checkout/internal/queue"
	"hotel_checkout/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []mpesa.PushRequest
	err   error
	seq   int
	// onPush 在返回前调用，用来模拟推送期间请求被取消
	onPush func()
}

func (g *fakeGateway) Prefix() string { return "254" }

func (g *fakeGateway) STKPush(_ context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.onPush != nil {
		g.onPush()
	}
	if g.err != nil {
		return nil, g.err
	}
	g.seq++
	return &mpesa.PushResult{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.seq),
		MerchantRequestID: fmt.Sprintf("mr_%d", g.seq),
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.PaymentEvent
}

func (p *fakePublisher) Publish(_ context.Context, ev queue.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type harness struct {
	db       *gorm.DB
	orders   *store.OrderStore
	payments *store.PaymentStore
	gateway  *fakeGateway
	events   *fakePublisher
	svc      *Service
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db, err := store.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)

	h := &harness{
		db:       db,
		orders:   store.NewOrderStore(db),
		payments: store.NewPaymentStore(db),
		gateway:  &fakeGateway{},
		events:   &fakePublisher{},
	}
	logger, _ := test.NewNullLogger()
	pc := config.PricingConfig{
		ServiceChargeRate: decimal.RequireFromString("0.10"),
		VATRate:           decimal.RequireFromString("0.16"),
		DeliveryFee:       500,
		Currency:          "KES",
	}
	h.svc = NewService(h.orders, h.payments, h.gateway, h.events, pc, logger, opts...)
	return h
}

func (h *harness) count(t *testing.T, m any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(m).Count(&n).Error)
	return n
}

func roomIntent() model.OrderIntent {
	return model.OrderIntent{
		Customer: model.Customer{Name: " Jane Doe ", Email: "jane@example.com", Phone: "0712345678"},
		Fulfillment: model.Fulfillment{
			Mode: model.DeliveryPickup,
		},
		LineItems: []model.LineItem{
			{Name: "Deluxe Room", UnitPrice: 10000, Quantity: 1, Kind: model.ItemRoom},
		},
		Currency: "kes",
	}
}

func TestCheckout_GuestPickup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Checkout(ctx, Caller{}, roomIntent())
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.NotEmpty(t, res.GuestToken)
	assert.Equal(t, model.PaymentPending, res.PaymentStatus)
	assert.Equal(t, int64(12600), res.TotalAmount)
	assert.Equal(t, "ws_CO_1", res.CheckoutRequestID)

	order, err := h.orders.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), order.Subtotal)
	assert.Equal(t, int64(1000), order.ServiceCharge)
	assert.Equal(t, int64(1600), order.VAT)
	assert.Equal(t, int64(0), order.DeliveryFee)
	assert.Equal(t, int64(12600), order.TotalAmount)
	assert.Equal(t, "Jane Doe", order.CustomerName)
	assert.Equal(t, "254712345678", order.CustomerPhone)
	assert.Equal(t, "KES", order.Currency)
	assert.Equal(t, model.PaymentPending, order.PaymentStatus)
	assert.Nil(t, order.UserID)
	require.NotNil(t, order.GuestAccessToken)
	assert.Equal(t, res.GuestToken, *order.GuestAccessToken)

	attempt, err := h.payments.LatestAttemptForOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(12600), attempt.Amount)
	assert.Equal(t, model.PaymentPending, attempt.Status)
	require.NotNil(t, attempt.CheckoutRequestID)
	assert.Equal(t, "ws_CO_1", *attempt.CheckoutRequestID)

	require.Len(t, h.gateway.calls, 1)
	assert.Equal(t, "254712345678", h.gateway.calls[0].Phone)
	assert.Equal(t, int64(12600), h.gateway.calls[0].Amount)
	assert.LessOrEqual(t, len(h.gateway.calls[0].Reference), 12)

	require.Len(t, h.events.events, 1)
	assert.Equal(t, queue.EventPaymentInitiated, h.events.events[0].Type)
	assert.Equal(t, "ws_CO_1", h.events.events[0].CheckoutRequestID)

	view, err := h.svc.GuestOrder(ctx, res.OrderID, res.GuestToken)
	require.NoError(t, err)
	assert.Equal(t, int64(12600), view.TotalAmount)
	require.NotNil(t, view.Payment)
	assert.Equal(t, model.PaymentPending, view.Payment.Status)
	require.Len(t, view.Items, 1)
	assert.Equal(t, int64(10000), view.Items[0].TotalPrice)
}

func TestCheckout_GuestAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.svc.Checkout(ctx, Caller{}, roomIntent())
	require.NoError(t, err)
	b, err := h.svc.Checkout(ctx, Caller{}, roomIntent())
	require.NoError(t, err)
	assert.NotEqual(t, a.GuestToken, b.GuestToken)

	_, err = h.svc.GuestOrder(ctx, a.OrderID, "")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = h.svc.GuestOrder(ctx, a.OrderID, uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound))
	// 另一张订单的令牌同样视为不存在
	_, err = h.svc.GuestOrder(ctx, a.OrderID, b.GuestToken)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = h.svc.UserOrder(ctx, a.OrderID, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCheckout_Authenticated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Checkout(ctx, Caller{UserID: "user-42"}, roomIntent())
	require.NoError(t, err)
	assert.Empty(t, res.GuestToken)

	order, err := h.orders.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order.UserID)
	assert.Equal(t, "user-42", *order.UserID)
	assert.Nil(t, order.GuestAccessToken)

	view, err := h.svc.UserOrder(ctx, res.OrderID, "user-42")
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, view.ID)

	_, err = h.svc.UserOrder(ctx, res.OrderID, "user-43")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCheckout_DeliveryFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	intent := roomIntent()
	intent.LineItems = []model.LineItem{
		{Name: "Nyama Choma", UnitPrice: 2500, Quantity: 2, Kind: model.ItemDining},
		{Name: "Chapati", UnitPrice: 1200, Quantity: 1, Kind: model.ItemDining},
	}
	intent.Fulfillment = model.Fulfillment{Mode: "Delivery", Address: "Room 204", DeliveryFee: 500}

	res, err := h.svc.Checkout(ctx, Caller{}, intent)
	require.NoError(t, err)
	assert.Equal(t, int64(8312), res.TotalAmount)

	order, err := h.orders.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivery, order.DeliveryType)
	require.NotNil(t, order.DeliveryAddress)
	assert.Equal(t, "Room 204", *order.DeliveryAddress)
	assert.Equal(t, int64(500), order.DeliveryFee)

	// 自取时忽略配送费
	intent.Fulfillment = model.Fulfillment{Mode: model.DeliveryPickup, DeliveryFee: 500}
	res, err = h.svc.Checkout(ctx, Caller{}, intent)
	require.NoError(t, err)
	assert.Equal(t, int64(7812), res.TotalAmount)
}

func TestCheckout_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.OrderIntent)
		field  string
	}{
		{"missing name", func(in *model.OrderIntent) { in.Customer.Name = "   " }, "customer.name"},
		{"bad email", func(in *model.OrderIntent) { in.Customer.Email = "not-an-email" }, "customer.email"},
		{"missing phone", func(in *model.OrderIntent) { in.Customer.Phone = "" }, "customer.phone"},
		{"bad phone", func(in *model.OrderIntent) { in.Customer.Phone = "12345" }, "customer.phone"},
		{"delivery without address", func(in *model.OrderIntent) {
			in.Fulfillment = model.Fulfillment{Mode: model.DeliveryDelivery}
		}, "fulfillment.address"},
		{"unknown mode", func(in *model.OrderIntent) { in.Fulfillment.Mode = "drone" }, "fulfillment.mode"},
		{"negative fee", func(in *model.OrderIntent) {
			in.Fulfillment = model.Fulfillment{Mode: model.DeliveryDelivery, Address: "Room 1", DeliveryFee: -1}
		}, "fulfillment.delivery_fee"},
		{"no items", func(in *model.OrderIntent) { in.LineItems = nil }, "line_items"},
		{"empty items", func(in *model.OrderIntent) { in.LineItems = []model.LineItem{} }, "line_items"},
		{"zero quantity", func(in *model.OrderIntent) { in.LineItems[0].Quantity = 0 }, "line_items[0].quantity"},
		{"negative price", func(in *model.OrderIntent) { in.LineItems[0].UnitPrice = -5 }, "line_items[0].unit_price"},
		{"bad kind", func(in *model.OrderIntent) { in.LineItems[0].Kind = "spa" }, "line_items[0].kind"},
		{"bad currency", func(in *model.OrderIntent) { in.Currency = "KE" }, "currency"},
		{"other currency", func(in *model.OrderIntent) { in.Currency = "USD" }, "currency"},
		{"card gateway", func(in *model.OrderIntent) { in.PaymentMethod = model.MethodCardGateway }, "payment_method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			intent := roomIntent()
			tt.mutate(&intent)

			_, err := h.svc.Checkout(context.Background(), Caller{}, intent)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)

			assert.Zero(t, h.count(t, &model.Order{}))
			assert.Zero(t, h.count(t, &model.PaymentAttempt{}))
			assert.Empty(t, h.gateway.calls)
		})
	}
}

func TestCheckout_InvalidPhoneIsUserCorrectable(t *testing.T) {
	h := newHarness(t)
	intent := roomIntent()
	intent.Customer.Phone = "07abc45678"

	_, err := h.svc.Checkout(context.Background(), Caller{}, intent)
	assert.True(t, errors.Is(err, mpesa.ErrInvalidPhoneFormat))
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCheckout_TokenGenerationFailure(t *testing.T) {
	h := newHarness(t, WithTokenSource(func() (uuid.UUID, error) {
		return uuid.Nil, errors.New("entropy exhausted")
	}))

	_, err := h.svc.Checkout(context.Background(), Caller{}, roomIntent())
	assert.True(t, errors.Is(err, ErrTokenGeneration))
	assert.Zero(t, h.count(t, &model.Order{}))
	assert.Empty(t, h.gateway.calls)

	// 登录用户不需要令牌
	_, err = h.svc.Checkout(context.Background(), Caller{UserID: "u1"}, roomIntent())
	assert.NoError(t, err)
}

func TestCheckout_GatewayFailure(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = fmt.Errorf("%w: code 1: insufficient balance", mpesa.ErrGatewayRejected)
	ctx := context.Background()

	res, err := h.svc.Checkout(ctx, Caller{}, roomIntent())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPaymentInitiation))
	assert.True(t, errors.Is(err, mpesa.ErrGatewayRejected))
	require.NotEmpty(t, res.OrderID)
	assert.Equal(t, model.PaymentFailed, res.PaymentStatus)

	order, err := h.orders.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, order.PaymentStatus)

	attempt, err := h.payments.LatestAttemptForOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, attempt.Status)
	assert.Contains(t, attempt.FailureReason, "insufficient balance")
	assert.Nil(t, attempt.CheckoutRequestID)

	require.Len(t, h.events.events, 1)
	assert.Equal(t, queue.EventInitiationFailed, h.events.events[0].Type)
}

func TestCheckout_NetworkFailureIsInitiationError(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = fmt.Errorf("%w: context deadline exceeded", mpesa.ErrNetwork)

	_, err := h.svc.Checkout(context.Background(), Caller{}, roomIntent())
	assert.True(t, errors.Is(err, ErrPaymentInitiation))
	assert.True(t, errors.Is(err, mpesa.ErrNetwork))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestCheckout_NetworkFailureAfterCancelStillSettles(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.gateway.onPush = cancel
	h.gateway.err = fmt.Errorf("%w: context canceled", mpesa.ErrNetwork)

	res, err := h.svc.Checkout(ctx, Caller{}, roomIntent())
	require.True(t, errors.Is(err, ErrPaymentInitiation))
	assert.Equal(t, model.PaymentFailed, res.PaymentStatus)

	order, err := h.orders.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, order.PaymentStatus)
	attempt, err := h.payments.LatestAttemptForOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, attempt.Status)
}

func TestCheckout_EveryOrderHasAnAttempt(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		_, err := h.svc.Checkout(context.Background(), Caller{}, roomIntent())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, h.count(t, &model.Order{}))
	assert.EqualValues(t, 3, h.count(t, &model.PaymentAttempt{}))
}
