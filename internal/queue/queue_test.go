package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"hotel_checkout/internal/model"
	"hotel_checkout/internal/store"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() PaymentEvent {
	ev := NewPaymentEvent(EventPaymentPaid, uuid.NewString(), 7, 12600, "KES")
	ev.CheckoutRequestID = "ws_CO_1"
	ev.ReceiptID = "QGH12345"
	return ev
}

func TestPaymentEvent_Validate(t *testing.T) {
	require.NoError(t, sampleEvent().Validate())

	tests := []struct {
		name   string
		mutate func(*PaymentEvent)
	}{
		{"missing event id", func(e *PaymentEvent) { e.EventID = "" }},
		{"unknown type", func(e *PaymentEvent) { e.Type = "payment.refunded" }},
		{"missing order", func(e *PaymentEvent) { e.OrderID = "" }},
		{"missing payment", func(e *PaymentEvent) { e.PaymentID = 0 }},
		{"negative amount", func(e *PaymentEvent) { e.Amount = -1 }},
		{"zero time", func(e *PaymentEvent) { e.OccurredAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := sampleEvent()
			tt.mutate(&ev)
			assert.Error(t, ev.Validate())
		})
	}
}

func TestParsePaymentEvent_StreamRoundTrip(t *testing.T) {
	ev := sampleEvent()
	got, err := parsePaymentEvent(streamValues(ev))
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, got.EventID)
	assert.Equal(t, ev.PaymentID, got.PaymentID)
	assert.Equal(t, ev.Amount, got.Amount)
	assert.Equal(t, "QGH12345", got.ReceiptID)
	assert.True(t, ev.OccurredAt.Equal(got.OccurredAt))
}

func TestParsePaymentEvent_Malformed(t *testing.T) {
	values := streamValues(sampleEvent())
	values["amount"] = "twelve"
	_, err := parsePaymentEvent(values)
	assert.Error(t, err)

	values = streamValues(sampleEvent())
	delete(values, "order_id")
	_, err = parsePaymentEvent(values)
	assert.Error(t, err)

	// Redis 返回的数值字段也可能是 int64
	values = streamValues(sampleEvent())
	values["payment_id"] = int64(7)
	got, err := parsePaymentEvent(values)
	require.NoError(t, err)
	assert.Equal(t, uint(7), got.PaymentID)
}

func TestConsumer_HandleIsIdempotent(t *testing.T) {
	db, err := store.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	c := &Consumer{db: db, logger: logger}

	b, err := json.Marshal(sampleEvent())
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), b))
	require.NoError(t, c.handle(context.Background(), b))

	var n int64
	require.NoError(t, db.Model(&model.PaymentEvent{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	assert.Error(t, c.handle(context.Background(), []byte(`{"event_id":"x"}`)))
	assert.Error(t, c.handle(context.Background(), []byte(`not json`)))
}

type recordingSink struct {
	got []PaymentEvent
}

func (s *recordingSink) Publish(_ context.Context, ev PaymentEvent) error {
	s.got = append(s.got, ev)
	return nil
}

func TestRelay_ForwardsOutboxEvents(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := rd.NewClient(&rd.Options{Addr: addr})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rdb.Close()

	stream := "hotel_checkout:test:events:" + uuid.NewString()
	defer rdb.Del(ctx, stream)

	outbox := NewStreamOutbox(rdb, stream)
	ev := sampleEvent()
	require.NoError(t, outbox.Publish(ctx, ev))
	// 脏消息会被 ACK 丢弃
	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{Stream: stream, Values: map[string]interface{}{"event_id": "bad"}}).Err())

	sink := &recordingSink{}
	logger, _ := test.NewNullLogger()
	relay := NewRelay(rdb, sink, logger, stream, "relay-test", "c1")
	require.NoError(t, relay.ensureGroup(ctx))

	msgs, err := relay.readGroup(ctx, ">", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, xm := range msgs {
		require.NoError(t, relay.processOne(ctx, xm))
	}

	require.Len(t, sink.got, 1)
	assert.Equal(t, ev.EventID, sink.got[0].EventID)

	n, err := rdb.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
