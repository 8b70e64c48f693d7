package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// EventSink 是 Relay 的下游，生产环境为 Kafka Producer。
type EventSink interface {
	Publish(ctx context.Context, ev PaymentEvent) error
}

// Relay 将 Redis Stream 事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb    *rd.Client
	sink   EventSink
	logger logrus.FieldLogger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, sink EventSink, logger logrus.FieldLogger, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:      rdb,
		sink:     sink,
		logger:   logger.WithField("module", "relay"),
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.logger.WithError(err).Error("relay ensure group")
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// 先尝试处理当前消费者历史 pending，避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.logger.WithError(err).Warn("relay read pending")
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				r.logger.WithError(err).Warn("relay read new")
				time.Sleep(300 * time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				// 发布失败不 ACK，消息会继续保留用于重试。
				r.logger.WithError(err).WithField("stream_id", xm.ID).Warn("relay process message")
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	ev, err := parsePaymentEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.logger.WithError(err).WithField("stream_id", xm.ID).Warn("relay drop malformed event")
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Publish(pubCtx, ev); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parsePaymentEvent(values map[string]interface{}) (PaymentEvent, error) {
	eventID, err := getStreamString(values, "event_id")
	if err != nil {
		return PaymentEvent{}, err
	}
	eventType, err := getStreamString(values, "type")
	if err != nil {
		return PaymentEvent{}, err
	}
	orderID, err := getStreamString(values, "order_id")
	if err != nil {
		return PaymentEvent{}, err
	}
	paymentStr, err := getStreamString(values, "payment_id")
	if err != nil {
		return PaymentEvent{}, err
	}
	amountStr, err := getStreamString(values, "amount")
	if err != nil {
		return PaymentEvent{}, err
	}
	occurredStr, err := getStreamString(values, "occurred_at")
	if err != nil {
		return PaymentEvent{}, err
	}

	paymentID, err := strconv.ParseUint(paymentStr, 10, 64)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("invalid payment_id %q", paymentStr)
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("invalid amount %q", amountStr)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, occurredStr)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("invalid occurred_at %q", occurredStr)
	}

	ev := PaymentEvent{
		EventID:           eventID,
		Type:              eventType,
		OrderID:           orderID,
		PaymentID:         uint(paymentID),
		Amount:            amount,
		Currency:          optionalStreamString(values, "currency"),
		CheckoutRequestID: optionalStreamString(values, "checkout_request_id"),
		ReceiptID:         optionalStreamString(values, "receipt_id"),
		Reason:            optionalStreamString(values, "reason"),
		OccurredAt:        occurredAt,
	}
	if err := ev.Validate(); err != nil {
		return PaymentEvent{}, err
	}
	return ev, nil
}

func optionalStreamString(values map[string]interface{}, key string) string {
	s, err := getStreamString(values, key)
	if err != nil {
		return ""
	}
	return s
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
