package queue

import (
	"context"
	"encoding/json"

	"hotel_checkout/internal/model"
	"hotel_checkout/internal/store"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Consumer 订阅支付事件并落到 payment_events 流水表，供对账报表使用。
type Consumer struct {
	r      *kafka.Reader
	db     *gorm.DB
	logger logrus.FieldLogger
}

func NewConsumer(brokers []string, topic, groupID string, db *gorm.DB, logger logrus.FieldLogger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		db:     db,
		logger: logger.WithField("module", "consumer"),
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if err := c.handle(ctx, m.Value); err != nil {
			c.logger.WithError(err).WithField("offset", m.Offset).Warn("consumer drop message")
		}
	}
}

// handle 解析并落库一条事件。重复 event_id 视为成功。
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var ev PaymentEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	row := &model.PaymentEvent{
		EventID:           ev.EventID,
		Type:              ev.Type,
		OrderID:           ev.OrderID,
		PaymentID:         ev.PaymentID,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		CheckoutRequestID: ev.CheckoutRequestID,
		ReceiptID:         ev.ReceiptID,
		Reason:            ev.Reason,
		OccurredAt:        ev.OccurredAt,
	}
	err := c.db.WithContext(ctx).Create(row).Error
	if err != nil && store.IsUniqueViolation(err) {
		// 幂等：重复消息导致 UNIQUE 冲突，直接当作成功
		return nil
	}
	return err
}
