package reconcile

import (
	"context"
	"errors"
	"fmt"

	"hotel_checkout/internal/config"
	"hotel_checkout/internal/model"
	"hotel_checkout/internal/queue"
	"hotel_checkout/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const moduleName = "reconcile"

// 并发回调抢同一笔尝试时，重新匹配的次数上限
const maxResolveAttempts = 3

// Outcome 是一次回调处理的结论。无论哪种结论，传输层都回复 provider 已受理。
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeMalformed Outcome = "malformed"
	OutcomeError     Outcome = "error"
)

// Locker 按金额加锁，生产环境为 redis.AmountLocker。
type Locker interface {
	Lock(ctx context.Context, amount int64) (unlock func(), err error)
}

// Marker 是去重的快速路径，生产环境为 redis.CallbackMarker。
type Marker interface {
	Applied(ctx context.Context, checkoutRequestID string) (bool, error)
	MarkApplied(ctx context.Context, checkoutRequestID, orderID string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev queue.PaymentEvent) error
}

type Option func(*Reconciler)

func WithLocker(l Locker) Option { return func(r *Reconciler) { r.locker = l } }

func WithMarker(m Marker) Option { return func(r *Reconciler) { r.marker = m } }

// Reconciler 把 provider 的异步回调落到支付尝试与订单上。
type Reconciler struct {
	payments *store.PaymentStore
	events   Publisher
	locker   Locker
	marker   Marker
	currency string
	logger   logrus.FieldLogger
	tracer   trace.Tracer
}

func New(payments *store.PaymentStore, events Publisher, currency string, logger logrus.FieldLogger, opts ...Option) *Reconciler {
	r := &Reconciler{
		payments: payments,
		events:   events,
		currency: currency,
		logger:   logger.WithField("module", moduleName),
		tracer:   otel.Tracer("hotel_checkout/reconcile"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle 处理一条原始回调。任何结论都不会以错误形式返回给传输层，
// 以免 provider 因为非 2xx 反复重投。
func (r *Reconciler) Handle(ctx context.Context, raw []byte) Outcome {
	ctx, span := r.tracer.Start(ctx, "reconcile.Handle")
	defer span.End()

	cb, err := Parse(raw)
	if err != nil {
		r.logger.WithError(err).Warn("drop malformed callback")
		span.SetAttributes(attribute.String("callback.outcome", string(OutcomeMalformed)))
		return OutcomeMalformed
	}
	span.SetAttributes(
		attribute.String("callback.checkout_request_id", cb.CheckoutRequestID),
		attribute.Int("callback.result_code", cb.ResultCode),
		attribute.Int64("callback.amount", cb.Amount),
	)

	out := r.handle(ctx, cb, raw)
	span.SetAttributes(attribute.String("callback.outcome", string(out)))
	return out
}

func (r *Reconciler) handle(ctx context.Context, cb Callback, raw []byte) Outcome {
	log := r.logger.WithFields(logrus.Fields{
		"checkout_request_id": cb.CheckoutRequestID,
		"result_code":         cb.ResultCode,
		"amount":              cb.Amount,
	})

	if dup, err := r.seen(ctx, cb.CheckoutRequestID); err != nil {
		config.LogError(log, moduleName, "Handle", "check receipt", nil, err)
		return OutcomeError
	} else if dup {
		log.Info("duplicate callback ignored")
		return OutcomeDuplicate
	}

	if cb.HasAmount && r.locker != nil {
		unlock, err := r.locker.Lock(ctx, cb.Amount)
		if err != nil {
			// 锁只是缩小竞争窗口，拿不到也继续，正确性由条件更新保证
			log.WithError(err).Warn("callback lock not obtained")
		} else {
			defer unlock()
		}
	}

	for i := 0; i < maxResolveAttempts; i++ {
		attempt, byID, err := r.resolve(ctx, cb)
		if errors.Is(err, ErrUnmatchedCallback) {
			log.WithError(err).Warn("no pending payment attempt for callback")
			return OutcomeUnmatched
		}
		if err != nil {
			config.LogError(log, moduleName, "Handle", "resolve payment attempt", nil, err)
			return OutcomeError
		}
		log = log.WithFields(logrus.Fields{"payment_id": attempt.ID, "order_id": attempt.OrderID, "by_id": byID})

		if attempt.Status.Terminal() {
			log.WithField("status", attempt.Status).Info("payment attempt already settled")
			return OutcomeDuplicate
		}
		if byID && cb.Succeeded() && cb.HasAmount && cb.Amount != attempt.Amount {
			// 金额对不上不能记为已支付，保持 pending 等待人工核对
			log.WithField("expected_amount", attempt.Amount).Error("callback amount differs from payment attempt")
			return OutcomeUnmatched
		}

		st := r.settlement(cb, attempt, raw)
		err = r.payments.Settle(ctx, st)
		switch {
		case err == nil:
			r.afterApply(ctx, cb, attempt, st.Status)
			log.WithField("status", st.Status).Info("callback applied")
			return OutcomeApplied
		case errors.Is(err, store.ErrDuplicateCallback):
			log.Info("duplicate callback ignored")
			return OutcomeDuplicate
		case errors.Is(err, store.ErrAlreadySettled):
			if byID {
				log.Info("payment attempt settled concurrently")
				return OutcomeDuplicate
			}
			// 同金额的另一个回调抢先拿走了这笔尝试，重新匹配
			log.Info("lost settle race, re-resolving")
			continue
		default:
			config.LogError(log, moduleName, "Handle", "settle payment attempt", nil, err)
			return OutcomeError
		}
	}

	config.LogError(log, moduleName, "Handle", "resolve payment attempt",
		nil, fmt.Errorf("gave up after %d settle races", maxResolveAttempts))
	return OutcomeError
}

// seen 先查 Redis 快速路径，再以数据库凭据为准。
func (r *Reconciler) seen(ctx context.Context, checkoutRequestID string) (bool, error) {
	if checkoutRequestID == "" {
		return false, nil
	}
	if r.marker != nil {
		applied, err := r.marker.Applied(ctx, checkoutRequestID)
		if err != nil {
			r.logger.WithError(err).Warn("callback marker read failed")
		} else if applied {
			return true, nil
		}
	}
	return r.payments.HasReceipt(ctx, checkoutRequestID)
}

// resolve 先按发起时记下的 CheckoutRequestID 精确匹配；匹配不到再按
// pending + mobile_money + 金额 找最早的一笔。回调带了关联 id 时，
// 只考虑尚未记录关联 id 的尝试，避免抢走属于其它请求的那笔。
func (r *Reconciler) resolve(ctx context.Context, cb Callback) (*model.PaymentAttempt, bool, error) {
	if cb.CheckoutRequestID != "" {
		attempt, err := r.payments.FindAttemptByCheckoutRequest(ctx, cb.CheckoutRequestID)
		if err == nil {
			return attempt, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	if !cb.HasAmount {
		return nil, false, fmt.Errorf("%w: no correlation id match and no amount", ErrUnmatchedCallback)
	}
	candidates, err := r.payments.FindPendingByAmount(ctx, model.MethodMobileMoney, cb.Amount, cb.CheckoutRequestID != "")
	if err != nil {
		return nil, false, err
	}
	if len(candidates) == 0 {
		return nil, false, fmt.Errorf("%w: amount %d", ErrUnmatchedCallback, cb.Amount)
	}
	if len(candidates) > 1 {
		r.logger.WithFields(logrus.Fields{
			"amount":     cb.Amount,
			"candidates": len(candidates),
			"chosen":     candidates[0].ID,
		}).Warn("ambiguous amount match, choosing oldest pending attempt")
	}
	return &candidates[0], false, nil
}

func (r *Reconciler) settlement(cb Callback, attempt *model.PaymentAttempt, raw []byte) store.Settlement {
	code := cb.ResultCode
	st := store.Settlement{
		AttemptID:         attempt.ID,
		OrderID:           attempt.OrderID,
		Status:            model.PaymentFailed,
		ResultCode:        &code,
		ResultDesc:        cb.ResultDesc,
		CheckoutRequestID: cb.CheckoutRequestID,
	}
	if cb.Succeeded() {
		st.Status = model.PaymentPaid
		st.ProviderReceiptID = cb.ReceiptID
	} else {
		st.FailureReason = cb.ResultDesc
	}
	if cb.CheckoutRequestID != "" {
		st.Receipt = &model.CallbackReceipt{
			CheckoutRequestID: cb.CheckoutRequestID,
			ResultCode:        cb.ResultCode,
			ProviderReceiptID: cb.ReceiptID,
			Payload:           string(raw),
		}
	}
	return st
}

// afterApply 在事务提交之后执行，失败只记日志。
func (r *Reconciler) afterApply(ctx context.Context, cb Callback, attempt *model.PaymentAttempt, status model.PaymentStatus) {
	if r.marker != nil && cb.CheckoutRequestID != "" {
		if _, err := r.marker.MarkApplied(ctx, cb.CheckoutRequestID, attempt.OrderID); err != nil {
			r.logger.WithError(err).Warn("callback marker write failed")
		}
	}
	if r.events == nil {
		return
	}

	evType := queue.EventPaymentPaid
	if status == model.PaymentFailed {
		evType = queue.EventPaymentFailed
	}
	ev := queue.NewPaymentEvent(evType, attempt.OrderID, attempt.ID, attempt.Amount, r.currency)
	ev.CheckoutRequestID = cb.CheckoutRequestID
	ev.ReceiptID = cb.ReceiptID
	if status == model.PaymentFailed {
		ev.Reason = cb.ResultDesc
	}
	if err := r.events.Publish(ctx, ev); err != nil {
		config.LogError(r.logger, moduleName, "Handle", "publish payment event", logrus.Fields{
			"event_type": ev.Type, "order_id": ev.OrderID,
		}, err)
	}
}
