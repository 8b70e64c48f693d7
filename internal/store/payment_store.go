package store

import (
	"context"
	"errors"
	"fmt"

	"hotel_checkout/internal/model"

	"gorm.io/gorm"
)

// PaymentStore 持久化支付尝试。对订单只有弱引用（order_id），不会级联订单生命周期；
// 唯一的例外是 Settle：支付尝试与订单的状态必须在同一事务内一起迁移。
type PaymentStore struct {
	db *gorm.DB
}

func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// Settlement 描述一次终态迁移。
type Settlement struct {
	AttemptID uint
	OrderID   string
	Status    model.PaymentStatus

	ResultCode        *int
	ResultDesc        string
	ProviderReceiptID string
	FailureReason     string

	// CheckoutRequestID 非空且支付尝试尚未记录关联 id 时一并写入。
	CheckoutRequestID string
	// Receipt 非空时在同一事务内落回调凭据，唯一冲突视为重复回调。
	Receipt *model.CallbackReceipt
}

// CreatePaymentAttempt 写入 pending 支付尝试；同一订单已存在 pending 尝试时拒绝。
func (s *PaymentStore) CreatePaymentAttempt(ctx context.Context, attempt *model.PaymentAttempt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createAttempt(tx, attempt)
	})
}

// CreateOrderWithAttempt 在同一事务内写入订单、明细和首个 pending 支付尝试，
// 任一步失败都不会留下没有支付尝试的 pending 订单。
func (s *PaymentStore) CreateOrderWithAttempt(ctx context.Context, order *model.Order, attempt *model.PaymentAttempt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		attempt.OrderID = order.ID
		attempt.Amount = order.TotalAmount
		return createAttempt(tx, attempt)
	})
}

func createAttempt(tx *gorm.DB, attempt *model.PaymentAttempt) error {
	var n int64
	err := tx.Model(&model.PaymentAttempt{}).
		Where("order_id = ? AND status = ?", attempt.OrderID, model.PaymentPending).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("count pending attempts: %w", err)
	}
	if n > 0 {
		return ErrPendingAttemptExists
	}
	attempt.Status = model.PaymentPending
	if err := tx.Create(attempt).Error; err != nil {
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	return nil
}

// AttachCheckoutRequest 记录 provider 返回的关联 id，不改变状态。
// 回调可能先于这里到达并已经写入同一个 id，此时为幂等空操作。
func (s *PaymentStore) AttachCheckoutRequest(ctx context.Context, attemptID uint, checkoutRequestID, merchantRequestID string) error {
	err := s.db.WithContext(ctx).Model(&model.PaymentAttempt{}).
		Where("id = ? AND (checkout_request_id IS NULL OR checkout_request_id = ?)", attemptID, checkoutRequestID).
		Updates(map[string]any{
			"checkout_request_id": checkoutRequestID,
			"merchant_request_id": merchantRequestID,
		}).Error
	if err != nil {
		return fmt.Errorf("attach checkout request: %w", err)
	}
	return nil
}

// GetAttempt 按主键查询。
func (s *PaymentStore) GetAttempt(ctx context.Context, id uint) (*model.PaymentAttempt, error) {
	return s.firstAttempt(ctx, s.db.WithContext(ctx).Where("id = ?", id))
}

// LatestAttemptForOrder 返回订单最近一次支付尝试。
func (s *PaymentStore) LatestAttemptForOrder(ctx context.Context, orderID string) (*model.PaymentAttempt, error) {
	return s.firstAttempt(ctx, s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id DESC"))
}

// FindAttemptByCheckoutRequest 按 provider 关联 id 精确匹配。
func (s *PaymentStore) FindAttemptByCheckoutRequest(ctx context.Context, checkoutRequestID string) (*model.PaymentAttempt, error) {
	if checkoutRequestID == "" {
		return nil, ErrNotFound
	}
	return s.firstAttempt(ctx, s.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID))
}

func (s *PaymentStore) firstAttempt(ctx context.Context, q *gorm.DB) (*model.PaymentAttempt, error) {
	var attempt model.PaymentAttempt
	if err := q.First(&attempt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query payment attempt: %w", err)
	}
	return &attempt, nil
}

// FindPendingByAmount 返回金额相同的 pending 尝试，按插入顺序（最早在前）。
// uncorrelatedOnly 为 true 时排除已记录了其它关联 id 的尝试。
func (s *PaymentStore) FindPendingByAmount(ctx context.Context, method model.PaymentMethod, amount int64, uncorrelatedOnly bool) ([]model.PaymentAttempt, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND method = ? AND amount = ?", model.PaymentPending, method, amount)
	if uncorrelatedOnly {
		q = q.Where("checkout_request_id IS NULL")
	}

	var out []model.PaymentAttempt
	if err := q.Order("id ASC").Limit(16).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query pending attempts: %w", err)
	}
	return out, nil
}

// HasReceipt 判断该 CheckoutRequestID 的回调是否已经生效过。
func (s *PaymentStore) HasReceipt(ctx context.Context, checkoutRequestID string) (bool, error) {
	if checkoutRequestID == "" {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&model.CallbackReceipt{}).
		Where("checkout_request_id = ?", checkoutRequestID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count receipts: %w", err)
	}
	return n > 0, nil
}

// Settle 原子地把支付尝试和订单从 pending 迁移到同一个终态。
//   - 支付尝试不再是 pending：ErrAlreadySettled（并发回调中后到的一方）
//   - 订单不再是 pending：ErrStateMismatch，整笔回滚
//   - 回调凭据唯一冲突：ErrDuplicateCallback，整笔回滚
func (s *PaymentStore) Settle(ctx context.Context, st Settlement) error {
	if !st.Status.Terminal() {
		return fmt.Errorf("settle to non-terminal status %q", st.Status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":              st.Status,
			"result_desc":         st.ResultDesc,
			"provider_receipt_id": st.ProviderReceiptID,
			"failure_reason":      st.FailureReason,
		}
		if st.ResultCode != nil {
			updates["result_code"] = *st.ResultCode
		}
		res := tx.Model(&model.PaymentAttempt{}).
			Where("id = ? AND status = ?", st.AttemptID, model.PaymentPending).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update payment attempt: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadySettled
		}

		if st.CheckoutRequestID != "" {
			err := tx.Model(&model.PaymentAttempt{}).
				Where("id = ? AND checkout_request_id IS NULL", st.AttemptID).
				Update("checkout_request_id", st.CheckoutRequestID).Error
			if err != nil {
				return fmt.Errorf("record checkout request: %w", err)
			}
		}

		res = tx.Model(&model.Order{}).
			Where("id = ? AND payment_status = ?", st.OrderID, model.PaymentPending).
			Update("payment_status", st.Status)
		if res.Error != nil {
			return fmt.Errorf("update order: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStateMismatch
		}

		if st.Receipt != nil {
			st.Receipt.PaymentAttemptID = st.AttemptID
			if err := tx.Create(st.Receipt).Error; err != nil {
				if IsUniqueViolation(err) {
					return ErrDuplicateCallback
				}
				return fmt.Errorf("insert callback receipt: %w", err)
			}
		}
		return nil
	})
}
