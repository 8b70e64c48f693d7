package store

import (
	"context"
	"errors"
	"fmt"

	"hotel_checkout/internal/model"

	"gorm.io/gorm"
)

// OrderStore 持久化订单及其明细。订单只新增和迁移支付状态，从不删除。
type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

// CreateOrder 在同一事务内写入订单与明细。
func (s *OrderStore) CreateOrder(ctx context.Context, order *model.Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// GetOrder 按主键查询订单（含明细）。
func (s *OrderStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.first(ctx, "id = ?", id)
}

// GetOrderForUser 只返回属于该登录用户的订单。
func (s *OrderStore) GetOrderForUser(ctx context.Context, id, userID string) (*model.Order, error) {
	if userID == "" {
		return nil, ErrNotFound
	}
	return s.first(ctx, "id = ? AND user_id = ?", id, userID)
}

// GetOrderByGuestToken 仅按令牌全等匹配；空令牌永不命中。
func (s *OrderStore) GetOrderByGuestToken(ctx context.Context, token string) (*model.Order, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.first(ctx, "guest_access_token = ?", token)
}

func (s *OrderStore) first(ctx context.Context, query string, args ...any) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where(query, args...).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &order, nil
}
