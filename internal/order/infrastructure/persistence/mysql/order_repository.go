// Package mysql 提供订单仓储接口的 GORM 实现。
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/cryptoledger/internal/order/domain"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

var openStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusOpen,
	domain.OrderStatusPartiallyFilled,
}

type orderRepositoryImpl struct {
	db *db.DB
}

// NewOrderRepository 创建订单仓储实例
func NewOrderRepository(database *db.DB) domain.OrderRepository {
	return &orderRepositoryImpl{db: database}
}

// Save 实现 domain.OrderRepository.Save
func (r *orderRepositoryImpl) Save(ctx context.Context, order *domain.Order) error {
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"exchange_order_id", "filled_quantity", "remaining_quantity",
			"avg_fill_price", "risk_approved", "reject_reason",
			"cancel_requested", "status", "updated_at",
		}),
	}).Create(order).Error
	if err != nil {
		logger.Error(ctx, "order_repository.save failed", "order_id", order.OrderID, "error", err)
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// Get 实现 domain.OrderRepository.Get
func (r *orderRepositoryImpl) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := r.db.Conn(ctx).Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// GetByClientOrderID 实现 domain.OrderRepository.GetByClientOrderID
func (r *orderRepositoryImpl) GetByClientOrderID(ctx context.Context, accountID, clientOrderID string) (*domain.Order, error) {
	var order domain.Order
	err := r.db.Conn(ctx).
		Where("account_id = ? AND client_order_id = ?", accountID, clientOrderID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by client order id: %w", err)
	}
	return &order, nil
}

// ListOpenByAccount 实现 domain.OrderRepository.ListOpenByAccount
func (r *orderRepositoryImpl) ListOpenByAccount(ctx context.Context, accountID string) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := r.db.Conn(ctx).
		Where("account_id = ? AND status IN ?", accountID, openStatuses).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	return orders, nil
}

// ListByAccount 实现 domain.OrderRepository.ListByAccount
func (r *orderRepositoryImpl) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Order, int64, error) {
	var orders []*domain.Order
	var total int64

	q := r.db.Conn(ctx).Model(&domain.Order{}).Where("account_id = ?", accountID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("id desc").Limit(limit).Offset(offset).Find(&orders).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, total, nil
}

// DeleteByAccount 实现 domain.OrderRepository.DeleteByAccount
func (r *orderRepositoryImpl) DeleteByAccount(ctx context.Context, accountID string) error {
	err := r.db.Conn(ctx).Where("account_id = ?", accountID).Delete(&domain.Order{}).Error
	if err != nil {
		logger.Error(ctx, "order_repository.delete_by_account failed", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	return nil
}
