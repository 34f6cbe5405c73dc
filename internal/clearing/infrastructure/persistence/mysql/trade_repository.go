// Package mysql 提供成交仓储接口的 GORM 实现。
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/wyfcoding/cryptoledger/internal/clearing/domain"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

type tradeRepositoryImpl struct {
	db *db.DB
}

// NewTradeRepository 创建成交仓储实例
func NewTradeRepository(database *db.DB) domain.TradeRepository {
	return &tradeRepositoryImpl{db: database}
}

// Append 实现 domain.TradeRepository.Append。
// execution_id 上的唯一索引是幂等性的最终防线：
// 应用层查重之外的并发重复在这里以唯一键冲突失败。
func (r *tradeRepositoryImpl) Append(ctx context.Context, trade *domain.Trade) error {
	if err := r.db.Conn(ctx).Create(trade).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: execution_id=%s", domain.ErrDuplicateFill, trade.ExecutionID)
		}
		logger.Error(ctx, "trade_repository.append failed", "execution_id", trade.ExecutionID, "error", err)
		return fmt.Errorf("failed to append trade: %w", err)
	}
	return nil
}

// ExistsExecution 实现 domain.TradeRepository.ExistsExecution
func (r *tradeRepositoryImpl) ExistsExecution(ctx context.Context, executionID string) (bool, error) {
	var count int64
	err := r.db.Conn(ctx).Model(&domain.Trade{}).
		Where("execution_id = ?", executionID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check execution: %w", err)
	}
	return count > 0, nil
}

// GetByExecutionID 实现 domain.TradeRepository.GetByExecutionID
func (r *tradeRepositoryImpl) GetByExecutionID(ctx context.Context, executionID string) (*domain.Trade, error) {
	var trade domain.Trade
	err := r.db.Conn(ctx).Where("execution_id = ?", executionID).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return &trade, nil
}

// ListByAccount 实现 domain.TradeRepository.ListByAccount
func (r *tradeRepositoryImpl) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Trade, int64, error) {
	var trades []*domain.Trade
	var total int64

	q := r.db.Conn(ctx).Model(&domain.Trade{}).Where("account_id = ?", accountID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("executed_at desc").Limit(limit).Offset(offset).Find(&trades).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, total, nil
}

// ListUnreconciled 实现 domain.TradeRepository.ListUnreconciled
func (r *tradeRepositoryImpl) ListUnreconciled(ctx context.Context, accountID string) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	err := r.db.Conn(ctx).
		Where("account_id = ? AND reconciled = ?", accountID, false).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled trades: %w", err)
	}
	return trades, nil
}

// MarkReconciled 实现 domain.TradeRepository.MarkReconciled
func (r *tradeRepositoryImpl) MarkReconciled(ctx context.Context, executionIDs []string) error {
	if len(executionIDs) == 0 {
		return nil
	}
	err := r.db.Conn(ctx).Model(&domain.Trade{}).
		Where("execution_id IN ?", executionIDs).
		Update("reconciled", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark trades reconciled: %w", err)
	}
	return nil
}

// DeleteByAccount 实现 domain.TradeRepository.DeleteByAccount
func (r *tradeRepositoryImpl) DeleteByAccount(ctx context.Context, accountID string) error {
	err := r.db.Conn(ctx).Where("account_id = ?", accountID).Delete(&domain.Trade{}).Error
	if err != nil {
		logger.Error(ctx, "trade_repository.delete_by_account failed", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to delete trades: %w", err)
	}
	return nil
}
