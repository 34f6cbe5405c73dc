// Package mysql 提供持仓与绩效仓储接口的 GORM 实现。
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/cryptoledger/internal/position/domain"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

type positionRepositoryImpl struct {
	db *db.DB
}

// NewPositionRepository 创建持仓仓储实例
func NewPositionRepository(database *db.DB) domain.PositionRepository {
	return &positionRepositoryImpl{db: database}
}

// Save 实现 domain.PositionRepository.Save
func (r *positionRepositoryImpl) Save(ctx context.Context, position *domain.Position) error {
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"quantity", "avg_price", "market_value", "unrealized_pnl",
			"realized_pnl", "margin_requirement", "status",
			"opened_at", "closed_at", "updated_at",
		}),
	}).Create(position).Error
	if err != nil {
		logger.Error(ctx, "position_repository.save failed",
			"account_id", position.AccountID, "symbol", position.Symbol, "error", err)
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// Get 实现 domain.PositionRepository.Get
func (r *positionRepositoryImpl) Get(ctx context.Context, accountID, symbol string) (*domain.Position, error) {
	var position domain.Position
	err := r.db.Conn(ctx).
		Where("account_id = ? AND symbol = ?", accountID, symbol).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &position, nil
}

// GetOrCreate 实现 domain.PositionRepository.GetOrCreate
func (r *positionRepositoryImpl) GetOrCreate(ctx context.Context, accountID, symbol string) (*domain.Position, error) {
	position, err := r.Get(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if position != nil {
		return position, nil
	}
	position = domain.NewPosition(accountID, symbol)
	if err := r.Save(ctx, position); err != nil {
		return nil, err
	}
	return position, nil
}

// ListByAccount 实现 domain.PositionRepository.ListByAccount
func (r *positionRepositoryImpl) ListByAccount(ctx context.Context, accountID string) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := r.db.Conn(ctx).
		Where("account_id = ?", accountID).
		Order("symbol asc").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return positions, nil
}

// DeleteByAccount 实现 domain.PositionRepository.DeleteByAccount
func (r *positionRepositoryImpl) DeleteByAccount(ctx context.Context, accountID string) error {
	err := r.db.Conn(ctx).Where("account_id = ?", accountID).Delete(&domain.Position{}).Error
	if err != nil {
		logger.Error(ctx, "position_repository.delete_by_account failed", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to delete positions: %w", err)
	}
	return nil
}
