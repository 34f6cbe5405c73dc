package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/cryptoledger/internal/account/domain"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

type balanceRepositoryImpl struct {
	db *db.DB
}

// NewBalanceRepository 创建余额仓储实例
func NewBalanceRepository(database *db.DB) domain.BalanceRepository {
	return &balanceRepositoryImpl{db: database}
}

// Save 实现 domain.BalanceRepository.Save
func (r *balanceRepositoryImpl) Save(ctx context.Context, balance *domain.Balance) error {
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"available", "locked", "total", "updated_at",
		}),
	}).Create(balance).Error
	if err != nil {
		logger.Error(ctx, "balance_repository.save failed",
			"account_id", balance.AccountID, "currency", balance.Currency, "error", err)
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// Get 实现 domain.BalanceRepository.Get
func (r *balanceRepositoryImpl) Get(ctx context.Context, accountID, currency string) (*domain.Balance, error) {
	var balance domain.Balance
	err := r.db.Conn(ctx).
		Where("account_id = ? AND currency = ?", accountID, currency).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &balance, nil
}

// GetOrCreate 实现 domain.BalanceRepository.GetOrCreate
func (r *balanceRepositoryImpl) GetOrCreate(ctx context.Context, accountID, currency string) (*domain.Balance, error) {
	balance, err := r.Get(ctx, accountID, currency)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		return balance, nil
	}
	balance = domain.NewBalance(accountID, currency)
	if err := r.Save(ctx, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// ListByAccount 实现 domain.BalanceRepository.ListByAccount
func (r *balanceRepositoryImpl) ListByAccount(ctx context.Context, accountID string) ([]*domain.Balance, error) {
	var balances []*domain.Balance
	err := r.db.Conn(ctx).
		Where("account_id = ?", accountID).
		Order("currency asc").
		Find(&balances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	return balances, nil
}

// DeleteByAccount 实现 domain.BalanceRepository.DeleteByAccount
func (r *balanceRepositoryImpl) DeleteByAccount(ctx context.Context, accountID string) error {
	err := r.db.Conn(ctx).
		Where("account_id = ?", accountID).
		Delete(&domain.Balance{}).Error
	if err != nil {
		logger.Error(ctx, "balance_repository.delete_by_account failed", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to delete balances: %w", err)
	}
	return nil
}
