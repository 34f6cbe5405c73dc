// Package mysql 提供账户与余额仓储接口的 GORM 实现。
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

type accountRepositoryImpl struct {
	db *db.DB
}

// NewAccountRepository 创建账户仓储实例
func NewAccountRepository(database *db.DB) domain.AccountRepository {
	return &accountRepositoryImpl{db: database}
}

// Save 实现 domain.AccountRepository.Save
func (r *accountRepositoryImpl) Save(ctx context.Context, account *domain.Account) error {
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"trading_mode", "verified", "daily_limit", "daily_used",
			"daily_used_date", "position_limit", "status", "updated_at",
		}),
	}).Create(account).Error
	if err != nil {
		logger.Error(ctx, "account_repository.save failed", "account_id", account.AccountID, "error", err)
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// Get 实现 domain.AccountRepository.Get
func (r *accountRepositoryImpl) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Conn(ctx).Where("account_id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListActive 实现 domain.AccountRepository.ListActive
func (r *accountRepositoryImpl) ListActive(ctx context.Context) ([]*domain.Account, error) {
	var accounts []*domain.Account
	err := r.db.Conn(ctx).Where("status = ?", domain.AccountStatusActive).Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	return accounts, nil
}

// Delete 实现 domain.AccountRepository.Delete
func (r *accountRepositoryImpl) Delete(ctx context.Context, accountID string) error {
	err := r.db.Conn(ctx).Where("account_id = ?", accountID).Delete(&domain.Account{}).Error
	if err != nil {
		logger.Error(ctx, "account_repository.delete failed", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
