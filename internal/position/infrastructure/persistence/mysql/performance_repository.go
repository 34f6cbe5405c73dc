package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/cryptoledger/internal/position/domain"
	"github.com/wyfcoding/cryptoledger/pkg/db"
)

type performanceRepositoryImpl struct {
	db *db.DB
}

// NewPerformanceRepository 创建绩效仓储实例
func NewPerformanceRepository(database *db.DB) domain.PerformanceRepository {
	return &performanceRepositoryImpl{db: database}
}

// Save 实现 domain.PerformanceRepository.Save
func (r *performanceRepositoryImpl) Save(ctx context.Context, metric *domain.PerformanceMetric) error {
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"realized_pnl", "fees", "volume", "trade_count", "updated_at",
		}),
	}).Create(metric).Error
	if err != nil {
		return fmt.Errorf("failed to save performance metric: %w", err)
	}
	return nil
}

// GetOrCreate 实现 domain.PerformanceRepository.GetOrCreate
func (r *performanceRepositoryImpl) GetOrCreate(ctx context.Context, accountID, date string) (*domain.PerformanceMetric, error) {
	var metric domain.PerformanceMetric
	err := r.db.Conn(ctx).
		Where("account_id = ? AND date = ?", accountID, date).
		First(&metric).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.PerformanceMetric{AccountID: accountID, Date: date}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get performance metric: %w", err)
	}
	return &metric, nil
}

// ListByAccount 实现 domain.PerformanceRepository.ListByAccount
func (r *performanceRepositoryImpl) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.PerformanceMetric, error) {
	var metrics []*domain.PerformanceMetric
	err := r.db.Conn(ctx).
		Where("account_id = ?", accountID).
		Order("date desc").
		Limit(limit).
		Find(&metrics).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list performance metrics: %w", err)
	}
	return metrics, nil
}
