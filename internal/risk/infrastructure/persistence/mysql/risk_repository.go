// Package mysql 提供风控事件仓储接口的 GORM 实现。
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/cryptoledger/internal/risk/domain"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

type riskEventRepositoryImpl struct {
	db *db.DB
}

// NewRiskEventRepository 创建风控事件仓储实例
func NewRiskEventRepository(database *db.DB) domain.RiskEventRepository {
	return &riskEventRepositoryImpl{db: database}
}

// Save 实现 domain.RiskEventRepository.Save
func (r *riskEventRepositoryImpl) Save(ctx context.Context, event *domain.RiskEvent) error {
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "reviewer", "notes", "updated_at",
		}),
	}).Create(event).Error
	if err != nil {
		logger.Error(ctx, "risk_event_repository.save failed", "event_id", event.EventID, "error", err)
		return fmt.Errorf("failed to save risk event: %w", err)
	}
	return nil
}

// Get 实现 domain.RiskEventRepository.Get
func (r *riskEventRepositoryImpl) Get(ctx context.Context, eventID string) (*domain.RiskEvent, error) {
	var event domain.RiskEvent
	err := r.db.Conn(ctx).Where("event_id = ?", eventID).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk event: %w", err)
	}
	return &event, nil
}

// List 实现 domain.RiskEventRepository.List
func (r *riskEventRepositoryImpl) List(ctx context.Context, accountID string, status domain.RiskEventStatus, limit, offset int) ([]*domain.RiskEvent, int64, error) {
	var events []*domain.RiskEvent
	var total int64

	q := r.db.Conn(ctx).Model(&domain.RiskEvent{})
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("raised_at desc").Limit(limit).Offset(offset).Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list risk events: %w", err)
	}
	return events, total, nil
}
