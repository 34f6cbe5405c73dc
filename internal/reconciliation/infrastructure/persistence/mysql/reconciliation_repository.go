// Package mysql 提供对账条目仓储接口的 GORM 实现。
package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/cryptoledger/internal/reconciliation/domain"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

type reconciliationRepositoryImpl struct {
	db *db.DB
}

// NewReconciliationRepository 创建对账条目仓储实例
func NewReconciliationRepository(database *db.DB) domain.ReconciliationRepository {
	return &reconciliationRepositoryImpl{db: database}
}

// Save 实现 domain.ReconciliationRepository.Save。
// 按 (account_id, type, ref_id) 上的唯一索引就地更新，保证每个被比对对象只有一行。
func (r *reconciliationRepositoryImpl) Save(ctx context.Context, record *domain.ReconciliationRecord) error {
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "type"}, {Name: "ref_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"pass_id", "status", "expected", "actual",
			"resolution", "notes", "checked_at", "updated_at",
		}),
	}).Create(record).Error
	if err != nil {
		logger.Error(ctx, "reconciliation_repository.save failed",
			"account_id", record.AccountID, "type", record.Type, "ref_id", record.RefID, "error", err)
		return fmt.Errorf("failed to save reconciliation record: %w", err)
	}
	return nil
}

// Get 实现 domain.ReconciliationRepository.Get
func (r *reconciliationRepositoryImpl) Get(ctx context.Context, recordID string) (*domain.ReconciliationRecord, error) {
	var record domain.ReconciliationRecord
	err := r.db.Conn(ctx).Where("record_id = ?", recordID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation record: %w", err)
	}
	return &record, nil
}

// GetByRef 实现 domain.ReconciliationRepository.GetByRef
func (r *reconciliationRepositoryImpl) GetByRef(ctx context.Context, accountID string, typ domain.RecordType, refID string) (*domain.ReconciliationRecord, error) {
	var record domain.ReconciliationRecord
	err := r.db.Conn(ctx).
		Where("account_id = ? AND type = ? AND ref_id = ?", accountID, typ, refID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation record by ref: %w", err)
	}
	return &record, nil
}

// List 实现 domain.ReconciliationRepository.List
func (r *reconciliationRepositoryImpl) List(ctx context.Context, accountID string, status domain.RecordStatus, limit, offset int) ([]*domain.ReconciliationRecord, int64, error) {
	var records []*domain.ReconciliationRecord
	var total int64

	q := r.db.Conn(ctx).Model(&domain.ReconciliationRecord{})
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("checked_at desc").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list reconciliation records: %w", err)
	}
	return records, total, nil
}

// CountOpenDiscrepancies 实现 domain.ReconciliationRepository.CountOpenDiscrepancies
func (r *reconciliationRepositoryImpl) CountOpenDiscrepancies(ctx context.Context, accountID string) (int64, error) {
	var count int64
	err := r.db.Conn(ctx).Model(&domain.ReconciliationRecord{}).
		Where("account_id = ? AND status = ?", accountID, domain.RecordStatusDiscrepancy).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count open discrepancies: %w", err)
	}
	return count, nil
}
