// Package mysql 提供审计仓储接口的 GORM 实现。
package mysql

import (
	"context"
	"fmt"

	"github.com/wyfcoding/cryptoledger/internal/audit/domain"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

type auditRepositoryImpl struct {
	db *db.DB
}

// NewAuditRepository 创建审计仓储实例
func NewAuditRepository(database *db.DB) domain.AuditRepository {
	return &auditRepositoryImpl{db: database}
}

// Append 实现 domain.AuditRepository.Append。
// 序号分配与插入必须处于同一事务：调用方通过 db.Transaction 传入事务上下文时，
// MAX(seq)+1 与 INSERT 不会与同账户的并发写交错（账户写入已由执行槽串行化）。
func (r *auditRepositoryImpl) Append(ctx context.Context, entry *domain.AuditEntry) error {
	conn := r.db.Conn(ctx)

	if entry.AccountID != nil {
		var latest int64
		err := conn.Model(&domain.AuditEntry{}).
			Where("account_id = ?", *entry.AccountID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&latest).Error
		if err != nil {
			logger.Error(ctx, "audit_repository.append seq lookup failed", "account_id", *entry.AccountID, "error", err)
			return fmt.Errorf("failed to allocate audit seq: %w", err)
		}
		entry.Seq = latest + 1
	}

	if err := conn.Create(entry).Error; err != nil {
		logger.Error(ctx, "audit_repository.append failed", "action", entry.Action, "error", err)
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByAccount 实现 domain.AuditRepository.ListByAccount
func (r *auditRepositoryImpl) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.AuditEntry, int64, error) {
	conn := r.db.Conn(ctx)
	var entries []*domain.AuditEntry
	var total int64

	q := conn.Model(&domain.AuditEntry{}).Where("account_id = ?", accountID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("seq asc").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		logger.Error(ctx, "audit_repository.list_by_account failed", "account_id", accountID, "error", err)
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, total, nil
}

// LatestSeq 实现 domain.AuditRepository.LatestSeq
func (r *auditRepositoryImpl) LatestSeq(ctx context.Context, accountID string) (int64, error) {
	var latest int64
	err := r.db.Conn(ctx).Model(&domain.AuditEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&latest).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read latest audit seq: %w", err)
	}
	return latest, nil
}
