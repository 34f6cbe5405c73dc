// Package domain 包含审计日志的领域模型。
// 审计日志是账本的最底层依赖：所有状态变更都在此留下不可变记录。
package domain

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
)

// AuditEntry 审计条目实体
// 仅追加、不可变；账户引用可为空，账户删除后历史记录仍然保留。
type AuditEntry struct {
	gorm.Model
	// 账户 ID，可为空（账户删除后保留历史）
	AccountID *string `gorm:"column:account_id;type:varchar(32);index" json:"account_id"`
	// 账户内单调递增序号，用于缺口检测
	Seq int64 `gorm:"column:seq;not null" json:"seq"`
	// 操作者（SYSTEM, RISK_GATE, FILL_AGGREGATOR, RECONCILIATION, 或复核人）
	Actor string `gorm:"column:actor;type:varchar(32);not null" json:"actor"`
	// 动作（如 ORDER_SUBMITTED, BALANCE_SETTLED, RECON_DISCREPANCY）
	Action string `gorm:"column:action;type:varchar(50);index;not null" json:"action"`
	// 关联实体类型（order, trade, balance, position, risk_event, reconciliation）
	EntityType string `gorm:"column:entity_type;type:varchar(20);not null" json:"entity_type"`
	// 关联实体业务 ID
	EntityID string `gorm:"column:entity_id;type:varchar(64);index" json:"entity_id"`
	// 结构化负载（JSON）
	Payload string `gorm:"column:payload;type:text" json:"payload"`
}

// TableName 指定表名
func (AuditEntry) TableName() string {
	return "audit_logs"
}

// NewEntry 创建审计条目；payload 序列化失败时记录原始错误信息而不是丢弃条目。
func NewEntry(accountID, actor, action, entityType, entityID string, payload any) *AuditEntry {
	var body string
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			body = string(data)
		} else {
			body = `{"marshal_error":"` + err.Error() + `"}`
		}
	}
	e := &AuditEntry{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    body,
	}
	if accountID != "" {
		e.AccountID = &accountID
	}
	return e
}

// AuditRepository 审计仓储接口：唯一的写路径是 Append，不存在更新或删除。
type AuditRepository interface {
	// Append 追加一条审计记录，并在同一事务内分配账户内递增序号
	Append(ctx context.Context, entry *AuditEntry) error
	// ListByAccount 按账户分页查询
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*AuditEntry, int64, error)
	// LatestSeq 返回账户当前最大序号（无记录时为 0）
	LatestSeq(ctx context.Context, accountID string) (int64, error)
}
