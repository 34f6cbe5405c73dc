// Package domain 包含内部账本与交易所权威状态对账的领域模型。
package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// RecordType 对账条目类型
type RecordType string

const (
	RecordTypeBalance  RecordType = "BALANCE"
	RecordTypePosition RecordType = "POSITION"
	RecordTypeTrade    RecordType = "TRADE"
	RecordTypeOrder    RecordType = "ORDER"
)

// RecordStatus 对账条目状态
type RecordStatus string

const (
	RecordStatusPending     RecordStatus = "PENDING"
	RecordStatusMatched     RecordStatus = "MATCHED"
	RecordStatusDiscrepancy RecordStatus = "DISCREPANCY"
	RecordStatusResolved    RecordStatus = "RESOLVED"
)

// ErrRecordClosed 条目已人工处理完毕，不允许再变更
var ErrRecordClosed = errors.New("reconciliation record already resolved")

// ReconciliationRecord 对账条目，每个 (账户, 类型, 引用) 维护一行，
// 每轮对账就地更新：matched 可在下一轮转 discrepancy，反之亦然；
// resolved 为人工终态，引擎不再触碰。
type ReconciliationRecord struct {
	gorm.Model
	// 条目 ID (业务主键)
	RecordID string `gorm:"column:record_id;type:varchar(32);uniqueIndex;not null" json:"record_id"`
	// 最近一次触碰本条目的对账批次 ID
	PassID string `gorm:"column:pass_id;type:varchar(32);index" json:"pass_id"`
	// 账户 ID
	AccountID string `gorm:"column:account_id;type:varchar(32);not null;uniqueIndex:idx_account_type_ref" json:"account_id"`
	// 条目类型
	Type RecordType `gorm:"column:type;type:varchar(10);not null;uniqueIndex:idx_account_type_ref" json:"type"`
	// 被比对对象的引用（币种 / 交易对 / 订单 ID / execution_id）
	RefID string `gorm:"column:ref_id;type:varchar(64);not null;uniqueIndex:idx_account_type_ref" json:"ref_id"`
	// 状态
	Status RecordStatus `gorm:"column:status;type:varchar(15);index;not null" json:"status"`
	// 内部账本侧的值（JSON）
	Expected string `gorm:"column:expected;type:text" json:"expected"`
	// 交易所侧的值（JSON）
	Actual string `gorm:"column:actual;type:text" json:"actual"`
	// 人工处理方式（如 apply_exchange, accept_internal）
	Resolution string `gorm:"column:resolution;type:varchar(32)" json:"resolution"`
	// 处理备注
	Notes string `gorm:"column:notes;type:text" json:"notes"`
	// 最近比对时间
	CheckedAt time.Time `gorm:"column:checked_at" json:"checked_at"`
}

// TableName 指定表名
func (ReconciliationRecord) TableName() string {
	return "reconciliation_logs"
}

// MarkMatched 本轮比对一致
func (r *ReconciliationRecord) MarkMatched(passID, expected, actual string) error {
	if r.Status == RecordStatusResolved {
		return ErrRecordClosed
	}
	r.PassID = passID
	r.Status = RecordStatusMatched
	r.Expected = expected
	r.Actual = actual
	r.CheckedAt = time.Now()
	return nil
}

// MarkDiscrepancy 本轮比对不一致
func (r *ReconciliationRecord) MarkDiscrepancy(passID, expected, actual string) error {
	if r.Status == RecordStatusResolved {
		return ErrRecordClosed
	}
	r.PassID = passID
	r.Status = RecordStatusDiscrepancy
	r.Expected = expected
	r.Actual = actual
	r.CheckedAt = time.Now()
	return nil
}

// Resolve 人工处理差异
func (r *ReconciliationRecord) Resolve(resolution, notes string) error {
	if r.Status == RecordStatusResolved {
		return ErrRecordClosed
	}
	r.Status = RecordStatusResolved
	r.Resolution = resolution
	r.Notes = notes
	return nil
}

// ReconciliationRepository 对账条目仓储接口
type ReconciliationRepository interface {
	// Save 保存或按 (account, type, ref) 更新条目
	Save(ctx context.Context, record *ReconciliationRecord) error
	// Get 按条目 ID 查询
	Get(ctx context.Context, recordID string) (*ReconciliationRecord, error)
	// GetByRef 按 (account, type, ref) 查询；不存在时返回 nil
	GetByRef(ctx context.Context, accountID string, typ RecordType, refID string) (*ReconciliationRecord, error)
	// List 按账户与状态分页查询；status 为空时不过滤
	List(ctx context.Context, accountID string, status RecordStatus, limit, offset int) ([]*ReconciliationRecord, int64, error)
	// CountOpenDiscrepancies 账户当前未处理差异数
	CountOpenDiscrepancies(ctx context.Context, accountID string) (int64, error)
}
