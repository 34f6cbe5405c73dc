package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PerformanceMetric 账户单日绩效汇总，每笔成交入账时累加。
type PerformanceMetric struct {
	gorm.Model
	// 账户 ID
	AccountID string `gorm:"column:account_id;type:varchar(32);not null;uniqueIndex:idx_account_date" json:"account_id"`
	// 日期（UTC，YYYY-MM-DD）
	Date string `gorm:"column:date;type:varchar(10);not null;uniqueIndex:idx_account_date" json:"date"`
	// 当日已实现盈亏
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,18);not null;default:0" json:"realized_pnl"`
	// 当日手续费合计
	Fees decimal.Decimal `gorm:"column:fees;type:decimal(32,18);not null;default:0" json:"fees"`
	// 当日成交名义价值合计
	Volume decimal.Decimal `gorm:"column:volume;type:decimal(32,18);not null;default:0" json:"volume"`
	// 当日成交笔数
	TradeCount int64 `gorm:"column:trade_count;not null;default:0" json:"trade_count"`
}

// TableName 指定表名
func (PerformanceMetric) TableName() string {
	return "performance_metrics"
}

// Accrue 累加一笔成交的绩效数据
func (m *PerformanceMetric) Accrue(realizedPnL, fee, notional decimal.Decimal) {
	m.RealizedPnL = m.RealizedPnL.Add(realizedPnL)
	m.Fees = m.Fees.Add(fee)
	m.Volume = m.Volume.Add(notional)
	m.TradeCount++
}

// PerformanceRepository 绩效仓储接口
type PerformanceRepository interface {
	// Save 保存或更新单日绩效
	Save(ctx context.Context, metric *PerformanceMetric) error
	// GetOrCreate 获取指定日期绩效，不存在时创建零值
	GetOrCreate(ctx context.Context, accountID, date string) (*PerformanceMetric, error)
	// ListByAccount 按账户查询绩效历史
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*PerformanceMetric, error)
}
