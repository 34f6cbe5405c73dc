// Package domain 包含成交清算的领域模型。
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrDuplicateFill 同一 execution_id 的成交已入账
var ErrDuplicateFill = errors.New("fill with this execution_id already settled")

// Trade 成交记录实体，交易所每笔回报入账一行。
// ExecutionID 全局唯一，是成交幂等去重的依据。
type Trade struct {
	gorm.Model
	// 交易所回报的成交 ID，全局唯一
	ExecutionID string `gorm:"column:execution_id;type:varchar(64);uniqueIndex;not null" json:"execution_id"`
	// 订单 ID
	OrderID string `gorm:"column:order_id;type:varchar(32);index;not null" json:"order_id"`
	// 账户 ID
	AccountID string `gorm:"column:account_id;type:varchar(32);index;not null" json:"account_id"`
	// 交易对
	Symbol string `gorm:"column:symbol;type:varchar(20);not null" json:"symbol"`
	// 方向（BUY / SELL）
	Side string `gorm:"column:side;type:varchar(4);not null" json:"side"`
	// 成交数量
	Quantity decimal.Decimal `gorm:"column:quantity;type:decimal(32,18);not null" json:"quantity"`
	// 成交价
	Price decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null" json:"price"`
	// 手续费
	Fee decimal.Decimal `gorm:"column:fee;type:decimal(32,18);not null;default:0" json:"fee"`
	// 手续费币种
	FeeCurrency string `gorm:"column:fee_currency;type:varchar(10)" json:"fee_currency"`
	// 本笔成交实现盈亏
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,18);not null;default:0" json:"realized_pnl"`
	// 是否已被对账确认
	Reconciled bool `gorm:"column:reconciled;not null;default:false" json:"reconciled"`
	// 交易所成交时间
	ExecutedAt time.Time `gorm:"column:executed_at;index" json:"executed_at"`
}

// TableName 指定表名
func (Trade) TableName() string {
	return "trades"
}

// Notional 成交名义价值
func (t *Trade) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// SplitSymbol 将 "BTC/USDT" 形式的交易对拆为基础币与计价币
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed symbol %q, want BASE/QUOTE", symbol)
	}
	return parts[0], parts[1], nil
}

// TradeRepository 成交仓储接口
type TradeRepository interface {
	// Append 追加一条成交记录
	Append(ctx context.Context, trade *Trade) error
	// ExistsExecution 指定 execution_id 是否已入账
	ExistsExecution(ctx context.Context, executionID string) (bool, error)
	// GetByExecutionID 按 execution_id 查询成交
	GetByExecutionID(ctx context.Context, executionID string) (*Trade, error)
	// ListByAccount 按账户分页查询成交
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*Trade, int64, error)
	// ListUnreconciled 列出账户未对账成交
	ListUnreconciled(ctx context.Context, accountID string) ([]*Trade, error)
	// MarkReconciled 批量标记成交为已对账
	MarkReconciled(ctx context.Context, executionIDs []string) error
	// DeleteByAccount 删除账户全部成交行（显式编排删除）
	DeleteByAccount(ctx context.Context, accountID string) error
}
