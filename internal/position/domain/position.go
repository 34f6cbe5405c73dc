// Package domain 包含持仓账本的领域模型。
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PositionStatus 持仓状态
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// ErrPositionInvariant 持仓不变量被破坏（数量为零但状态仍为 OPEN，或反之）
var ErrPositionInvariant = errors.New("position invariant violated")

// Position 持仓实体，每个 (账户, 交易对) 唯一。
// Quantity 带符号：正为净多头，负为净空头。
// 不变量：Quantity == 0 当且仅当 Status == CLOSED。
type Position struct {
	gorm.Model
	// 账户 ID
	AccountID string `gorm:"column:account_id;type:varchar(32);not null;uniqueIndex:idx_account_symbol" json:"account_id"`
	// 交易对
	Symbol string `gorm:"column:symbol;type:varchar(20);not null;uniqueIndex:idx_account_symbol" json:"symbol"`
	// 净持仓数量（带符号）
	Quantity decimal.Decimal `gorm:"column:quantity;type:decimal(32,18);not null;default:0" json:"quantity"`
	// 开仓均价
	AvgPrice decimal.Decimal `gorm:"column:avg_price;type:decimal(32,18);not null;default:0" json:"avg_price"`
	// 按最新标记价计算的市值
	MarketValue decimal.Decimal `gorm:"column:market_value;type:decimal(32,18);not null;default:0" json:"market_value"`
	// 未实现盈亏
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(32,18);not null;default:0" json:"unrealized_pnl"`
	// 累计已实现盈亏
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,18);not null;default:0" json:"realized_pnl"`
	// 保证金占用
	MarginRequirement decimal.Decimal `gorm:"column:margin_requirement;type:decimal(32,18);not null;default:0" json:"margin_requirement"`
	// 状态
	Status PositionStatus `gorm:"column:status;type:varchar(10);index;not null" json:"status"`
	// 开仓时间
	OpenedAt time.Time `gorm:"column:opened_at" json:"opened_at"`
	// 平仓时间
	ClosedAt *time.Time `gorm:"column:closed_at" json:"closed_at"`
}

// TableName 指定表名
func (Position) TableName() string {
	return "positions"
}

// NewPosition 创建空仓
func NewPosition(accountID, symbol string) *Position {
	return &Position{
		AccountID: accountID,
		Symbol:    symbol,
		Status:    PositionStatusClosed,
	}
}

// CheckInvariant 校验数量与状态的一致性
func (p *Position) CheckInvariant() error {
	if p.Quantity.IsZero() != (p.Status == PositionStatusClosed) {
		return fmt.Errorf("%w: account=%s symbol=%s quantity=%s status=%s",
			ErrPositionInvariant, p.AccountID, p.Symbol, p.Quantity, p.Status)
	}
	return nil
}

// ApplyTrade 将一笔成交净额计入持仓，返回本笔实现盈亏。
// 同向加仓按数量加权更新均价；反向减仓按 (成交价 - 均价) × 平仓数量 × 方向
// 实现盈亏，均价不变；穿仓反向时先平后开，新方向按成交价建仓。
func (p *Position) ApplyTrade(isBuy bool, quantity, price decimal.Decimal) (decimal.Decimal, error) {
	if !quantity.IsPositive() || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("trade quantity and price must be positive, got qty=%s price=%s", quantity, price)
	}

	signed := quantity
	if !isBuy {
		signed = quantity.Neg()
	}

	realized := decimal.Zero
	switch {
	case p.Quantity.IsZero():
		// 开新仓
		p.Quantity = signed
		p.AvgPrice = price
		p.Status = PositionStatusOpen
		p.OpenedAt = time.Now()
		p.ClosedAt = nil

	case p.Quantity.Sign() == signed.Sign():
		// 同向加仓：数量加权均价
		totalCost := p.AvgPrice.Mul(p.Quantity.Abs()).Add(price.Mul(quantity))
		p.Quantity = p.Quantity.Add(signed)
		p.AvgPrice = totalCost.Div(p.Quantity.Abs())

	default:
		// 反向：先平现有仓位
		closeQty := decimal.Min(p.Quantity.Abs(), quantity)
		direction := decimal.NewFromInt(int64(p.Quantity.Sign()))
		realized = price.Sub(p.AvgPrice).Mul(closeQty).Mul(direction)
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.Quantity = p.Quantity.Add(signed)

		if p.Quantity.IsZero() {
			p.close()
		} else if p.Quantity.Sign() != direction.Sign() {
			// 穿仓：剩余部分按成交价反向开仓
			p.AvgPrice = price
		}
	}

	if !p.Quantity.IsZero() {
		p.Status = PositionStatusOpen
	}
	return realized, p.CheckInvariant()
}

// MarkToMarket 按标记价更新市值与未实现盈亏
func (p *Position) MarkToMarket(markPrice decimal.Decimal) {
	p.MarketValue = p.Quantity.Abs().Mul(markPrice)
	direction := decimal.NewFromInt(int64(p.Quantity.Sign()))
	p.UnrealizedPnL = markPrice.Sub(p.AvgPrice).Mul(p.Quantity.Abs()).Mul(direction)
}

func (p *Position) close() {
	now := time.Now()
	p.AvgPrice = decimal.Zero
	p.MarketValue = decimal.Zero
	p.UnrealizedPnL = decimal.Zero
	p.MarginRequirement = decimal.Zero
	p.Status = PositionStatusClosed
	p.ClosedAt = &now
}

// PositionRepository 持仓仓储接口
type PositionRepository interface {
	// Save 保存或更新持仓
	Save(ctx context.Context, position *Position) error
	// Get 获取指定交易对持仓；不存在时返回 nil
	Get(ctx context.Context, accountID, symbol string) (*Position, error)
	// GetOrCreate 获取指定交易对持仓，不存在时创建空仓
	GetOrCreate(ctx context.Context, accountID, symbol string) (*Position, error)
	// ListByAccount 列出账户全部持仓
	ListByAccount(ctx context.Context, accountID string) ([]*Position, error)
	// DeleteByAccount 删除账户全部持仓行（显式编排删除）
	DeleteByAccount(ctx context.Context, accountID string) error
}
