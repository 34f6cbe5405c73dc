package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrInsufficientFunds 可用余额不足
var ErrInsufficientFunds = errors.New("insufficient available balance")

// ErrLedgerInvariant 账本不变量被破坏（total != available + locked），
// 属于致命错误：该账户的后续变更操作将被拒绝，直至人工对账完成。
var ErrLedgerInvariant = errors.New("ledger invariant violated: total != available + locked")

// Balance 资金余额实体，每个 (账户, 币种) 唯一。
// 不变量：任意已提交状态下 Total == Available + Locked，且 Available 不为负。
type Balance struct {
	gorm.Model
	// 账户 ID
	AccountID string `gorm:"column:account_id;type:varchar(32);not null;uniqueIndex:idx_account_currency" json:"account_id"`
	// 币种（如 BTC, USDT）
	Currency string `gorm:"column:currency;type:varchar(10);not null;uniqueIndex:idx_account_currency" json:"currency"`
	// 可用余额
	Available decimal.Decimal `gorm:"column:available;type:decimal(32,18);not null;default:0" json:"available"`
	// 冻结余额（已锁定在未成交订单上）
	Locked decimal.Decimal `gorm:"column:locked;type:decimal(32,18);not null;default:0" json:"locked"`
	// 总余额
	Total decimal.Decimal `gorm:"column:total;type:decimal(32,18);not null;default:0" json:"total"`
}

// TableName 指定表名
func (Balance) TableName() string {
	return "balances"
}

// NewBalance 创建零余额
func NewBalance(accountID, currency string) *Balance {
	return &Balance{
		AccountID: accountID,
		Currency:  currency,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		Total:     decimal.Zero,
	}
}

// CheckInvariant 校验账本不变量
func (b *Balance) CheckInvariant() error {
	if !b.Total.Equal(b.Available.Add(b.Locked)) {
		return fmt.Errorf("%w: account=%s currency=%s available=%s locked=%s total=%s",
			ErrLedgerInvariant, b.AccountID, b.Currency, b.Available, b.Locked, b.Total)
	}
	if b.Available.IsNegative() {
		return fmt.Errorf("%w: account=%s currency=%s available=%s is negative",
			ErrLedgerInvariant, b.AccountID, b.Currency, b.Available)
	}
	return nil
}

// Lock 将资金从可用转入冻结，总额不变
func (b *Balance) Lock(amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: account=%s currency=%s need=%s available=%s",
			ErrInsufficientFunds, b.AccountID, b.Currency, amount, b.Available)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return b.CheckInvariant()
}

// Unlock 将资金从冻结转回可用，总额不变
func (b *Balance) Unlock(amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("%w: account=%s currency=%s unlock=%s locked=%s",
			ErrLedgerInvariant, b.AccountID, b.Currency, amount, b.Locked)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	return b.CheckInvariant()
}

// Credit 入账：可用与总额同时增加（成交所得、入金）
func (b *Balance) Credit(amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	b.Available = b.Available.Add(amount)
	b.Total = b.Total.Add(amount)
	return b.CheckInvariant()
}

// Debit 出账：可用与总额同时减少（成交支出、手续费）
func (b *Balance) Debit(amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: account=%s currency=%s need=%s available=%s",
			ErrInsufficientFunds, b.AccountID, b.Currency, amount, b.Available)
	}
	b.Available = b.Available.Sub(amount)
	b.Total = b.Total.Sub(amount)
	return b.CheckInvariant()
}

// Correct 对账修正：将余额直接校准到交易所权威值。
// 仅由对账引擎在生成差异记录与审计条目之后调用。
func (b *Balance) Correct(available, locked decimal.Decimal) error {
	b.Available = available
	b.Locked = locked
	b.Total = available.Add(locked)
	return b.CheckInvariant()
}

func requirePositive(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("amount must not be negative, got %s", amount)
	}
	return nil
}
