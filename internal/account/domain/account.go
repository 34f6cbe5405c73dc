// Package domain 包含账户与资金账本的领域模型。
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountStatus 账户状态
type AccountStatus string

const (
	// AccountStatusActive 正常交易
	AccountStatusActive AccountStatus = "ACTIVE"
	// AccountStatusSuspended 账本不变量被破坏后冻结变更，仅允许读取
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	// AccountStatusClosed 已关闭（显式编排删除后）
	AccountStatusClosed AccountStatus = "CLOSED"
)

// TradingMode 交易模式
type TradingMode string

const (
	TradingModeLive TradingMode = "LIVE"
)

// ErrAccountSuspended 账户处于冻结状态，拒绝一切变更操作
var ErrAccountSuspended = errors.New("account is suspended pending manual reconciliation")

// ErrAccountNotVerified 账户未通过验证，不允许实盘下单
var ErrAccountNotVerified = errors.New("account is not verified for live trading")

// Account 账户实体
// 平台创建一次，之后仅变更限额与状态。
type Account struct {
	gorm.Model
	// 账户 ID (业务主键)，全局唯一
	AccountID string `gorm:"column:account_id;type:varchar(32);uniqueIndex;not null" json:"account_id"`
	// 用户 ID
	UserID string `gorm:"column:user_id;type:varchar(32);index;not null" json:"user_id"`
	// 绑定的交易所（如 binance, okx）
	Exchange string `gorm:"column:exchange;type:varchar(20);not null" json:"exchange"`
	// 交易模式
	TradingMode TradingMode `gorm:"column:trading_mode;type:varchar(10);not null;default:'LIVE'" json:"trading_mode"`
	// 是否通过实盘验证
	Verified bool `gorm:"column:verified;not null;default:false" json:"verified"`
	// 日内名义价值限额（计价货币）
	DailyLimit decimal.Decimal `gorm:"column:daily_limit;type:decimal(32,18);not null" json:"daily_limit"`
	// 当日已占用额度
	DailyUsed decimal.Decimal `gorm:"column:daily_used;type:decimal(32,18);not null;default:0" json:"daily_used"`
	// 已占用额度所属日期（UTC，YYYY-MM-DD），跨日自动清零
	DailyUsedDate string `gorm:"column:daily_used_date;type:varchar(10)" json:"daily_used_date"`
	// 单一交易对最大持仓数量
	PositionLimit decimal.Decimal `gorm:"column:position_limit;type:decimal(32,18);not null" json:"position_limit"`
	// 账户状态
	Status AccountStatus `gorm:"column:status;type:varchar(20);index;not null;default:'ACTIVE'" json:"status"`
}

// TableName 指定表名
func (Account) TableName() string {
	return "accounts"
}

// NewAccount 创建账户
func NewAccount(accountID, userID, exchange string, dailyLimit, positionLimit decimal.Decimal) *Account {
	return &Account{
		AccountID:     accountID,
		UserID:        userID,
		Exchange:      exchange,
		TradingMode:   TradingModeLive,
		DailyLimit:    dailyLimit,
		PositionLimit: positionLimit,
		Status:        AccountStatusActive,
	}
}

// CanMutate 账户是否允许变更操作
func (a *Account) CanMutate() error {
	switch a.Status {
	case AccountStatusSuspended:
		return ErrAccountSuspended
	case AccountStatusClosed:
		return errors.New("account is closed")
	}
	return nil
}

// DailyRemaining 返回指定 UTC 日期下的剩余日内额度
func (a *Account) DailyRemaining(now time.Time) decimal.Decimal {
	if a.DailyUsedDate != utcDay(now) {
		return a.DailyLimit
	}
	return a.DailyLimit.Sub(a.DailyUsed)
}

// ConsumeDailyLimit 占用日内额度；跨日先清零再累加。
// 额度在订单准入时占用（资金已承诺），取消不返还，保持保守口径。
func (a *Account) ConsumeDailyLimit(now time.Time, notional decimal.Decimal) {
	day := utcDay(now)
	if a.DailyUsedDate != day {
		a.DailyUsedDate = day
		a.DailyUsed = decimal.Zero
	}
	a.DailyUsed = a.DailyUsed.Add(notional)
}

// Suspend 冻结账户（账本不变量被破坏时）
func (a *Account) Suspend() {
	a.Status = AccountStatusSuspended
}

// Reactivate 人工对账完成后恢复账户
func (a *Account) Reactivate() {
	if a.Status == AccountStatusSuspended {
		a.Status = AccountStatusActive
	}
}

// Close 关闭账户
func (a *Account) Close() {
	a.Status = AccountStatusClosed
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
