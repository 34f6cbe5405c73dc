package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	accountdomain "github.com/wyfcoding/cryptoledger/internal/account/domain"
	orderdomain "github.com/wyfcoding/cryptoledger/internal/order/domain"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
)

// 准入规则名
const (
	RuleDailyLimit    = "DAILY_NOTIONAL_LIMIT"
	RulePositionLimit = "POSITION_LIMIT"
	RuleMargin        = "MARGIN_AVAILABLE"
)

// Denial 风控拒绝结果，携带触发的规则与人类可读原因。
type Denial struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Error 实现 error 接口
func (d *Denial) Error() string {
	return fmt.Sprintf("risk denied by %s: %s", d.Rule, d.Reason)
}

// Gate 订单准入闸门。规则按固定顺序求值并在首个失败处短路：
// 日内名义限额 -> 持仓限额 -> 可用保证金。
// 通过返回 nil，拒绝返回 *Denial；任何成交到达前订单必须先通过此闸门。
type Gate struct {
	// 保证金率：买单要求可用资金覆盖名义价值 × (1 + marginRate)，
	// 仅名义价值部分会被实际锁定，超出部分是准入缓冲。
	marginRate decimal.Decimal
}

// NewGate 创建准入闸门
func NewGate(marginRate decimal.Decimal) *Gate {
	return &Gate{marginRate: marginRate}
}

// Rules 按求值顺序返回全部规则名，供审计记录逐规则结果
func (g *Gate) Rules() []string {
	return []string{RuleDailyLimit, RulePositionLimit, RuleMargin}
}

// Evaluate 对订单做准入评估。
// fundingBalance 是承担本单资金锁定的余额行：买单为计价币，卖单为基础币；
// position 与 fundingBalance 可为 nil（尚无持仓 / 余额行），按零值处理。
func (g *Gate) Evaluate(order *orderdomain.Order, account *accountdomain.Account,
	position *positiondomain.Position, fundingBalance *accountdomain.Balance, now time.Time) *Denial {

	notional := order.Notional()

	// 规则 1：日内名义限额
	if remaining := account.DailyRemaining(now); notional.GreaterThan(remaining) {
		return &Denial{
			Rule: RuleDailyLimit,
			Reason: fmt.Sprintf("order notional %s exceeds remaining daily limit %s",
				notional, remaining),
		}
	}

	// 规则 2：成交后净持仓绝对值不得超过持仓限额
	current := decimal.Zero
	if position != nil {
		current = position.Quantity
	}
	delta := order.Quantity
	if order.Side == orderdomain.OrderSideSell {
		delta = delta.Neg()
	}
	if projected := current.Add(delta).Abs(); projected.GreaterThan(account.PositionLimit) {
		return &Denial{
			Rule: RulePositionLimit,
			Reason: fmt.Sprintf("projected position %s on %s exceeds limit %s",
				projected, order.Symbol, account.PositionLimit),
		}
	}

	// 规则 3：可用资金须覆盖待锁定额加保证金缓冲。
	// 买单锁定计价币名义价值，卖单锁定基础币数量；缓冲仅对买单名义价值计提。
	required := order.Quantity
	if order.Side == orderdomain.OrderSideBuy {
		required = notional.Add(notional.Mul(g.marginRate))
	}
	available := decimal.Zero
	if fundingBalance != nil {
		available = fundingBalance.Available
	}
	if required.GreaterThan(available) {
		return &Denial{
			Rule: RuleMargin,
			Reason: fmt.Sprintf("required funds %s exceed available %s %s",
				required, available, fundingCurrencyLabel(fundingBalance)),
		}
	}

	return nil
}

func fundingCurrencyLabel(b *accountdomain.Balance) string {
	if b == nil {
		return ""
	}
	return b.Currency
}
