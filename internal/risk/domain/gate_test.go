package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accountdomain "github.com/wyfcoding/cryptoledger/internal/account/domain"
	orderdomain "github.com/wyfcoding/cryptoledger/internal/order/domain"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func gateFixture(t *testing.T) (*Gate, *accountdomain.Account, *accountdomain.Balance) {
	t.Helper()
	gate := NewGate(d("0.1"))
	account := accountdomain.NewAccount("ACC-1", "U-1", "binance", d("100000"), d("10"))
	account.Verified = true
	balance := accountdomain.NewBalance("ACC-1", "USDT")
	require.NoError(t, balance.Credit(d("100000")))
	return gate, account, balance
}

func buyOrder(qty, price string) *orderdomain.Order {
	return orderdomain.NewOrder("ORD-1", "", "ACC-1", "BTC/USDT",
		orderdomain.OrderSideBuy, orderdomain.OrderTypeLimit,
		d(price), decimal.Zero, decimal.Zero, decimal.Zero, d(qty))
}

func TestGateApproves(t *testing.T) {
	gate, account, balance := gateFixture(t)
	denial := gate.Evaluate(buyOrder("1", "50000"), account, nil, balance, time.Now())
	assert.Nil(t, denial)
}

func TestGateDailyLimitCheckedFirst(t *testing.T) {
	gate, account, balance := gateFixture(t)
	account.DailyLimit = d("1000")

	// 名义 50000 超日内限额；即便资金和持仓限额也不足，必须报日内限额规则
	denial := gate.Evaluate(buyOrder("100", "500"), account, nil, balance, time.Now())
	require.NotNil(t, denial)
	assert.Equal(t, RuleDailyLimit, denial.Rule)
}

func TestGatePositionLimitProjectsNetQuantity(t *testing.T) {
	gate, account, balance := gateFixture(t)
	account.PositionLimit = d("2")

	position := positiondomain.NewPosition("ACC-1", "BTC/USDT")
	_, err := position.ApplyTrade(true, d("1.5"), d("100"))
	require.NoError(t, err)

	denial := gate.Evaluate(buyOrder("1", "100"), account, position, balance, time.Now())
	require.NotNil(t, denial)
	assert.Equal(t, RulePositionLimit, denial.Rule)

	// 反向订单把净仓位拉回限额内，应放行
	sell := orderdomain.NewOrder("ORD-2", "", "ACC-1", "BTC/USDT",
		orderdomain.OrderSideSell, orderdomain.OrderTypeLimit,
		d("100"), decimal.Zero, decimal.Zero, decimal.Zero, d("1"))
	base := accountdomain.NewBalance("ACC-1", "BTC")
	require.NoError(t, base.Credit(d("5")))
	assert.Nil(t, gate.Evaluate(sell, account, position, base, time.Now()))
}

func TestGateMarginBuffer(t *testing.T) {
	gate, account, balance := gateFixture(t)

	// 名义 100000，需要 100000 * 1.1 = 110000 可用，只有 100000
	denial := gate.Evaluate(buyOrder("2", "50000"), account, nil, balance, time.Now())
	require.NotNil(t, denial)
	assert.Equal(t, RuleMargin, denial.Rule)

	// 卖单只检查基础币数量，不计保证金缓冲
	sell := orderdomain.NewOrder("ORD-2", "", "ACC-1", "BTC/USDT",
		orderdomain.OrderSideSell, orderdomain.OrderTypeLimit,
		d("50000"), decimal.Zero, decimal.Zero, decimal.Zero, d("2"))
	base := accountdomain.NewBalance("ACC-1", "BTC")
	require.NoError(t, base.Credit(d("2")))
	assert.Nil(t, gate.Evaluate(sell, account, nil, base, time.Now()))
}

func TestGateNilBalanceTreatedAsZero(t *testing.T) {
	gate, account, _ := gateFixture(t)
	denial := gate.Evaluate(buyOrder("1", "50000"), account, nil, nil, time.Now())
	require.NotNil(t, denial)
	assert.Equal(t, RuleMargin, denial.Rule)
}

func TestDenialIsError(t *testing.T) {
	denial := &Denial{Rule: RuleMargin, Reason: "required funds 110 exceed available 100 USDT"}
	var err error = denial
	assert.Contains(t, err.Error(), RuleMargin)
}
