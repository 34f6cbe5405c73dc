package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newLimitOrder(qty, price string) *Order {
	return NewOrder("ORD-1", "", "ACC-1", "BTC/USDT", OrderSideBuy, OrderTypeLimit,
		d(price), decimal.Zero, decimal.Zero, decimal.Zero, d(qty))
}

func TestValidateByOrderType(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Order)
		wantErr bool
	}{
		{"limit ok", func(o *Order) {}, false},
		{"limit without price", func(o *Order) { o.Price = decimal.Zero }, true},
		{"zero quantity", func(o *Order) { o.Quantity = decimal.Zero }, true},
		{"unknown side", func(o *Order) { o.Side = "HOLD" }, true},
		{"market needs ref price", func(o *Order) {
			o.Type = OrderTypeMarket
			o.Price = decimal.Zero
		}, true},
		{"market with ref price", func(o *Order) {
			o.Type = OrderTypeMarket
			o.Price = decimal.Zero
			o.RefPrice = d("50000")
		}, false},
		{"stop needs stop price", func(o *Order) { o.Type = OrderTypeStop }, true},
		{"stop limit ok", func(o *Order) {
			o.Type = OrderTypeStopLimit
			o.StopPrice = d("49000")
		}, false},
		{"trailing stop needs offset and ref", func(o *Order) { o.Type = OrderTypeTrailingStop }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newLimitOrder("1", "50000")
			tc.mutate(o)
			err := o.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAdmitAndReject(t *testing.T) {
	o := newLimitOrder("1", "50000")
	require.NoError(t, o.Admit())
	assert.Equal(t, OrderStatusOpen, o.Status)
	assert.True(t, o.RiskApproved)

	// 已准入订单不能再被拒绝
	assert.ErrorIs(t, o.Reject("late"), ErrInvalidTransition)

	r := newLimitOrder("1", "50000")
	require.NoError(t, r.Reject("limit breach"))
	assert.Equal(t, OrderStatusRejected, r.Status)
	assert.False(t, r.RiskApproved)
	assert.ErrorIs(t, r.Admit(), ErrInvalidTransition)
}

func TestApplyFillWeightedAverage(t *testing.T) {
	o := newLimitOrder("10", "100")
	require.NoError(t, o.Admit())

	require.NoError(t, o.ApplyFill(d("4"), d("99")))
	assert.Equal(t, OrderStatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(d("4")))
	assert.True(t, o.RemainingQuantity.Equal(d("6")))
	assert.True(t, o.AvgFillPrice.Equal(d("99")))

	require.NoError(t, o.ApplyFill(d("6"), d("101")))
	assert.Equal(t, OrderStatusFilled, o.Status)
	assert.True(t, o.RemainingQuantity.IsZero())
	// (4*99 + 6*101) / 10 = 100.2
	assert.True(t, o.AvgFillPrice.Equal(d("100.2")), "got %s", o.AvgFillPrice)
	// 不变量：filled + remaining == quantity
	assert.True(t, o.FilledQuantity.Add(o.RemainingQuantity).Equal(o.Quantity))
}

func TestApplyFillOverfill(t *testing.T) {
	o := newLimitOrder("5", "100")
	require.NoError(t, o.Admit())
	require.NoError(t, o.ApplyFill(d("3"), d("100")))

	err := o.ApplyFill(d("2.5"), d("100"))
	assert.ErrorIs(t, err, ErrOverfill)
	// 失败的成交不得改变订单
	assert.True(t, o.FilledQuantity.Equal(d("3")))
	assert.True(t, o.RemainingQuantity.Equal(d("2")))
	assert.Equal(t, OrderStatusPartiallyFilled, o.Status)
}

func TestApplyFillRequiresRiskApproval(t *testing.T) {
	o := newLimitOrder("5", "100")
	err := o.ApplyFill(d("1"), d("100"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelLifecycle(t *testing.T) {
	o := newLimitOrder("5", "100")
	require.NoError(t, o.Admit())
	require.NoError(t, o.ApplyFill(d("2"), d("100")))

	require.NoError(t, o.RequestCancel())
	require.NoError(t, o.Cancel())
	assert.Equal(t, OrderStatusCancelled, o.Status)
	// 部分成交后取消：已成交量保留
	assert.True(t, o.FilledQuantity.Equal(d("2")))

	// 终态订单拒绝一切迁移
	assert.ErrorIs(t, o.Cancel(), ErrInvalidTransition)
	assert.ErrorIs(t, o.ApplyFill(d("1"), d("100")), ErrInvalidTransition)
}

func TestCancelPendingOrder(t *testing.T) {
	// 尚未准入的订单也可以取消，资金从未锁定
	o := newLimitOrder("5", "100")
	require.Equal(t, OrderStatusPending, o.Status)

	require.NoError(t, o.RequestCancel())
	require.NoError(t, o.Cancel())
	assert.Equal(t, OrderStatusCancelled, o.Status)
	assert.False(t, o.RiskApproved)
	assert.True(t, o.RemainingQuantity.Equal(d("5")))
}

func TestCancelFilledOrderRejected(t *testing.T) {
	o := newLimitOrder("1", "100")
	require.NoError(t, o.Admit())
	require.NoError(t, o.ApplyFill(d("1"), d("100")))
	require.Equal(t, OrderStatusFilled, o.Status)

	assert.ErrorIs(t, o.RequestCancel(), ErrInvalidTransition)
	assert.ErrorIs(t, o.Cancel(), ErrInvalidTransition)
}

func TestNotionalPricePrecedence(t *testing.T) {
	limit := newLimitOrder("1", "50000")
	assert.True(t, limit.NotionalPrice().Equal(d("50000")))

	stop := NewOrder("ORD-2", "", "ACC-1", "BTC/USDT", OrderSideSell, OrderTypeStop,
		decimal.Zero, d("48000"), decimal.Zero, d("47000"), d("1"))
	assert.True(t, stop.NotionalPrice().Equal(d("48000")))

	market := NewOrder("ORD-3", "", "ACC-1", "BTC/USDT", OrderSideBuy, OrderTypeMarket,
		decimal.Zero, decimal.Zero, decimal.Zero, d("47000"), d("1"))
	assert.True(t, market.NotionalPrice().Equal(d("47000")))
	assert.True(t, market.Notional().Equal(d("47000")))
}
