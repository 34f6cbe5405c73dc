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

func TestApplyTradeOpensAndExtends(t *testing.T) {
	p := NewPosition("ACC-1", "BTC/USDT")
	assert.Equal(t, PositionStatusClosed, p.Status)

	realized, err := p.ApplyTrade(true, d("1"), d("100"))
	require.NoError(t, err)
	assert.True(t, realized.IsZero())
	assert.True(t, p.Quantity.Equal(d("1")))
	assert.True(t, p.AvgPrice.Equal(d("100")))
	assert.Equal(t, PositionStatusOpen, p.Status)

	// 同向加仓：数量加权均价 (1*100 + 1*110) / 2 = 105
	realized, err = p.ApplyTrade(true, d("1"), d("110"))
	require.NoError(t, err)
	assert.True(t, realized.IsZero())
	assert.True(t, p.Quantity.Equal(d("2")))
	assert.True(t, p.AvgPrice.Equal(d("105")))
}

func TestApplyTradeReduceRealizesPnL(t *testing.T) {
	p := NewPosition("ACC-1", "BTC/USDT")
	_, err := p.ApplyTrade(true, d("2"), d("100"))
	require.NoError(t, err)

	// 卖出 1 @ 120：实现盈亏 (120-100)*1 = 20，均价不变
	realized, err := p.ApplyTrade(false, d("1"), d("120"))
	require.NoError(t, err)
	assert.True(t, realized.Equal(d("20")))
	assert.True(t, p.Quantity.Equal(d("1")))
	assert.True(t, p.AvgPrice.Equal(d("100")))
	assert.True(t, p.RealizedPnL.Equal(d("20")))
}

func TestApplyTradeCloseToZero(t *testing.T) {
	p := NewPosition("ACC-1", "BTC/USDT")
	_, err := p.ApplyTrade(true, d("1"), d("100"))
	require.NoError(t, err)

	realized, err := p.ApplyTrade(false, d("1"), d("90"))
	require.NoError(t, err)
	assert.True(t, realized.Equal(d("-10")))
	assert.True(t, p.Quantity.IsZero())
	assert.Equal(t, PositionStatusClosed, p.Status)
	assert.True(t, p.AvgPrice.IsZero())
	require.NotNil(t, p.ClosedAt)
	assert.NoError(t, p.CheckInvariant())
}

func TestApplyTradeFlipThroughZero(t *testing.T) {
	p := NewPosition("ACC-1", "BTC/USDT")
	_, err := p.ApplyTrade(true, d("1"), d("100"))
	require.NoError(t, err)

	// 卖出 3 @ 110：平掉 1（实现 +10），反向开空 2 @ 110
	realized, err := p.ApplyTrade(false, d("3"), d("110"))
	require.NoError(t, err)
	assert.True(t, realized.Equal(d("10")))
	assert.True(t, p.Quantity.Equal(d("-2")))
	assert.True(t, p.AvgPrice.Equal(d("110")))
	assert.Equal(t, PositionStatusOpen, p.Status)
}

func TestApplyTradeShortSideRealization(t *testing.T) {
	p := NewPosition("ACC-1", "BTC/USDT")
	_, err := p.ApplyTrade(false, d("2"), d("100"))
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("-2")))

	// 买回 1 @ 80：空头盈利 (80-100)*1*(-1) = 20
	realized, err := p.ApplyTrade(true, d("1"), d("80"))
	require.NoError(t, err)
	assert.True(t, realized.Equal(d("20")), "got %s", realized)
	assert.True(t, p.Quantity.Equal(d("-1")))
}

func TestMarkToMarket(t *testing.T) {
	p := NewPosition("ACC-1", "BTC/USDT")
	_, err := p.ApplyTrade(true, d("2"), d("100"))
	require.NoError(t, err)

	p.MarkToMarket(d("110"))
	assert.True(t, p.MarketValue.Equal(d("220")))
	assert.True(t, p.UnrealizedPnL.Equal(d("20")))

	// 空头方向的未实现盈亏符号相反
	s := NewPosition("ACC-1", "ETH/USDT")
	_, err = s.ApplyTrade(false, d("2"), d("100"))
	require.NoError(t, err)
	s.MarkToMarket(d("110"))
	assert.True(t, s.UnrealizedPnL.Equal(d("-20")))
}

func TestApplyTradeRejectsNonPositiveInputs(t *testing.T) {
	p := NewPosition("ACC-1", "BTC/USDT")
	_, err := p.ApplyTrade(true, decimal.Zero, d("100"))
	assert.Error(t, err)
	_, err = p.ApplyTrade(true, d("1"), decimal.Zero)
	assert.Error(t, err)
}
