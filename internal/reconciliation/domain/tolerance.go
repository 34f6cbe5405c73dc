package domain

import "github.com/shopspring/decimal"

// Tolerances 对账容差。数值差异小于等于交易对最小变动单位（lot size）
// 视为一致，避免交易所端舍入造成伪差异。
type Tolerances struct {
	defaultTol decimal.Decimal
	lotSizes   map[string]decimal.Decimal
}

// NewTolerances 创建容差表；未配置的交易对使用默认容差。
func NewTolerances(defaultTol decimal.Decimal, lotSizes map[string]decimal.Decimal) *Tolerances {
	if lotSizes == nil {
		lotSizes = make(map[string]decimal.Decimal)
	}
	return &Tolerances{defaultTol: defaultTol, lotSizes: lotSizes}
}

// For 返回指定交易对（或币种）的容差
func (t *Tolerances) For(symbol string) decimal.Decimal {
	if tol, ok := t.lotSizes[symbol]; ok {
		return tol
	}
	return t.defaultTol
}

// Within 两值之差是否在容差内
func (t *Tolerances) Within(symbol string, a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(t.For(symbol))
}
