package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshot 交易所侧单币种余额
type BalanceSnapshot struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total 交易所侧总余额
func (b BalanceSnapshot) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// PositionSnapshot 交易所侧单交易对持仓
type PositionSnapshot struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// OpenOrderSnapshot 交易所侧在途订单
type OpenOrderSnapshot struct {
	ExchangeOrderID   string          `json:"exchange_order_id"`
	ClientOrderID     string          `json:"client_order_id"`
	Symbol            string          `json:"symbol"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
}

// ExecutionSnapshot 交易所侧成交回报摘要
type ExecutionSnapshot struct {
	ExecutionID string          `json:"execution_id"`
	OrderID     string          `json:"order_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// ExchangeSnapshot 交易所权威状态快照，对账引擎的比对基准。
// 由交易所适配器经消息队列推送，引擎缓存每账户最新一份。
type ExchangeSnapshot struct {
	AccountID  string              `json:"account_id"`
	Balances   []BalanceSnapshot   `json:"balances"`
	Positions  []PositionSnapshot  `json:"positions"`
	OpenOrders []OpenOrderSnapshot `json:"open_orders"`
	Executions []ExecutionSnapshot `json:"executions"`
	TakenAt    time.Time           `json:"taken_at"`
}
