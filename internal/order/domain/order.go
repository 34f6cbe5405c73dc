// Package domain 包含订单的领域模型与状态机。
package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStop         OrderType = "STOP"
	OrderTypeStopLimit    OrderType = "STOP_LIMIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	// OrderStatusPending 已创建，待风控准入
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusOpen 已通过风控并锁定资金，等待交易所回报
	OrderStatusOpen OrderStatus = "OPEN"
	// OrderStatusPartiallyFilled 部分成交
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// OrderStatusFilled 全部成交（终态）
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCancelled 已取消（终态）
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRejected 风控拒绝（终态，从未锁定资金）
	OrderStatusRejected OrderStatus = "REJECTED"
)

// IsTerminal 是否为终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// ErrValidation 订单字段校验失败
var ErrValidation = errors.New("order validation failed")

// ErrOverfill 成交数量超出订单剩余数量
var ErrOverfill = errors.New("fill quantity exceeds order remaining quantity")

// ErrInvalidTransition 非法状态迁移
var ErrInvalidTransition = errors.New("invalid order state transition")

// Order 订单实体
// 不变量：任意已提交状态下 FilledQuantity + RemainingQuantity == Quantity。
type Order struct {
	gorm.Model
	// 订单 ID (业务主键)，全局唯一
	OrderID string `gorm:"column:order_id;type:varchar(32);uniqueIndex;not null" json:"order_id"`
	// 客户端自定义订单 ID，幂等去重用
	ClientOrderID string `gorm:"column:client_order_id;type:varchar(64);index" json:"client_order_id"`
	// 交易所回报的订单 ID
	ExchangeOrderID string `gorm:"column:exchange_order_id;type:varchar(64);index" json:"exchange_order_id"`
	// 账户 ID
	AccountID string `gorm:"column:account_id;type:varchar(32);index;not null" json:"account_id"`
	// 交易对（如 BTC/USDT）
	Symbol string `gorm:"column:symbol;type:varchar(20);index;not null" json:"symbol"`
	// 方向
	Side OrderSide `gorm:"column:side;type:varchar(4);not null" json:"side"`
	// 类型
	Type OrderType `gorm:"column:type;type:varchar(15);not null" json:"type"`
	// 限价（LIMIT / STOP_LIMIT）
	Price decimal.Decimal `gorm:"column:price;type:decimal(32,18)" json:"price"`
	// 触发价（STOP / STOP_LIMIT）
	StopPrice decimal.Decimal `gorm:"column:stop_price;type:decimal(32,18)" json:"stop_price"`
	// 跟踪偏移（TRAILING_STOP）
	TrailOffset decimal.Decimal `gorm:"column:trail_offset;type:decimal(32,18)" json:"trail_offset"`
	// 参考价：市价单无限价，风控与资金锁定按提交时的行情参考价计算
	RefPrice decimal.Decimal `gorm:"column:ref_price;type:decimal(32,18)" json:"ref_price"`
	// 委托数量
	Quantity decimal.Decimal `gorm:"column:quantity;type:decimal(32,18);not null" json:"quantity"`
	// 已成交数量
	FilledQuantity decimal.Decimal `gorm:"column:filled_quantity;type:decimal(32,18);not null;default:0" json:"filled_quantity"`
	// 剩余数量
	RemainingQuantity decimal.Decimal `gorm:"column:remaining_quantity;type:decimal(32,18);not null" json:"remaining_quantity"`
	// 成交均价
	AvgFillPrice decimal.Decimal `gorm:"column:avg_fill_price;type:decimal(32,18);not null;default:0" json:"avg_fill_price"`
	// 是否通过风控准入；任何成交到达前必须为 true
	RiskApproved bool `gorm:"column:risk_approved;not null;default:false" json:"risk_approved"`
	// 拒绝原因
	RejectReason string `gorm:"column:reject_reason;type:varchar(255)" json:"reject_reason"`
	// 是否已请求取消（取消在途，等待交易所确认）
	CancelRequested bool `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
	// 状态
	Status OrderStatus `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
}

// TableName 指定表名
func (Order) TableName() string {
	return "orders"
}

// NewOrder 创建待准入订单
func NewOrder(orderID, clientOrderID, accountID, symbol string, side OrderSide, typ OrderType,
	price, stopPrice, trailOffset, refPrice, quantity decimal.Decimal) *Order {
	return &Order{
		OrderID:           orderID,
		ClientOrderID:     clientOrderID,
		AccountID:         accountID,
		Symbol:            symbol,
		Side:              side,
		Type:              typ,
		Price:             price,
		StopPrice:         stopPrice,
		TrailOffset:       trailOffset,
		RefPrice:          refPrice,
		Quantity:          quantity,
		RemainingQuantity: quantity,
		Status:            OrderStatusPending,
	}
}

// Validate 按订单类型校验字段
func (o *Order) Validate() error {
	if o.AccountID == "" || o.Symbol == "" {
		return fmt.Errorf("%w: account_id and symbol are required", ErrValidation)
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("%w: unknown side %q", ErrValidation, o.Side)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrValidation, o.Quantity)
	}
	switch o.Type {
	case OrderTypeMarket:
		if !o.RefPrice.IsPositive() {
			return fmt.Errorf("%w: market order requires a positive reference price", ErrValidation)
		}
	case OrderTypeLimit:
		if !o.Price.IsPositive() {
			return fmt.Errorf("%w: limit order requires a positive price", ErrValidation)
		}
	case OrderTypeStop:
		if !o.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop order requires a positive stop price", ErrValidation)
		}
	case OrderTypeStopLimit:
		if !o.Price.IsPositive() || !o.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop limit order requires positive price and stop price", ErrValidation)
		}
	case OrderTypeTrailingStop:
		if !o.TrailOffset.IsPositive() {
			return fmt.Errorf("%w: trailing stop order requires a positive trail offset", ErrValidation)
		}
		if !o.RefPrice.IsPositive() {
			return fmt.Errorf("%w: trailing stop order requires a positive reference price", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrValidation, o.Type)
	}
	return nil
}

// NotionalPrice 风控与资金锁定使用的价格口径：
// 限价单用限价，止损类用触发价，其余用参考价。
func (o *Order) NotionalPrice() decimal.Decimal {
	if o.Price.IsPositive() {
		return o.Price
	}
	if o.StopPrice.IsPositive() {
		return o.StopPrice
	}
	return o.RefPrice
}

// Notional 名义价值 = 委托数量 × 名义价格
func (o *Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.NotionalPrice())
}

// Admit 风控准入：PENDING -> OPEN，标记资金已锁定
func (o *Order) Admit() error {
	if o.Status != OrderStatusPending {
		return fmt.Errorf("%w: admit from %s", ErrInvalidTransition, o.Status)
	}
	o.Status = OrderStatusOpen
	o.RiskApproved = true
	return nil
}

// Reject 风控拒绝：PENDING -> REJECTED，从未锁定资金
func (o *Order) Reject(reason string) error {
	if o.Status != OrderStatusPending {
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, o.Status)
	}
	o.Status = OrderStatusRejected
	o.RejectReason = reason
	return nil
}

// AcknowledgeExchange 记录交易所回报的订单 ID
func (o *Order) AcknowledgeExchange(exchangeOrderID string) error {
	if o.Status != OrderStatusOpen && o.Status != OrderStatusPartiallyFilled {
		return fmt.Errorf("%w: exchange ack on %s order", ErrInvalidTransition, o.Status)
	}
	o.ExchangeOrderID = exchangeOrderID
	return nil
}

// ApplyFill 应用一笔成交：更新已成交/剩余数量与加权均价。
// 超出剩余数量返回 ErrOverfill，订单不变。
func (o *Order) ApplyFill(quantity, price decimal.Decimal) error {
	if !o.RiskApproved {
		return fmt.Errorf("%w: fill on order without risk approval", ErrInvalidTransition)
	}
	if o.Status != OrderStatusOpen && o.Status != OrderStatusPartiallyFilled {
		return fmt.Errorf("%w: fill on %s order", ErrInvalidTransition, o.Status)
	}
	if !quantity.IsPositive() || !price.IsPositive() {
		return fmt.Errorf("%w: fill quantity and price must be positive", ErrValidation)
	}
	if quantity.GreaterThan(o.RemainingQuantity) {
		return fmt.Errorf("%w: order=%s fill=%s remaining=%s",
			ErrOverfill, o.OrderID, quantity, o.RemainingQuantity)
	}

	notionalBefore := o.AvgFillPrice.Mul(o.FilledQuantity)
	o.FilledQuantity = o.FilledQuantity.Add(quantity)
	o.RemainingQuantity = o.RemainingQuantity.Sub(quantity)
	o.AvgFillPrice = notionalBefore.Add(price.Mul(quantity)).Div(o.FilledQuantity)

	if o.RemainingQuantity.IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	return nil
}

// RequestCancel 标记取消在途；订单已终态时报错
func (o *Order) RequestCancel() error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: cancel request on %s order", ErrInvalidTransition, o.Status)
	}
	o.CancelRequested = true
	return nil
}

// Cancel 确认取消：PENDING / OPEN / PARTIALLY_FILLED -> CANCELLED。
// 剩余数量保持不变；PENDING 订单从未锁定资金，调用方只对已准入订单解锁。
func (o *Order) Cancel() error {
	switch o.Status {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
	default:
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, o.Status)
	}
	o.Status = OrderStatusCancelled
	return nil
}
