package domain

import "context"

// OrderRepository 订单仓储接口
type OrderRepository interface {
	// Save 保存或更新订单
	Save(ctx context.Context, order *Order) error
	// Get 根据订单 ID 获取订单
	Get(ctx context.Context, orderID string) (*Order, error)
	// GetByClientOrderID 根据客户端订单 ID 获取订单（幂等提交检查）
	GetByClientOrderID(ctx context.Context, accountID, clientOrderID string) (*Order, error)
	// ListOpenByAccount 列出账户全部非终态订单
	ListOpenByAccount(ctx context.Context, accountID string) ([]*Order, error)
	// ListByAccount 按账户分页查询
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*Order, int64, error)
	// DeleteByAccount 删除账户全部订单行（显式编排删除）
	DeleteByAccount(ctx context.Context, accountID string) error
}
