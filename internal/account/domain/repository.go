package domain

import "context"

// AccountRepository 账户仓储接口
type AccountRepository interface {
	// Save 保存或更新账户
	Save(ctx context.Context, account *Account) error
	// Get 根据账户 ID 获取账户
	Get(ctx context.Context, accountID string) (*Account, error)
	// ListActive 列出全部活跃账户（对账调度使用）
	ListActive(ctx context.Context) ([]*Account, error)
	// Delete 删除账户行（仅由显式编排的关闭流程调用）
	Delete(ctx context.Context, accountID string) error
}

// BalanceRepository 余额仓储接口
type BalanceRepository interface {
	// Save 保存或更新余额
	Save(ctx context.Context, balance *Balance) error
	// Get 获取指定币种余额；不存在时返回 nil
	Get(ctx context.Context, accountID, currency string) (*Balance, error)
	// GetOrCreate 获取指定币种余额，不存在时创建零余额
	GetOrCreate(ctx context.Context, accountID, currency string) (*Balance, error)
	// ListByAccount 列出账户全部余额
	ListByAccount(ctx context.Context, accountID string) ([]*Balance, error)
	// DeleteByAccount 删除账户全部余额行（显式编排删除）
	DeleteByAccount(ctx context.Context, accountID string) error
}
