// Package redis 提供余额查询的缓存层。
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/cryptoledger/internal/account/domain"
	"github.com/wyfcoding/cryptoledger/pkg/cache"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

const balanceCacheTTL = 30 * time.Second

// BalanceCache 余额读缓存。写路径在事务提交后失效对应键，
// 缓存未命中时由应用服务回源数据库并回填。
type BalanceCache struct {
	cache *cache.RedisCache
}

// NewBalanceCache 创建余额缓存实例
func NewBalanceCache(c *cache.RedisCache) *BalanceCache {
	return &BalanceCache{cache: c}
}

func balancesKey(accountID string) string {
	return fmt.Sprintf("ledger:balances:%s", accountID)
}

// Get 读取账户全部余额；未命中（或缓存未启用）返回 (nil, nil)
func (c *BalanceCache) Get(ctx context.Context, accountID string) ([]*domain.Balance, error) {
	if c == nil || c.cache == nil {
		return nil, nil
	}
	var balances []*domain.Balance
	found, err := c.cache.GetJSON(ctx, balancesKey(accountID), &balances)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return balances, nil
}

// Set 回填账户全部余额
func (c *BalanceCache) Set(ctx context.Context, accountID string, balances []*domain.Balance) {
	if c == nil || c.cache == nil {
		return
	}
	if err := c.cache.SetJSON(ctx, balancesKey(accountID), balances, balanceCacheTTL); err != nil {
		logger.Warn(ctx, "balance cache set failed", "account_id", accountID, "error", err)
	}
}

// Invalidate 余额变更提交后失效缓存
func (c *BalanceCache) Invalidate(ctx context.Context, accountID string) {
	if c == nil || c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, balancesKey(accountID)); err != nil {
		logger.Warn(ctx, "balance cache invalidate failed", "account_id", accountID, "error", err)
	}
}
