// Package redis 提供持仓查询的缓存层。
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/cryptoledger/internal/position/domain"
	"github.com/wyfcoding/cryptoledger/pkg/cache"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

const positionCacheTTL = 30 * time.Second

// PositionCache 持仓读缓存，写路径在事务提交后失效对应键。
type PositionCache struct {
	cache *cache.RedisCache
}

// NewPositionCache 创建持仓缓存实例
func NewPositionCache(c *cache.RedisCache) *PositionCache {
	return &PositionCache{cache: c}
}

func positionsKey(accountID string) string {
	return fmt.Sprintf("ledger:positions:%s", accountID)
}

// Get 读取账户全部持仓；未命中（或缓存未启用）返回 (nil, nil)
func (c *PositionCache) Get(ctx context.Context, accountID string) ([]*domain.Position, error) {
	if c == nil || c.cache == nil {
		return nil, nil
	}
	var positions []*domain.Position
	found, err := c.cache.GetJSON(ctx, positionsKey(accountID), &positions)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return positions, nil
}

// Set 回填账户全部持仓
func (c *PositionCache) Set(ctx context.Context, accountID string, positions []*domain.Position) {
	if c == nil || c.cache == nil {
		return
	}
	if err := c.cache.SetJSON(ctx, positionsKey(accountID), positions, positionCacheTTL); err != nil {
		logger.Warn(ctx, "position cache set failed", "account_id", accountID, "error", err)
	}
}

// Invalidate 持仓变更提交后失效缓存
func (c *PositionCache) Invalidate(ctx context.Context, accountID string) {
	if c == nil || c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, positionsKey(accountID)); err != nil {
		logger.Warn(ctx, "position cache invalidate failed", "account_id", accountID, "error", err)
	}
}
