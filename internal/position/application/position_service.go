// Package application 实现持仓与绩效的查询用例。
package application

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/cryptoledger/internal/position/domain"
	positionredis "github.com/wyfcoding/cryptoledger/internal/position/infrastructure/persistence/redis"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

// ErrPositionNotFound 持仓不存在
var ErrPositionNotFound = errors.New("position not found")

// PositionService 持仓查询服务。持仓的全部写路径都在成交清算事务内，
// 本服务只提供读视图与按标记价的估值刷新。
type PositionService struct {
	repo     domain.PositionRepository
	perfRepo domain.PerformanceRepository
	cache    *positionredis.PositionCache
}

// NewPositionService 创建持仓查询服务
func NewPositionService(repo domain.PositionRepository, perfRepo domain.PerformanceRepository,
	cache *positionredis.PositionCache) *PositionService {
	return &PositionService{repo: repo, perfRepo: perfRepo, cache: cache}
}

// GetPosition 查询单交易对持仓
func (s *PositionService) GetPosition(ctx context.Context, accountID, symbol string) (*domain.Position, error) {
	position, err := s.repo.Get(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, ErrPositionNotFound
	}
	return position, nil
}

// ListPositions 查询账户全部持仓，读路径走缓存
func (s *PositionService) ListPositions(ctx context.Context, accountID string) ([]*domain.Position, error) {
	if cached, err := s.cache.Get(ctx, accountID); err == nil && cached != nil {
		return cached, nil
	} else if err != nil {
		logger.Warn(ctx, "position cache read failed, falling back to db", "account_id", accountID, "error", err)
	}

	positions, err := s.repo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, accountID, positions)
	return positions, nil
}

// MarkToMarket 按最新标记价刷新估值，返回刷新后的持仓
func (s *PositionService) MarkToMarket(ctx context.Context, accountID, symbol string, markPrice decimal.Decimal) (*domain.Position, error) {
	if !markPrice.IsPositive() {
		return nil, errors.New("mark price must be positive")
	}
	position, err := s.GetPosition(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}
	position.MarkToMarket(markPrice)
	if err := s.repo.Save(ctx, position); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, accountID)
	return position, nil
}

// ListPerformance 查询账户每日绩效
func (s *PositionService) ListPerformance(ctx context.Context, accountID string, limit int) ([]*domain.PerformanceMetric, error) {
	if limit <= 0 || limit > 365 {
		limit = 30
	}
	return s.perfRepo.ListByAccount(ctx, accountID, limit)
}
