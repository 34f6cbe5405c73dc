package application

import (
	"context"
	"time"

	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

// Scheduler 周期性对全部持有快照的账户执行对账
type Scheduler struct {
	engine   *Engine
	interval time.Duration
}

// NewScheduler 创建对账调度器
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{engine: engine, interval: interval}
}

// Run 阻塞运行，直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info(ctx, "reconciliation scheduler started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "reconciliation scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	accounts := s.engine.SnapshotAccounts()
	if len(accounts) == 0 {
		return
	}
	defer logger.LogDuration(ctx, "reconciliation sweep completed", "accounts", len(accounts))()

	for _, accountID := range accounts {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.engine.RunPass(ctx, accountID); err != nil {
			logger.Error(ctx, "reconciliation pass failed", "account_id", accountID, "error", err)
		}
	}
}
