// Package application 实现成交回报的清算入账编排。
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"

	accountdomain "github.com/wyfcoding/cryptoledger/internal/account/domain"
	accountredis "github.com/wyfcoding/cryptoledger/internal/account/infrastructure/persistence/redis"
	auditdomain "github.com/wyfcoding/cryptoledger/internal/audit/domain"
	"github.com/wyfcoding/cryptoledger/internal/clearing/domain"
	orderdomain "github.com/wyfcoding/cryptoledger/internal/order/domain"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
	positionredis "github.com/wyfcoding/cryptoledger/internal/position/infrastructure/persistence/redis"
	recondomain "github.com/wyfcoding/cryptoledger/internal/reconciliation/domain"
	riskapp "github.com/wyfcoding/cryptoledger/internal/risk/application"
	riskdomain "github.com/wyfcoding/cryptoledger/internal/risk/domain"
	"github.com/wyfcoding/cryptoledger/pkg/algos"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
	"github.com/wyfcoding/cryptoledger/pkg/metrics"
)

// ErrUnknownOrder 成交回报引用了账本中不存在的订单
var ErrUnknownOrder = errors.New("fill references unknown order")

// FillReport 交易所成交回报
type FillReport struct {
	ExecutionID string          `json:"execution_id"`
	OrderID     string          `json:"order_id"`
	AccountID   string          `json:"account_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	Timestamp   time.Time       `json:"timestamp"`
}

// quarantineError 成交被隔离的内部信号，携带原因；主事务据此回滚
type quarantineError struct {
	reason string
	cause  error
}

func (e *quarantineError) Error() string { return e.reason }
func (e *quarantineError) Unwrap() error { return e.cause }

// FillAggregator 成交清算服务。每笔回报在单个数据库事务内完成：
// 订单状态迁移、持仓净额结转、资金结算、成交落库、绩效累加与审计。
// execution_id 幂等：完全重复的回报告警后丢弃；超量成交隔离并生成差异记录。
type FillAggregator struct {
	orderRepo     orderdomain.OrderRepository
	accountRepo   accountdomain.AccountRepository
	balanceRepo   accountdomain.BalanceRepository
	positionRepo  positiondomain.PositionRepository
	perfRepo      positiondomain.PerformanceRepository
	tradeRepo     domain.TradeRepository
	reconRepo     recondomain.ReconciliationRepository
	auditRepo     auditdomain.AuditRepository
	riskSvc       *riskapp.RiskEventService
	slots         *algos.KeyedMutex
	db            *db.DB
	balanceCache  *accountredis.BalanceCache
	positionCache *positionredis.PositionCache
	metrics       *metrics.Metrics
}

// NewFillAggregator 创建成交清算服务
func NewFillAggregator(
	orderRepo orderdomain.OrderRepository,
	accountRepo accountdomain.AccountRepository,
	balanceRepo accountdomain.BalanceRepository,
	positionRepo positiondomain.PositionRepository,
	perfRepo positiondomain.PerformanceRepository,
	tradeRepo domain.TradeRepository,
	reconRepo recondomain.ReconciliationRepository,
	auditRepo auditdomain.AuditRepository,
	riskSvc *riskapp.RiskEventService,
	slots *algos.KeyedMutex,
	database *db.DB,
	balanceCache *accountredis.BalanceCache,
	positionCache *positionredis.PositionCache,
	m *metrics.Metrics,
) *FillAggregator {
	return &FillAggregator{
		orderRepo:     orderRepo,
		accountRepo:   accountRepo,
		balanceRepo:   balanceRepo,
		positionRepo:  positionRepo,
		perfRepo:      perfRepo,
		tradeRepo:     tradeRepo,
		reconRepo:     reconRepo,
		auditRepo:     auditRepo,
		riskSvc:       riskSvc,
		slots:         slots,
		db:            database,
		balanceCache:  balanceCache,
		positionCache: positionCache,
		metrics:       m,
	}
}

// IngestFill 入账一笔成交回报。
// 返回 nil 表示已入账或已作为重复回报安全丢弃；
// 返回 orderdomain.ErrOverfill / ErrUnknownOrder 表示回报被隔离。
func (s *FillAggregator) IngestFill(ctx context.Context, report *FillReport) error {
	if report.ExecutionID == "" || report.OrderID == "" {
		return fmt.Errorf("fill report missing execution_id or order_id")
	}
	if !report.Quantity.IsPositive() || !report.Price.IsPositive() {
		return fmt.Errorf("fill report quantity and price must be positive")
	}

	order, err := s.orderRepo.Get(ctx, report.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		if qerr := s.quarantine(ctx, report, report.AccountID, "unknown order"); qerr != nil {
			return qerr
		}
		return fmt.Errorf("%w: order_id=%s execution_id=%s",
			ErrUnknownOrder, report.OrderID, report.ExecutionID)
	}

	accountID := order.AccountID
	release, err := s.slots.Lock(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to acquire account slot: %w", err)
	}
	defer release()

	var realized decimal.Decimal
	var duplicate bool
	err = s.db.Transaction(ctx, func(txCtx context.Context) error {
		exists, err := s.tradeRepo.ExistsExecution(txCtx, report.ExecutionID)
		if err != nil {
			return err
		}
		if exists {
			duplicate = true
			return nil
		}

		order, err = s.orderRepo.Get(txCtx, report.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return &quarantineError{reason: "unknown order"}
		}

		account, err := s.accountRepo.Get(txCtx, order.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("account %s not found for order %s", order.AccountID, order.OrderID)
		}
		if err := account.CanMutate(); err != nil {
			return err
		}

		if !order.RiskApproved {
			return &quarantineError{reason: "fill on order without risk approval", cause: orderdomain.ErrInvalidTransition}
		}
		if order.Status.IsTerminal() {
			return &quarantineError{
				reason: fmt.Sprintf("fill on %s order", order.Status),
				cause:  orderdomain.ErrInvalidTransition,
			}
		}
		if report.Quantity.GreaterThan(order.RemainingQuantity) {
			return &quarantineError{
				reason: fmt.Sprintf("fill quantity %s exceeds remaining %s", report.Quantity, order.RemainingQuantity),
				cause:  orderdomain.ErrOverfill,
			}
		}

		lockPrice := order.NotionalPrice()
		if err := order.ApplyFill(report.Quantity, report.Price); err != nil {
			return err
		}

		position, err := s.positionRepo.GetOrCreate(txCtx, order.AccountID, order.Symbol)
		if err != nil {
			return err
		}
		realized, err = position.ApplyTrade(order.Side == orderdomain.OrderSideBuy, report.Quantity, report.Price)
		if err != nil {
			return err
		}
		position.MarkToMarket(report.Price)

		if err := s.settleBalances(txCtx, order, report, lockPrice); err != nil {
			return err
		}

		trade := &domain.Trade{
			ExecutionID: report.ExecutionID,
			OrderID:     order.OrderID,
			AccountID:   order.AccountID,
			Symbol:      order.Symbol,
			Side:        string(order.Side),
			Quantity:    report.Quantity,
			Price:       report.Price,
			Fee:         report.Fee,
			FeeCurrency: report.FeeCurrency,
			RealizedPnL: realized,
			ExecutedAt:  report.Timestamp,
		}
		if err := s.tradeRepo.Append(txCtx, trade); err != nil {
			return err
		}

		perf, err := s.perfRepo.GetOrCreate(txCtx, order.AccountID, utcDay(report.Timestamp))
		if err != nil {
			return err
		}
		perf.Accrue(realized, report.Fee, trade.Notional())
		if err := s.perfRepo.Save(txCtx, perf); err != nil {
			return err
		}

		if err := s.orderRepo.Save(txCtx, order); err != nil {
			return err
		}
		if err := s.positionRepo.Save(txCtx, position); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			order.AccountID, "FILL_AGGREGATOR", "FILL_SETTLED", "trade", report.ExecutionID, trade))
	})

	if duplicate {
		logger.Warn(ctx, "duplicate fill dropped",
			"execution_id", report.ExecutionID, "order_id", report.OrderID)
		if s.metrics != nil {
			s.metrics.FillsDuplicated.Inc()
		}
		return nil
	}

	var qerr *quarantineError
	if errors.As(err, &qerr) {
		if ferr := s.quarantine(ctx, report, accountID, qerr.reason); ferr != nil {
			return ferr
		}
		if qerr.cause != nil {
			return fmt.Errorf("fill quarantined: %s: %w", qerr.reason, qerr.cause)
		}
		return fmt.Errorf("fill quarantined: %s", qerr.reason)
	}
	if err != nil {
		if errors.Is(err, accountdomain.ErrInsufficientFunds) {
			if merr := s.riskSvc.RecordMarginMiss(ctx, accountID, report.OrderID, report.FeeCurrency); merr != nil {
				logger.Error(ctx, "margin miss escalation failed", "account_id", accountID, "error", merr)
			}
		}
		if errors.Is(err, accountdomain.ErrLedgerInvariant) {
			if serr := s.suspendAccount(ctx, accountID, err.Error()); serr != nil {
				logger.Error(ctx, "account suspension failed", "account_id", accountID, "error", serr)
			}
		}
		return err
	}

	s.balanceCache.Invalidate(ctx, accountID)
	s.positionCache.Invalidate(ctx, accountID)
	s.riskSvc.ClearMarginMiss(accountID)
	if s.metrics != nil {
		s.metrics.FillsIngested.Inc()
		if order.Status == orderdomain.OrderStatusFilled {
			s.metrics.OrdersFilled.Inc()
		}
	}
	logger.Info(ctx, "fill settled",
		"execution_id", report.ExecutionID, "order_id", order.OrderID,
		"account_id", order.AccountID, "quantity", report.Quantity.String(),
		"price", report.Price.String(), "realized_pnl", realized.String(),
		"order_status", order.Status)
	return nil
}

// settleBalances 资金结算。买单：按锁定价解锁计价币，按成交价出账，基础币入账；
// 卖单：解锁并出账基础币，按成交价入账计价币。手续费从其币种余额出账。
func (s *FillAggregator) settleBalances(ctx context.Context, order *orderdomain.Order,
	report *FillReport, lockPrice decimal.Decimal) error {

	base, quote, err := domain.SplitSymbol(order.Symbol)
	if err != nil {
		return err
	}
	baseBal, err := s.balanceRepo.GetOrCreate(ctx, order.AccountID, base)
	if err != nil {
		return err
	}
	quoteBal, err := s.balanceRepo.GetOrCreate(ctx, order.AccountID, quote)
	if err != nil {
		return err
	}

	if order.Side == orderdomain.OrderSideBuy {
		if err := quoteBal.Unlock(report.Quantity.Mul(lockPrice)); err != nil {
			return err
		}
		if err := quoteBal.Debit(report.Quantity.Mul(report.Price)); err != nil {
			return err
		}
		if err := baseBal.Credit(report.Quantity); err != nil {
			return err
		}
	} else {
		if err := baseBal.Unlock(report.Quantity); err != nil {
			return err
		}
		if err := baseBal.Debit(report.Quantity); err != nil {
			return err
		}
		if err := quoteBal.Credit(report.Quantity.Mul(report.Price)); err != nil {
			return err
		}
	}

	if report.Fee.IsPositive() {
		feeCurrency := report.FeeCurrency
		if feeCurrency == "" {
			feeCurrency = quote
		}
		feeBal := quoteBal
		switch feeCurrency {
		case quote:
		case base:
			feeBal = baseBal
		default:
			feeBal, err = s.balanceRepo.GetOrCreate(ctx, order.AccountID, feeCurrency)
			if err != nil {
				return err
			}
		}
		if err := feeBal.Debit(report.Fee); err != nil {
			return err
		}
		if feeBal != quoteBal && feeBal != baseBal {
			if err := s.balanceRepo.Save(ctx, feeBal); err != nil {
				return err
			}
		}
	}

	if err := s.balanceRepo.Save(ctx, baseBal); err != nil {
		return err
	}
	return s.balanceRepo.Save(ctx, quoteBal)
}

// quarantine 在独立事务中登记被隔离的成交：差异记录 + 审计。
// 账本本身不变，待对账流程人工处理。
func (s *FillAggregator) quarantine(ctx context.Context, report *FillReport, accountID, reason string) error {
	logger.Warn(ctx, "fill quarantined",
		"execution_id", report.ExecutionID, "order_id", report.OrderID,
		"account_id", accountID, "reason", reason)
	if s.metrics != nil {
		s.metrics.FillsQuarantine.Inc()
	}

	return s.db.Transaction(ctx, func(txCtx context.Context) error {
		record, err := s.reconRepo.GetByRef(txCtx, accountID, recondomain.RecordTypeTrade, report.ExecutionID)
		if err != nil {
			return err
		}
		if record == nil {
			record = &recondomain.ReconciliationRecord{
				RecordID:  fmt.Sprintf("RCN-%d", idgen.GenID()),
				AccountID: accountID,
				Type:      recondomain.RecordTypeTrade,
				RefID:     report.ExecutionID,
			}
		}
		expected := fmt.Sprintf(`{"reason":%q}`, reason)
		actual := fmt.Sprintf(`{"order_id":%q,"quantity":%q,"price":%q}`,
			report.OrderID, report.Quantity.String(), report.Price.String())
		if err := record.MarkDiscrepancy("", expected, actual); err != nil {
			return err
		}
		if err := s.reconRepo.Save(txCtx, record); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			accountID, "FILL_AGGREGATOR", "FILL_QUARANTINED", "trade", report.ExecutionID,
			map[string]string{"reason": reason, "order_id": report.OrderID}))
	})
}

// suspendAccount 账本不变量被破坏时冻结账户：后续变更全部拒绝，
// 直到人工对账把差异出清后由对账引擎恢复。
func (s *FillAggregator) suspendAccount(ctx context.Context, accountID, reason string) error {
	err := s.db.Transaction(ctx, func(txCtx context.Context) error {
		account, err := s.accountRepo.Get(txCtx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("account %s not found", accountID)
		}
		account.Suspend()
		if err := s.accountRepo.Save(txCtx, account); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			accountID, "SYSTEM", "ACCOUNT_SUSPENDED", "account", accountID,
			map[string]string{"reason": reason}))
	})
	if err != nil {
		return err
	}
	_, err = s.riskSvc.Raise(ctx, accountID, riskdomain.RiskEventLargeLoss, riskdomain.SeverityCritical,
		riskdomain.NewDetails("ledger_invariant", map[string]string{"reason": reason}))
	return err
}

// ListTrades 按账户分页查询成交
func (s *FillAggregator) ListTrades(ctx context.Context, accountID string, limit, offset int) ([]*domain.Trade, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.tradeRepo.ListByAccount(ctx, accountID, limit, offset)
}

func utcDay(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02")
}
