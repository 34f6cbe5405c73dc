// Package application 实现订单生命周期的用例编排。
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
	clearingdomain "github.com/wyfcoding/cryptoledger/internal/clearing/domain"
	"github.com/wyfcoding/cryptoledger/internal/order/domain"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
	riskapp "github.com/wyfcoding/cryptoledger/internal/risk/application"
	riskdomain "github.com/wyfcoding/cryptoledger/internal/risk/domain"
	"github.com/wyfcoding/cryptoledger/pkg/algos"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
	"github.com/wyfcoding/cryptoledger/pkg/metrics"
)

// ErrAccountNotFound 账户不存在
var ErrAccountNotFound = errors.New("account not found")

// ErrOrderNotFound 订单不存在
var ErrOrderNotFound = errors.New("order not found")

// SubmitOrderRequest 下单请求
type SubmitOrderRequest struct {
	AccountID     string `json:"account_id" binding:"required"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol" binding:"required"`
	Side          string `json:"side" binding:"required"`
	Type          string `json:"type" binding:"required"`
	Price         string `json:"price"`
	StopPrice     string `json:"stop_price"`
	TrailOffset   string `json:"trail_offset"`
	RefPrice      string `json:"ref_price"`
	Quantity      string `json:"quantity" binding:"required"`
}

// OrderService 订单应用服务。
// 同一账户的全部写路径经执行槽串行化，资金锁定与状态迁移在单个数据库事务内提交。
type OrderService struct {
	orderRepo    domain.OrderRepository
	accountRepo  accountdomain.AccountRepository
	balanceRepo  accountdomain.BalanceRepository
	positionRepo positiondomain.PositionRepository
	auditRepo    auditdomain.AuditRepository
	gate         *riskdomain.Gate
	riskSvc      *riskapp.RiskEventService
	slots        *algos.KeyedMutex
	db           *db.DB
	balanceCache *accountredis.BalanceCache
	metrics      *metrics.Metrics
}

// NewOrderService 创建订单应用服务
func NewOrderService(
	orderRepo domain.OrderRepository,
	accountRepo accountdomain.AccountRepository,
	balanceRepo accountdomain.BalanceRepository,
	positionRepo positiondomain.PositionRepository,
	auditRepo auditdomain.AuditRepository,
	gate *riskdomain.Gate,
	riskSvc *riskapp.RiskEventService,
	slots *algos.KeyedMutex,
	database *db.DB,
	balanceCache *accountredis.BalanceCache,
	m *metrics.Metrics,
) *OrderService {
	return &OrderService{
		orderRepo:    orderRepo,
		accountRepo:  accountRepo,
		balanceRepo:  balanceRepo,
		positionRepo: positionRepo,
		auditRepo:    auditRepo,
		gate:         gate,
		riskSvc:      riskSvc,
		slots:        slots,
		db:           database,
		balanceCache: balanceCache,
		metrics:      m,
	}
}

// SubmitOrder 下单：校验 -> 风控准入 -> 锁定资金 -> 订单转 OPEN。
// 被风控拒绝的订单以 REJECTED 状态持久化并返回拒绝原因，资金从未锁定。
func (s *OrderService) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*domain.Order, error) {
	order, err := s.buildOrder(req)
	if err != nil {
		return nil, err
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	// 客户端订单 ID 幂等：重复提交返回首次结果
	if req.ClientOrderID != "" {
		existing, err := s.orderRepo.GetByClientOrderID(ctx, req.AccountID, req.ClientOrderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logger.Info(ctx, "duplicate client order id, returning existing order",
				"account_id", req.AccountID, "client_order_id", req.ClientOrderID,
				"order_id", existing.OrderID)
			return existing, nil
		}
	}

	release, err := s.lockAccount(ctx, order.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	var denial *riskdomain.Denial
	err = s.db.Transaction(ctx, func(txCtx context.Context) error {
		account, err := s.accountRepo.Get(txCtx, order.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrAccountNotFound
		}
		if err := account.CanMutate(); err != nil {
			return err
		}
		if !account.Verified {
			return accountdomain.ErrAccountNotVerified
		}

		base, quote, err := clearingdomain.SplitSymbol(order.Symbol)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		fundingCurrency := quote
		fundingAmount := order.Notional()
		if order.Side == domain.OrderSideSell {
			fundingCurrency = base
			fundingAmount = order.Quantity
		}

		position, err := s.positionRepo.Get(txCtx, order.AccountID, order.Symbol)
		if err != nil {
			return err
		}
		funding, err := s.balanceRepo.GetOrCreate(txCtx, order.AccountID, fundingCurrency)
		if err != nil {
			return err
		}

		now := time.Now()
		denial = s.gate.Evaluate(order, account, position, funding, now)
		if denial != nil {
			if err := order.Reject(denial.Reason); err != nil {
				return err
			}
			if err := s.orderRepo.Save(txCtx, order); err != nil {
				return err
			}
			if _, err := s.riskSvc.Raise(txCtx, order.AccountID,
				denialEventType(denial.Rule), riskdomain.SeverityMedium,
				riskdomain.NewDetails("limit_breach", riskdomain.LimitBreachDetails{
					Rule:      denial.Rule,
					Symbol:    order.Symbol,
					Reference: order.OrderID,
				})); err != nil {
				return err
			}
			return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
				order.AccountID, "RISK_GATE", "ORDER_REJECTED", "order", order.OrderID, denial))
		}

		if err := funding.Lock(fundingAmount); err != nil {
			return err
		}
		account.ConsumeDailyLimit(now, order.Notional())
		if err := order.Admit(); err != nil {
			return err
		}

		if err := s.balanceRepo.Save(txCtx, funding); err != nil {
			return err
		}
		if err := s.accountRepo.Save(txCtx, account); err != nil {
			return err
		}
		if err := s.orderRepo.Save(txCtx, order); err != nil {
			return err
		}
		// 通过准入的订单逐规则记录评估结果
		outcomes := make(map[string]string, len(s.gate.Rules()))
		for _, rule := range s.gate.Rules() {
			outcomes[rule] = "pass"
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			order.AccountID, "SYSTEM", "ORDER_SUBMITTED", "order", order.OrderID,
			map[string]any{"order": order, "rule_outcomes": outcomes}))
	})
	if err != nil {
		return nil, err
	}

	s.balanceCache.Invalidate(ctx, order.AccountID)
	if denial != nil {
		if s.metrics != nil {
			s.metrics.OrdersRejected.Inc()
		}
		logger.Info(ctx, "order rejected by risk gate",
			"order_id", order.OrderID, "rule", denial.Rule, "reason", denial.Reason)
		return order, denial
	}

	if s.metrics != nil {
		s.metrics.OrdersSubmitted.Inc()
	}
	logger.Info(ctx, "order admitted",
		"order_id", order.OrderID, "account_id", order.AccountID,
		"symbol", order.Symbol, "side", order.Side, "quantity", order.Quantity.String())
	return order, nil
}

// CancelOrder 取消订单并解锁剩余资金。
// 终态订单的取消请求返回 ErrInvalidTransition，账本不变。
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orderRepo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	release, err := s.lockAccount(ctx, order.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	err = s.db.Transaction(ctx, func(txCtx context.Context) error {
		// 槽内重读，提交前的并发成交可能已改变状态
		order, err = s.orderRepo.Get(txCtx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrOrderNotFound
		}
		if err := order.RequestCancel(); err != nil {
			return err
		}
		remaining := order.RemainingQuantity
		approved := order.RiskApproved
		if err := order.Cancel(); err != nil {
			return err
		}

		// 未准入的订单从未锁定资金，无可解锁
		if approved && remaining.IsPositive() {
			base, quote, err := clearingdomain.SplitSymbol(order.Symbol)
			if err != nil {
				return err
			}
			currency := quote
			amount := remaining.Mul(order.NotionalPrice())
			if order.Side == domain.OrderSideSell {
				currency = base
				amount = remaining
			}
			funding, err := s.balanceRepo.GetOrCreate(txCtx, order.AccountID, currency)
			if err != nil {
				return err
			}
			if err := funding.Unlock(amount); err != nil {
				return err
			}
			if err := s.balanceRepo.Save(txCtx, funding); err != nil {
				return err
			}
		}

		if err := s.orderRepo.Save(txCtx, order); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			order.AccountID, "SYSTEM", "ORDER_CANCELLED", "order", order.OrderID, order))
	})
	if err != nil {
		return nil, err
	}

	s.balanceCache.Invalidate(ctx, order.AccountID)
	if s.metrics != nil {
		s.metrics.OrdersCancelled.Inc()
	}
	logger.Info(ctx, "order cancelled", "order_id", order.OrderID, "account_id", order.AccountID)
	return order, nil
}

// HandleOrderAck 记录交易所回报的订单 ID
func (s *OrderService) HandleOrderAck(ctx context.Context, orderID, exchangeOrderID string) error {
	order, err := s.orderRepo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	release, err := s.lockAccount(ctx, order.AccountID)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Transaction(ctx, func(txCtx context.Context) error {
		order, err = s.orderRepo.Get(txCtx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err := order.AcknowledgeExchange(exchangeOrderID); err != nil {
			return err
		}
		if err := s.orderRepo.Save(txCtx, order); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			order.AccountID, "SYSTEM", "ORDER_ACKNOWLEDGED", "order", order.OrderID,
			map[string]string{"exchange_order_id": exchangeOrderID}))
	})
}

// GetOrder 查询订单
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orderRepo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders 按账户分页查询订单
func (s *OrderService) ListOrders(ctx context.Context, accountID string, limit, offset int) ([]*domain.Order, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.orderRepo.ListByAccount(ctx, accountID, limit, offset)
}

func (s *OrderService) buildOrder(req *SubmitOrderRequest) (*domain.Order, error) {
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid quantity %q", domain.ErrValidation, req.Quantity)
	}
	price, err := parseOptionalDecimal(req.Price, "price")
	if err != nil {
		return nil, err
	}
	stopPrice, err := parseOptionalDecimal(req.StopPrice, "stop_price")
	if err != nil {
		return nil, err
	}
	trailOffset, err := parseOptionalDecimal(req.TrailOffset, "trail_offset")
	if err != nil {
		return nil, err
	}
	refPrice, err := parseOptionalDecimal(req.RefPrice, "ref_price")
	if err != nil {
		return nil, err
	}

	return domain.NewOrder(
		fmt.Sprintf("ORD-%d", idgen.GenID()),
		req.ClientOrderID,
		req.AccountID,
		req.Symbol,
		domain.OrderSide(req.Side),
		domain.OrderType(req.Type),
		price, stopPrice, trailOffset, refPrice, quantity,
	), nil
}

// lockAccount 获取账户执行槽；无争用时走快路径，等待耗时计入直方图。
func (s *OrderService) lockAccount(ctx context.Context, accountID string) (func(), error) {
	if release, ok := s.slots.TryLock(accountID); ok {
		return release, nil
	}
	start := time.Now()
	release, err := s.slots.Lock(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire account slot: %w", err)
	}
	if s.metrics != nil {
		s.metrics.AccountLockWait.Observe(time.Since(start).Seconds())
	}
	return release, nil
}

func denialEventType(rule string) riskdomain.RiskEventType {
	if rule == riskdomain.RulePositionLimit {
		return riskdomain.RiskEventPositionLimit
	}
	return riskdomain.RiskEventExposureLimit
}

func parseOptionalDecimal(value, field string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid %s %q", domain.ErrValidation, field, value)
	}
	return d, nil
}
