// Package application 实现账户与资金的用例编排。
package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"

	"github.com/wyfcoding/cryptoledger/internal/account/domain"
	accountredis "github.com/wyfcoding/cryptoledger/internal/account/infrastructure/persistence/redis"
	auditdomain "github.com/wyfcoding/cryptoledger/internal/audit/domain"
	clearingdomain "github.com/wyfcoding/cryptoledger/internal/clearing/domain"
	orderdomain "github.com/wyfcoding/cryptoledger/internal/order/domain"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
	positionredis "github.com/wyfcoding/cryptoledger/internal/position/infrastructure/persistence/redis"
	"github.com/wyfcoding/cryptoledger/pkg/algos"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

// ErrAccountNotFound 账户不存在
var ErrAccountNotFound = errors.New("account not found")

// ErrAccountHasExposure 账户仍有持仓，不允许关闭
var ErrAccountHasExposure = errors.New("account still holds open positions")

// CreateAccountRequest 开户请求
type CreateAccountRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	Exchange      string `json:"exchange" binding:"required"`
	DailyLimit    string `json:"daily_limit" binding:"required"`
	PositionLimit string `json:"position_limit" binding:"required"`
}

// AccountService 账户应用服务
type AccountService struct {
	accountRepo  domain.AccountRepository
	balanceRepo  domain.BalanceRepository
	orderRepo    orderdomain.OrderRepository
	positionRepo positiondomain.PositionRepository
	tradeRepo    clearingdomain.TradeRepository
	auditRepo    auditdomain.AuditRepository
	slots        *algos.KeyedMutex
	db           *db.DB
	balanceCache *accountredis.BalanceCache
	posCache     *positionredis.PositionCache
}

// NewAccountService 创建账户应用服务
func NewAccountService(
	accountRepo domain.AccountRepository,
	balanceRepo domain.BalanceRepository,
	orderRepo orderdomain.OrderRepository,
	positionRepo positiondomain.PositionRepository,
	tradeRepo clearingdomain.TradeRepository,
	auditRepo auditdomain.AuditRepository,
	slots *algos.KeyedMutex,
	database *db.DB,
	balanceCache *accountredis.BalanceCache,
	posCache *positionredis.PositionCache,
) *AccountService {
	return &AccountService{
		accountRepo:  accountRepo,
		balanceRepo:  balanceRepo,
		orderRepo:    orderRepo,
		positionRepo: positionRepo,
		tradeRepo:    tradeRepo,
		auditRepo:    auditRepo,
		slots:        slots,
		db:           database,
		balanceCache: balanceCache,
		posCache:     posCache,
	}
}

// CreateAccount 开户
func (s *AccountService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*domain.Account, error) {
	dailyLimit, err := decimal.NewFromString(req.DailyLimit)
	if err != nil || !dailyLimit.IsPositive() {
		return nil, fmt.Errorf("invalid daily_limit %q", req.DailyLimit)
	}
	positionLimit, err := decimal.NewFromString(req.PositionLimit)
	if err != nil || !positionLimit.IsPositive() {
		return nil, fmt.Errorf("invalid position_limit %q", req.PositionLimit)
	}

	account := domain.NewAccount(
		fmt.Sprintf("ACC-%d", idgen.GenID()),
		req.UserID, req.Exchange, dailyLimit, positionLimit)

	err = s.db.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.accountRepo.Save(txCtx, account); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			account.AccountID, "SYSTEM", "ACCOUNT_CREATED", "account", account.AccountID, account))
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "account created",
		"account_id", account.AccountID, "user_id", account.UserID, "exchange", account.Exchange)
	return account, nil
}

// GetAccount 查询账户
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := s.accountRepo.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// Verify 标记账户通过实盘验证
func (s *AccountService) Verify(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	account.Verified = true
	err = s.db.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.accountRepo.Save(txCtx, account); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			accountID, "SYSTEM", "ACCOUNT_VERIFIED", "account", accountID, nil))
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Deposit 入金
func (s *AccountService) Deposit(ctx context.Context, accountID, currency string, amount decimal.Decimal) (*domain.Balance, error) {
	return s.transfer(ctx, accountID, currency, amount, "DEPOSIT",
		func(b *domain.Balance) error { return b.Credit(amount) })
}

// Withdraw 出金，只能动用可用余额
func (s *AccountService) Withdraw(ctx context.Context, accountID, currency string, amount decimal.Decimal) (*domain.Balance, error) {
	return s.transfer(ctx, accountID, currency, amount, "WITHDRAWAL",
		func(b *domain.Balance) error { return b.Debit(amount) })
}

func (s *AccountService) transfer(ctx context.Context, accountID, currency string,
	amount decimal.Decimal, action string, apply func(*domain.Balance) error) (*domain.Balance, error) {

	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}

	release, err := s.slots.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	var balance *domain.Balance
	err = s.db.Transaction(ctx, func(txCtx context.Context) error {
		account, err := s.accountRepo.Get(txCtx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrAccountNotFound
		}
		if err := account.CanMutate(); err != nil {
			return err
		}
		balance, err = s.balanceRepo.GetOrCreate(txCtx, accountID, currency)
		if err != nil {
			return err
		}
		if err := apply(balance); err != nil {
			return err
		}
		if err := s.balanceRepo.Save(txCtx, balance); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			accountID, "SYSTEM", action, "balance", currency,
			map[string]string{"amount": amount.String(), "currency": currency}))
	})
	if err != nil {
		return nil, err
	}

	s.balanceCache.Invalidate(ctx, accountID)
	logger.Info(ctx, "balance transfer applied",
		"account_id", accountID, "currency", currency, "action", action, "amount", amount.String())
	return balance, nil
}

// GetBalances 查询账户全部余额，读路径走缓存
func (s *AccountService) GetBalances(ctx context.Context, accountID string) ([]*domain.Balance, error) {
	if cached, err := s.balanceCache.Get(ctx, accountID); err == nil && cached != nil {
		return cached, nil
	} else if err != nil {
		logger.Warn(ctx, "balance cache read failed, falling back to db", "account_id", accountID, "error", err)
	}

	balances, err := s.balanceRepo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.balanceCache.Set(ctx, accountID, balances)
	return balances, nil
}

// GetBalance 查询账户单币种余额；不存在时返回零余额
func (s *AccountService) GetBalance(ctx context.Context, accountID, currency string) (*domain.Balance, error) {
	balance, err := s.balanceRepo.Get(ctx, accountID, currency)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return domain.NewBalance(accountID, currency), nil
	}
	return balance, nil
}

// CloseAccount 关闭账户的编排删除：取消全部在途订单并解锁资金，
// 随后删除余额、持仓、成交与订单行。审计日志保留，账户行保留为 CLOSED。
// 仍有未平仓位时拒绝关闭。
func (s *AccountService) CloseAccount(ctx context.Context, accountID string) error {
	release, err := s.slots.Lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	err = s.db.Transaction(ctx, func(txCtx context.Context) error {
		account, err := s.accountRepo.Get(txCtx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return ErrAccountNotFound
		}

		positions, err := s.positionRepo.ListByAccount(txCtx, accountID)
		if err != nil {
			return err
		}
		for _, p := range positions {
			if !p.Quantity.IsZero() {
				return fmt.Errorf("%w: %s %s", ErrAccountHasExposure, p.Symbol, p.Quantity)
			}
		}

		open, err := s.orderRepo.ListOpenByAccount(txCtx, accountID)
		if err != nil {
			return err
		}
		for _, order := range open {
			if order.Status == orderdomain.OrderStatusPending {
				if err := order.Reject("account closing"); err != nil {
					return err
				}
			} else {
				if err := s.unlockRemaining(txCtx, order); err != nil {
					return err
				}
				if err := order.Cancel(); err != nil {
					return err
				}
			}
			if err := s.orderRepo.Save(txCtx, order); err != nil {
				return err
			}
		}

		if err := s.balanceRepo.DeleteByAccount(txCtx, accountID); err != nil {
			return err
		}
		if err := s.positionRepo.DeleteByAccount(txCtx, accountID); err != nil {
			return err
		}
		if err := s.tradeRepo.DeleteByAccount(txCtx, accountID); err != nil {
			return err
		}
		if err := s.orderRepo.DeleteByAccount(txCtx, accountID); err != nil {
			return err
		}

		account.Close()
		if err := s.accountRepo.Save(txCtx, account); err != nil {
			return err
		}
		return s.auditRepo.Append(txCtx, auditdomain.NewEntry(
			accountID, "SYSTEM", "ACCOUNT_CLOSED", "account", accountID,
			map[string]int{"cancelled_orders": len(open)}))
	})
	if err != nil {
		return err
	}

	s.balanceCache.Invalidate(ctx, accountID)
	s.posCache.Invalidate(ctx, accountID)
	logger.Info(ctx, "account closed", "account_id", accountID)
	return nil
}

func (s *AccountService) unlockRemaining(ctx context.Context, order *orderdomain.Order) error {
	remaining := order.RemainingQuantity
	if !remaining.IsPositive() {
		return nil
	}
	base, quote, err := clearingdomain.SplitSymbol(order.Symbol)
	if err != nil {
		return err
	}
	currency := quote
	amount := remaining.Mul(order.NotionalPrice())
	if order.Side == orderdomain.OrderSideSell {
		currency = base
		amount = remaining
	}
	balance, err := s.balanceRepo.GetOrCreate(ctx, order.AccountID, currency)
	if err != nil {
		return err
	}
	if err := balance.Unlock(amount); err != nil {
		return err
	}
	return s.balanceRepo.Save(ctx, balance)
}

// ListAudit 查询账户审计日志
func (s *AccountService) ListAudit(ctx context.Context, accountID string, limit, offset int) ([]*auditdomain.AuditEntry, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.auditRepo.ListByAccount(ctx, accountID, limit, offset)
}
