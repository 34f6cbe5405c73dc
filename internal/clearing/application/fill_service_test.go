package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accountdomain "github.com/wyfcoding/cryptoledger/internal/account/domain"
	accountmysql "github.com/wyfcoding/cryptoledger/internal/account/infrastructure/persistence/mysql"
	auditdomain "github.com/wyfcoding/cryptoledger/internal/audit/domain"
	auditmysql "github.com/wyfcoding/cryptoledger/internal/audit/infrastructure/persistence/mysql"
	"github.com/wyfcoding/cryptoledger/internal/clearing/domain"
	clearingmysql "github.com/wyfcoding/cryptoledger/internal/clearing/infrastructure/persistence/mysql"
	orderapp "github.com/wyfcoding/cryptoledger/internal/order/application"
	orderdomain "github.com/wyfcoding/cryptoledger/internal/order/domain"
	ordermysql "github.com/wyfcoding/cryptoledger/internal/order/infrastructure/persistence/mysql"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
	positionmysql "github.com/wyfcoding/cryptoledger/internal/position/infrastructure/persistence/mysql"
	recondomain "github.com/wyfcoding/cryptoledger/internal/reconciliation/domain"
	reconmysql "github.com/wyfcoding/cryptoledger/internal/reconciliation/infrastructure/persistence/mysql"
	riskapp "github.com/wyfcoding/cryptoledger/internal/risk/application"
	riskdomain "github.com/wyfcoding/cryptoledger/internal/risk/domain"
	riskmysql "github.com/wyfcoding/cryptoledger/internal/risk/infrastructure/persistence/mysql"
	"github.com/wyfcoding/cryptoledger/pkg/algos"
	"github.com/wyfcoding/cryptoledger/pkg/db"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fixture struct {
	db          *db.DB
	accountRepo accountdomain.AccountRepository
	balanceRepo accountdomain.BalanceRepository
	orderRepo   orderdomain.OrderRepository
	tradeRepo   domain.TradeRepository
	reconRepo   recondomain.ReconciliationRepository
	riskRepo    riskdomain.RiskEventRepository
	auditRepo   auditdomain.AuditRepository
	orderSvc    *orderapp.OrderService
	fillSvc     *FillAggregator
	account     *accountdomain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.Init(db.Config{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, database.AutoMigrate(
		&auditdomain.AuditEntry{},
		&accountdomain.Account{},
		&accountdomain.Balance{},
		&orderdomain.Order{},
		&positiondomain.Position{},
		&positiondomain.PerformanceMetric{},
		&domain.Trade{},
		&riskdomain.RiskEvent{},
		&recondomain.ReconciliationRecord{},
	))

	f := &fixture{
		db:          database,
		accountRepo: accountmysql.NewAccountRepository(database),
		balanceRepo: accountmysql.NewBalanceRepository(database),
		orderRepo:   ordermysql.NewOrderRepository(database),
		tradeRepo:   clearingmysql.NewTradeRepository(database),
		reconRepo:   reconmysql.NewReconciliationRepository(database),
		riskRepo:    riskmysql.NewRiskEventRepository(database),
		auditRepo:   auditmysql.NewAuditRepository(database),
	}
	positionRepo := positionmysql.NewPositionRepository(database)
	perfRepo := positionmysql.NewPerformanceRepository(database)
	slots := algos.NewKeyedMutex()
	riskSvc := riskapp.NewRiskEventService(f.riskRepo, f.auditRepo, nil, "", nil, 3)
	gate := riskdomain.NewGate(d("0.1"))

	f.orderSvc = orderapp.NewOrderService(f.orderRepo, f.accountRepo, f.balanceRepo,
		positionRepo, f.auditRepo, gate, riskSvc, slots, database, nil, nil)
	f.fillSvc = NewFillAggregator(f.orderRepo, f.accountRepo, f.balanceRepo,
		positionRepo, perfRepo, f.tradeRepo, f.reconRepo, f.auditRepo, riskSvc,
		slots, database, nil, nil, nil)

	ctx := context.Background()
	f.account = accountdomain.NewAccount("ACC-T1", "U-1", "binance", d("1000000"), d("10"))
	f.account.Verified = true
	require.NoError(t, f.accountRepo.Save(ctx, f.account))

	usdt := accountdomain.NewBalance("ACC-T1", "USDT")
	require.NoError(t, usdt.Credit(d("100000")))
	require.NoError(t, f.balanceRepo.Save(ctx, usdt))
	return f
}

func (f *fixture) submitBuy(t *testing.T, qty, price string) *orderdomain.Order {
	t.Helper()
	order, err := f.orderSvc.SubmitOrder(context.Background(), &orderapp.SubmitOrderRequest{
		AccountID: "ACC-T1",
		Symbol:    "BTC/USDT",
		Side:      "BUY",
		Type:      "LIMIT",
		Price:     price,
		Quantity:  qty,
	})
	require.NoError(t, err)
	require.Equal(t, orderdomain.OrderStatusOpen, order.Status)
	return order
}

func (f *fixture) balance(t *testing.T, currency string) *accountdomain.Balance {
	t.Helper()
	b, err := f.balanceRepo.Get(context.Background(), "ACC-T1", currency)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func fill(orderID, execID, qty, price string) *FillReport {
	return &FillReport{
		ExecutionID: execID,
		OrderID:     orderID,
		Quantity:    d(qty),
		Price:       d(price),
		Timestamp:   time.Now(),
	}
}

func TestSubmitLocksFundsAndFillSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.submitBuy(t, "1", "50000")

	usdt := f.balance(t, "USDT")
	assert.True(t, usdt.Available.Equal(d("50000")))
	assert.True(t, usdt.Locked.Equal(d("50000")))

	require.NoError(t, f.fillSvc.IngestFill(ctx, fill(order.OrderID, "EXE-1", "0.4", "49900")))
	require.NoError(t, f.fillSvc.IngestFill(ctx, fill(order.OrderID, "EXE-2", "0.6", "50100")))

	got, err := f.orderRepo.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.OrderStatusFilled, got.Status)
	assert.True(t, got.AvgFillPrice.Equal(d("50020")), "avg %s", got.AvgFillPrice)
	assert.True(t, got.FilledQuantity.Add(got.RemainingQuantity).Equal(got.Quantity))

	usdt = f.balance(t, "USDT")
	assert.True(t, usdt.Locked.IsZero())
	assert.True(t, usdt.Total.Equal(d("49980")), "usdt total %s", usdt.Total)
	assert.NoError(t, usdt.CheckInvariant())

	btc := f.balance(t, "BTC")
	assert.True(t, btc.Available.Equal(d("1")))

	trades, total, err := f.tradeRepo.ListByAccount(ctx, "ACC-T1", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, trades, 2)

	// 审计序号连续递增
	seq, err := f.auditRepo.LatestSeq(ctx, "ACC-T1")
	require.NoError(t, err)
	assert.Greater(t, seq, int64(2))
}

func TestDuplicateFillDroppedIdempotently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.submitBuy(t, "1", "50000")
	report := fill(order.OrderID, "EXE-DUP", "0.5", "50000")

	require.NoError(t, f.fillSvc.IngestFill(ctx, report))
	// 相同 execution_id 重投：安全丢弃，账本不变
	require.NoError(t, f.fillSvc.IngestFill(ctx, report))

	got, err := f.orderRepo.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, got.FilledQuantity.Equal(d("0.5")))

	_, total, err := f.tradeRepo.ListByAccount(ctx, "ACC-T1", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	usdt := f.balance(t, "USDT")
	assert.True(t, usdt.Total.Equal(d("75000")), "usdt total %s", usdt.Total)
}

func TestOverfillQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.submitBuy(t, "1", "50000")
	require.NoError(t, f.fillSvc.IngestFill(ctx, fill(order.OrderID, "EXE-1", "0.8", "50000")))

	err := f.fillSvc.IngestFill(ctx, fill(order.OrderID, "EXE-OVER", "0.5", "50000"))
	assert.ErrorIs(t, err, orderdomain.ErrOverfill)

	// 账本不变
	got, err := f.orderRepo.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, got.FilledQuantity.Equal(d("0.8")))

	// 差异记录已登记，等待人工处理
	record, err := f.reconRepo.GetByRef(ctx, "ACC-T1", recondomain.RecordTypeTrade, "EXE-OVER")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, recondomain.RecordStatusDiscrepancy, record.Status)

	exists, err := f.tradeRepo.ExistsExecution(ctx, "EXE-OVER")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFillForUnknownOrderQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report := fill("ORD-GHOST", "EXE-GHOST", "1", "50000")
	report.AccountID = "ACC-T1"
	err := f.fillSvc.IngestFill(ctx, report)
	assert.ErrorIs(t, err, ErrUnknownOrder)

	record, err := f.reconRepo.GetByRef(ctx, "ACC-T1", recondomain.RecordTypeTrade, "EXE-GHOST")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, recondomain.RecordStatusDiscrepancy, record.Status)
}

func TestRiskRejectionPersistsRejectedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 名义 150000 * 1.1 > 可用 100000
	order, err := f.orderSvc.SubmitOrder(ctx, &orderapp.SubmitOrderRequest{
		AccountID: "ACC-T1",
		Symbol:    "BTC/USDT",
		Side:      "BUY",
		Type:      "LIMIT",
		Price:     "50000",
		Quantity:  "3",
	})
	var denial *riskdomain.Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, riskdomain.RuleMargin, denial.Rule)
	assert.Equal(t, orderdomain.OrderStatusRejected, order.Status)

	// 资金从未锁定
	usdt := f.balance(t, "USDT")
	assert.True(t, usdt.Locked.IsZero())
	assert.True(t, usdt.Available.Equal(d("100000")))

	// 拒绝生成风控事件
	events, total, err := f.riskRepo.List(ctx, "ACC-T1", "", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, riskdomain.RiskEventExposureLimit, events[0].EventType)
}

func TestCancelUnlocksRemainingAfterPartialFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.submitBuy(t, "1", "50000")
	require.NoError(t, f.fillSvc.IngestFill(ctx, fill(order.OrderID, "EXE-1", "0.3", "50000")))

	cancelled, err := f.orderSvc.CancelOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.OrderStatusCancelled, cancelled.Status)

	usdt := f.balance(t, "USDT")
	assert.True(t, usdt.Locked.IsZero())
	// 100000 - 0.3*50000 = 85000
	assert.True(t, usdt.Total.Equal(d("85000")), "usdt total %s", usdt.Total)
	assert.NoError(t, usdt.CheckInvariant())

	// 取消后的成交被隔离而不是入账
	err = f.fillSvc.IngestFill(ctx, fill(order.OrderID, "EXE-LATE", "0.1", "50000"))
	assert.Error(t, err)
	exists, err := f.tradeRepo.ExistsExecution(ctx, "EXE-LATE")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCancelFilledOrderFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.submitBuy(t, "1", "50000")
	require.NoError(t, f.fillSvc.IngestFill(ctx, fill(order.OrderID, "EXE-1", "1", "50000")))

	_, err := f.orderSvc.CancelOrder(ctx, order.OrderID)
	assert.ErrorIs(t, err, orderdomain.ErrInvalidTransition)
}

func TestFeeDebitedInQuoteCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.submitBuy(t, "1", "50000")
	report := fill(order.OrderID, "EXE-FEE", "1", "50000")
	report.Fee = d("25")
	report.FeeCurrency = "USDT"
	require.NoError(t, f.fillSvc.IngestFill(ctx, report))

	usdt := f.balance(t, "USDT")
	// 100000 - 50000 - 25 = 49975
	assert.True(t, usdt.Total.Equal(d("49975")), "usdt total %s", usdt.Total)
	assert.True(t, usdt.Locked.IsZero())
	assert.NoError(t, usdt.CheckInvariant())

	trade, err := f.tradeRepo.GetByExecutionID(ctx, "EXE-FEE")
	require.NoError(t, err)
	assert.True(t, trade.Fee.Equal(d("25")))

	// 手续费计入当日绩效
	perfRepo := positionmysql.NewPerformanceRepository(f.db)
	perf, err := perfRepo.GetOrCreate(ctx, "ACC-T1", time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.True(t, perf.Fees.Equal(d("25")), "fees %s", perf.Fees)
	assert.EqualValues(t, 1, perf.TradeCount)
}

func TestFeeDebitedInThirdCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bnb := accountdomain.NewBalance("ACC-T1", "BNB")
	require.NoError(t, bnb.Credit(d("1")))
	require.NoError(t, f.balanceRepo.Save(ctx, bnb))

	order := f.submitBuy(t, "1", "50000")
	report := fill(order.OrderID, "EXE-FEE3", "1", "50000")
	report.Fee = d("0.05")
	report.FeeCurrency = "BNB"
	require.NoError(t, f.fillSvc.IngestFill(ctx, report))

	// 手续费从 BNB 出账，计价币与基础币不受影响
	bnb = f.balance(t, "BNB")
	assert.True(t, bnb.Total.Equal(d("0.95")), "bnb total %s", bnb.Total)
	assert.NoError(t, bnb.CheckInvariant())

	usdt := f.balance(t, "USDT")
	assert.True(t, usdt.Total.Equal(d("50000")), "usdt total %s", usdt.Total)
	btc := f.balance(t, "BTC")
	assert.True(t, btc.Available.Equal(d("1")))
}

func TestRepeatedFundsShortfallRaisesMarginCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 手续费远超可用资金：每次入账都因资金不足回滚，
	// 连续第三次升级为 MARGIN_CALL（fixture 阈值为 3）
	for i := 1; i <= 3; i++ {
		order := f.submitBuy(t, "1", "20000")
		report := fill(order.OrderID, fmt.Sprintf("EXE-MISS-%d", i), "1", "20000")
		report.Fee = d("1000000")
		report.FeeCurrency = "USDT"
		err := f.fillSvc.IngestFill(ctx, report)
		assert.ErrorIs(t, err, accountdomain.ErrInsufficientFunds)
	}

	// 回滚后账本不变：三单仍在途，锁定完好
	usdt := f.balance(t, "USDT")
	assert.True(t, usdt.Locked.Equal(d("60000")), "locked %s", usdt.Locked)
	assert.True(t, usdt.Available.Equal(d("40000")), "available %s", usdt.Available)
	assert.NoError(t, usdt.CheckInvariant())

	events, total, err := f.riskRepo.List(ctx, "ACC-T1", "", 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, riskdomain.RiskEventMarginCall, events[0].EventType)
	assert.Equal(t, riskdomain.SeverityCritical, events[0].Severity)
}

func TestSubmitAuditRecordsRuleOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submitBuy(t, "1", "50000")

	entries, _, err := f.auditRepo.ListByAccount(ctx, "ACC-T1", 10, 0)
	require.NoError(t, err)
	var submitted *auditdomain.AuditEntry
	for _, e := range entries {
		if e.Action == "ORDER_SUBMITTED" {
			submitted = e
			break
		}
	}
	require.NotNil(t, submitted)
	assert.Contains(t, submitted.Payload, "rule_outcomes")
	assert.Contains(t, submitted.Payload, riskdomain.RuleDailyLimit)
	assert.Contains(t, submitted.Payload, riskdomain.RulePositionLimit)
	assert.Contains(t, submitted.Payload, riskdomain.RuleMargin)
}

func TestSellFillRealizesPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 建仓：买 1 @ 50000
	buy := f.submitBuy(t, "1", "50000")
	require.NoError(t, f.fillSvc.IngestFill(ctx, fill(buy.OrderID, "EXE-B", "1", "50000")))

	// 平仓：卖 1 @ 55000
	sell, err := f.orderSvc.SubmitOrder(ctx, &orderapp.SubmitOrderRequest{
		AccountID: "ACC-T1",
		Symbol:    "BTC/USDT",
		Side:      "SELL",
		Type:      "LIMIT",
		Price:     "55000",
		Quantity:  "1",
	})
	require.NoError(t, err)
	require.NoError(t, f.fillSvc.IngestFill(ctx, fill(sell.OrderID, "EXE-S", "1", "55000")))

	trade, err := f.tradeRepo.GetByExecutionID(ctx, "EXE-S")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.True(t, trade.RealizedPnL.Equal(d("5000")), "realized %s", trade.RealizedPnL)

	usdt := f.balance(t, "USDT")
	// 100000 - 50000 + 55000 = 105000
	assert.True(t, usdt.Total.Equal(d("105000")), "usdt total %s", usdt.Total)
	btc := f.balance(t, "BTC")
	assert.True(t, btc.Total.IsZero())
}
