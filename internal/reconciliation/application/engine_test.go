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
	clearingdomain "github.com/wyfcoding/cryptoledger/internal/clearing/domain"
	clearingmysql "github.com/wyfcoding/cryptoledger/internal/clearing/infrastructure/persistence/mysql"
	orderdomain "github.com/wyfcoding/cryptoledger/internal/order/domain"
	ordermysql "github.com/wyfcoding/cryptoledger/internal/order/infrastructure/persistence/mysql"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
	positionmysql "github.com/wyfcoding/cryptoledger/internal/position/infrastructure/persistence/mysql"
	"github.com/wyfcoding/cryptoledger/internal/reconciliation/domain"
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

type engineFixture struct {
	engine      *Engine
	accountRepo accountdomain.AccountRepository
	balanceRepo accountdomain.BalanceRepository
	tradeRepo   clearingdomain.TradeRepository
	riskRepo    riskdomain.RiskEventRepository
	reconRepo   domain.ReconciliationRepository
}

func newEngineFixture(t *testing.T) *engineFixture {
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
		&clearingdomain.Trade{},
		&riskdomain.RiskEvent{},
		&domain.ReconciliationRecord{},
	))

	accountRepo := accountmysql.NewAccountRepository(database)
	balanceRepo := accountmysql.NewBalanceRepository(database)
	positionRepo := positionmysql.NewPositionRepository(database)
	orderRepo := ordermysql.NewOrderRepository(database)
	tradeRepo := clearingmysql.NewTradeRepository(database)
	auditRepo := auditmysql.NewAuditRepository(database)
	riskRepo := riskmysql.NewRiskEventRepository(database)
	reconRepo := reconmysql.NewReconciliationRepository(database)

	riskSvc := riskapp.NewRiskEventService(riskRepo, auditRepo, nil, "", nil, 3)
	tolerances := domain.NewTolerances(d("0.00000001"), map[string]decimal.Decimal{
		"BTC/USDT": d("0.00001"),
	})
	engine := NewEngine(reconRepo, accountRepo, balanceRepo, positionRepo, orderRepo,
		tradeRepo, auditRepo, riskSvc, algos.NewKeyedMutex(), database, nil,
		tolerances, d("1000"), nil)

	ctx := context.Background()
	account := accountdomain.NewAccount("ACC-R1", "U-1", "binance", d("1000000"), d("10"))
	account.Verified = true
	require.NoError(t, accountRepo.Save(ctx, account))

	usdt := accountdomain.NewBalance("ACC-R1", "USDT")
	require.NoError(t, usdt.Credit(d("100000")))
	require.NoError(t, balanceRepo.Save(ctx, usdt))

	return &engineFixture{
		engine:      engine,
		accountRepo: accountRepo,
		balanceRepo: balanceRepo,
		tradeRepo:   tradeRepo,
		riskRepo:    riskRepo,
		reconRepo:   reconRepo,
	}
}

func matchingSnapshot() *domain.ExchangeSnapshot {
	return &domain.ExchangeSnapshot{
		AccountID: "ACC-R1",
		Balances: []domain.BalanceSnapshot{
			{Currency: "USDT", Available: d("100000"), Locked: d("0")},
		},
		TakenAt: time.Now(),
	}
}

func TestRunPassConvergesWithZeroDiscrepancies(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.SubmitSnapshot(ctx, matchingSnapshot()))

	summary, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Matched)
	assert.Zero(t, summary.Discrepancies)

	// 幂等：一致状态重跑不产生新差异，条目就地更新
	summary2, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Zero(t, summary2.Discrepancies)

	_, total, err := f.reconRepo.List(ctx, "ACC-R1", "", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestRunPassFlagsBalanceDiscrepancyAndEscalates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	snapshot := matchingSnapshot()
	// 交易所侧少 5000，超过 1000 的升级阈值
	snapshot.Balances[0].Available = d("95000")
	require.NoError(t, f.engine.SubmitSnapshot(ctx, snapshot))

	summary, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discrepancies)

	record, err := f.reconRepo.GetByRef(ctx, "ACC-R1", domain.RecordTypeBalance, "USDT")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.RecordStatusDiscrepancy, record.Status)

	events, total, err := f.riskRepo.List(ctx, "ACC-R1", "", 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, riskdomain.RiskEventLargeLoss, events[0].EventType)
	assert.Equal(t, riskdomain.SeverityHigh, events[0].Severity)
}

func TestRunPassWithinToleranceMatches(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	snapshot := matchingSnapshot()
	// 差异在默认容差内
	snapshot.Balances[0].Available = d("100000.000000005")
	require.NoError(t, f.engine.SubmitSnapshot(ctx, snapshot))

	summary, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Zero(t, summary.Discrepancies)
}

func TestResolveApplyExchangeCorrectsBalance(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	snapshot := matchingSnapshot()
	snapshot.Balances[0].Available = d("95000")
	require.NoError(t, f.engine.SubmitSnapshot(ctx, snapshot))
	_, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)

	record, err := f.reconRepo.GetByRef(ctx, "ACC-R1", domain.RecordTypeBalance, "USDT")
	require.NoError(t, err)
	require.NotNil(t, record)

	resolved, err := f.engine.ResolveRecord(ctx, record.RecordID, ResolutionApplyExchange, "exchange is authoritative")
	require.NoError(t, err)
	assert.Equal(t, domain.RecordStatusResolved, resolved.Status)

	balance, err := f.balanceRepo.Get(ctx, "ACC-R1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(d("95000")))
	assert.True(t, balance.Total.Equal(d("95000")))
	assert.NoError(t, balance.CheckInvariant())

	// 已处理条目不可重复处理
	_, err = f.engine.ResolveRecord(ctx, record.RecordID, ResolutionAcceptInternal, "")
	assert.ErrorIs(t, err, domain.ErrRecordClosed)

	// 下一轮对账对 RESOLVED 条目不再触碰
	summary, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Zero(t, summary.Discrepancies)
}

func TestResolveReactivatesSuspendedAccount(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account, err := f.accountRepo.Get(ctx, "ACC-R1")
	require.NoError(t, err)
	account.Suspend()
	require.NoError(t, f.accountRepo.Save(ctx, account))

	snapshot := matchingSnapshot()
	snapshot.Balances[0].Available = d("95000")
	require.NoError(t, f.engine.SubmitSnapshot(ctx, snapshot))
	_, err = f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)

	record, err := f.reconRepo.GetByRef(ctx, "ACC-R1", domain.RecordTypeBalance, "USDT")
	require.NoError(t, err)
	_, err = f.engine.ResolveRecord(ctx, record.RecordID, ResolutionApplyExchange, "")
	require.NoError(t, err)

	account, err = f.accountRepo.Get(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Equal(t, accountdomain.AccountStatusActive, account.Status)
}

func TestRunPassDetectsMissedExecution(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	snapshot := matchingSnapshot()
	snapshot.Executions = []domain.ExecutionSnapshot{
		{ExecutionID: "EXE-MISSED", OrderID: "ORD-X", Quantity: d("1"), Price: d("50000")},
	}
	require.NoError(t, f.engine.SubmitSnapshot(ctx, snapshot))

	summary, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discrepancies)

	record, err := f.reconRepo.GetByRef(ctx, "ACC-R1", domain.RecordTypeTrade, "EXE-MISSED")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.RecordStatusDiscrepancy, record.Status)
}

func TestRunPassMatchesExecutionWithinTolerance(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tradeRepo.Append(ctx, &clearingdomain.Trade{
		ExecutionID: "EXE-TOL", OrderID: "ORD-1", AccountID: "ACC-R1",
		Symbol: "BTC/USDT", Side: "BUY",
		Quantity: d("1.000000000001"), Price: d("50000"),
		ExecutedAt: time.Now(),
	}))

	snapshot := matchingSnapshot()
	snapshot.Executions = []domain.ExecutionSnapshot{
		{ExecutionID: "EXE-TOL", OrderID: "ORD-1", Quantity: d("1"), Price: d("50000")},
	}
	require.NoError(t, f.engine.SubmitSnapshot(ctx, snapshot))

	// 数量差在 BTC/USDT 最小交易单位之内：视为一致并确认成交
	summary, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Zero(t, summary.Discrepancies)

	record, err := f.reconRepo.GetByRef(ctx, "ACC-R1", domain.RecordTypeTrade, "EXE-TOL")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.RecordStatusMatched, record.Status)

	trade, err := f.tradeRepo.GetByExecutionID(ctx, "EXE-TOL")
	require.NoError(t, err)
	assert.True(t, trade.Reconciled)
}

func TestRunPassFlagsUnreportedTrade(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tradeRepo.Append(ctx, &clearingdomain.Trade{
		ExecutionID: "EXE-UNREP", OrderID: "ORD-2", AccountID: "ACC-R1",
		Symbol: "BTC/USDT", Side: "SELL",
		Quantity: d("0.5"), Price: d("51000"),
		ExecutedAt: time.Now(),
	}))

	// 快照未包含该成交：账本侧挂起为差异
	require.NoError(t, f.engine.SubmitSnapshot(ctx, matchingSnapshot()))
	summary, err := f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discrepancies)

	record, err := f.reconRepo.GetByRef(ctx, "ACC-R1", domain.RecordTypeTrade, "EXE-UNREP")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.RecordStatusDiscrepancy, record.Status)

	// 交易所补报后转回一致
	snapshot := matchingSnapshot()
	snapshot.Executions = []domain.ExecutionSnapshot{
		{ExecutionID: "EXE-UNREP", OrderID: "ORD-2", Quantity: d("0.5"), Price: d("51000")},
	}
	require.NoError(t, f.engine.SubmitSnapshot(ctx, snapshot))
	summary, err = f.engine.RunPass(ctx, "ACC-R1")
	require.NoError(t, err)
	assert.Zero(t, summary.Discrepancies)

	record, err = f.reconRepo.GetByRef(ctx, "ACC-R1", domain.RecordTypeTrade, "EXE-UNREP")
	require.NoError(t, err)
	assert.Equal(t, domain.RecordStatusMatched, record.Status)

	trade, err := f.tradeRepo.GetByExecutionID(ctx, "EXE-UNREP")
	require.NoError(t, err)
	assert.True(t, trade.Reconciled)
}

func TestRunPassWithoutSnapshotFails(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.RunPass(context.Background(), "ACC-R1")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
