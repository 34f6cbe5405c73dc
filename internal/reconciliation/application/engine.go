// Package application 实现对账引擎：周期性将内部账本与交易所权威快照比对，
// 生成差异记录并在人工处理后校正账本。
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"

	accountdomain "github.com/wyfcoding/cryptoledger/internal/account/domain"
	accountredis "github.com/wyfcoding/cryptoledger/internal/account/infrastructure/persistence/redis"
	auditdomain "github.com/wyfcoding/cryptoledger/internal/audit/domain"
	clearingdomain "github.com/wyfcoding/cryptoledger/internal/clearing/domain"
	orderdomain "github.com/wyfcoding/cryptoledger/internal/order/domain"
	positiondomain "github.com/wyfcoding/cryptoledger/internal/position/domain"
	"github.com/wyfcoding/cryptoledger/internal/reconciliation/domain"
	riskapp "github.com/wyfcoding/cryptoledger/internal/risk/application"
	riskdomain "github.com/wyfcoding/cryptoledger/internal/risk/domain"
	"github.com/wyfcoding/cryptoledger/pkg/algos"
	"github.com/wyfcoding/cryptoledger/pkg/db"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
	"github.com/wyfcoding/cryptoledger/pkg/metrics"
)

// ErrRecordNotFound 对账条目不存在
var ErrRecordNotFound = errors.New("reconciliation record not found")

// ErrNoSnapshot 账户尚无交易所快照，无法对账
var ErrNoSnapshot = errors.New("no exchange snapshot available for account")

// 人工处理方式
const (
	ResolutionApplyExchange  = "apply_exchange"
	ResolutionAcceptInternal = "accept_internal"
)

// PassSummary 单账户一轮对账的结果
type PassSummary struct {
	PassID        string `json:"pass_id"`
	AccountID     string `json:"account_id"`
	Checked       int    `json:"checked"`
	Matched       int    `json:"matched"`
	Discrepancies int    `json:"discrepancies"`
}

// Engine 对账引擎。交易所适配器推送的快照缓存在内存中（每账户保留最新一份），
// 每轮对账持有账户执行槽读取内部状态，保证与写路径互不交错。
type Engine struct {
	reconRepo    domain.ReconciliationRepository
	accountRepo  accountdomain.AccountRepository
	balanceRepo  accountdomain.BalanceRepository
	positionRepo positiondomain.PositionRepository
	orderRepo    orderdomain.OrderRepository
	tradeRepo    clearingdomain.TradeRepository
	auditRepo    auditdomain.AuditRepository
	riskSvc      *riskapp.RiskEventService
	slots        *algos.KeyedMutex
	db           *db.DB
	balanceCache *accountredis.BalanceCache
	tolerances   *domain.Tolerances
	escalation   decimal.Decimal
	metrics      *metrics.Metrics

	snapshots sync.Map // accountID -> *domain.ExchangeSnapshot
}

// NewEngine 创建对账引擎
func NewEngine(
	reconRepo domain.ReconciliationRepository,
	accountRepo accountdomain.AccountRepository,
	balanceRepo accountdomain.BalanceRepository,
	positionRepo positiondomain.PositionRepository,
	orderRepo orderdomain.OrderRepository,
	tradeRepo clearingdomain.TradeRepository,
	auditRepo auditdomain.AuditRepository,
	riskSvc *riskapp.RiskEventService,
	slots *algos.KeyedMutex,
	database *db.DB,
	balanceCache *accountredis.BalanceCache,
	tolerances *domain.Tolerances,
	escalation decimal.Decimal,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		reconRepo:    reconRepo,
		accountRepo:  accountRepo,
		balanceRepo:  balanceRepo,
		positionRepo: positionRepo,
		orderRepo:    orderRepo,
		tradeRepo:    tradeRepo,
		auditRepo:    auditRepo,
		riskSvc:      riskSvc,
		slots:        slots,
		db:           database,
		balanceCache: balanceCache,
		tolerances:   tolerances,
		escalation:   escalation,
		metrics:      m,
	}
}

// SubmitSnapshot 接收交易所权威快照，仅保留每账户最新一份
func (e *Engine) SubmitSnapshot(ctx context.Context, snapshot *domain.ExchangeSnapshot) error {
	if snapshot.AccountID == "" {
		return errors.New("snapshot missing account_id")
	}
	e.snapshots.Store(snapshot.AccountID, snapshot)
	logger.Debug(ctx, "exchange snapshot received",
		"account_id", snapshot.AccountID, "taken_at", snapshot.TakenAt)
	return nil
}

// SnapshotAccounts 当前持有快照的账户列表
func (e *Engine) SnapshotAccounts() []string {
	var ids []string
	e.snapshots.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

// RunPass 对单账户执行一轮对账。幂等：一致状态重跑不产生新差异，
// 已 RESOLVED 的条目不再触碰。
func (e *Engine) RunPass(ctx context.Context, accountID string) (*PassSummary, error) {
	value, ok := e.snapshots.Load(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, accountID)
	}
	snapshot := value.(*domain.ExchangeSnapshot)

	release, err := e.slots.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	summary := &PassSummary{
		PassID:    fmt.Sprintf("RCP-%d", idgen.GenID()),
		AccountID: accountID,
	}

	err = e.db.Transaction(ctx, func(txCtx context.Context) error {
		if err := e.compareBalances(txCtx, summary, snapshot); err != nil {
			return err
		}
		if err := e.comparePositions(txCtx, summary, snapshot); err != nil {
			return err
		}
		if err := e.compareOpenOrders(txCtx, summary, snapshot); err != nil {
			return err
		}
		return e.compareExecutions(txCtx, summary, snapshot)
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ReconPasses.Inc()
		e.metrics.ReconDiscrepancies.Add(float64(summary.Discrepancies))
	}
	logger.Info(ctx, "reconciliation pass completed",
		"pass_id", summary.PassID, "account_id", accountID,
		"checked", summary.Checked, "matched", summary.Matched,
		"discrepancies", summary.Discrepancies)
	return summary, nil
}

func (e *Engine) compareBalances(ctx context.Context, summary *PassSummary, snapshot *domain.ExchangeSnapshot) error {
	internal, err := e.balanceRepo.ListByAccount(ctx, summary.AccountID)
	if err != nil {
		return err
	}
	internalByCurrency := make(map[string]*accountdomain.Balance, len(internal))
	for _, b := range internal {
		internalByCurrency[b.Currency] = b
	}
	externalByCurrency := make(map[string]domain.BalanceSnapshot, len(snapshot.Balances))
	for _, b := range snapshot.Balances {
		externalByCurrency[b.Currency] = b
	}

	for currency := range union(internalByCurrency, externalByCurrency) {
		var expectedTotal, actualTotal decimal.Decimal
		expected := map[string]string{"currency": currency, "total": "0", "available": "0", "locked": "0"}
		actual := map[string]string{"currency": currency, "total": "0", "available": "0", "locked": "0"}

		if b, ok := internalByCurrency[currency]; ok {
			expectedTotal = b.Total
			expected["total"] = b.Total.String()
			expected["available"] = b.Available.String()
			expected["locked"] = b.Locked.String()
		}
		if b, ok := externalByCurrency[currency]; ok {
			actualTotal = b.Total()
			actual["total"] = actualTotal.String()
			actual["available"] = b.Available.String()
			actual["locked"] = b.Locked.String()
		}

		matched := e.tolerances.Within(currency, expectedTotal, actualTotal)
		if err := e.writeRecord(ctx, summary, domain.RecordTypeBalance, currency, matched, expected, actual); err != nil {
			return err
		}
		if !matched {
			if delta := expectedTotal.Sub(actualTotal).Abs(); delta.GreaterThan(e.escalation) {
				if err := e.escalate(ctx, summary, domain.RecordTypeBalance, currency,
					riskdomain.RiskEventLargeLoss, expectedTotal, actualTotal, delta); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) comparePositions(ctx context.Context, summary *PassSummary, snapshot *domain.ExchangeSnapshot) error {
	internal, err := e.positionRepo.ListByAccount(ctx, summary.AccountID)
	if err != nil {
		return err
	}
	internalBySymbol := make(map[string]*positiondomain.Position, len(internal))
	for _, p := range internal {
		if !p.Quantity.IsZero() {
			internalBySymbol[p.Symbol] = p
		}
	}
	externalBySymbol := make(map[string]domain.PositionSnapshot, len(snapshot.Positions))
	for _, p := range snapshot.Positions {
		if !p.Quantity.IsZero() {
			externalBySymbol[p.Symbol] = p
		}
	}

	for symbol := range union(internalBySymbol, externalBySymbol) {
		var expectedQty, actualQty decimal.Decimal
		if p, ok := internalBySymbol[symbol]; ok {
			expectedQty = p.Quantity
		}
		if p, ok := externalBySymbol[symbol]; ok {
			actualQty = p.Quantity
		}

		matched := e.tolerances.Within(symbol, expectedQty, actualQty)
		expected := map[string]string{"symbol": symbol, "quantity": expectedQty.String()}
		actual := map[string]string{"symbol": symbol, "quantity": actualQty.String()}
		if err := e.writeRecord(ctx, summary, domain.RecordTypePosition, symbol, matched, expected, actual); err != nil {
			return err
		}
		if !matched {
			if delta := expectedQty.Sub(actualQty).Abs(); delta.GreaterThan(e.escalation) {
				if err := e.escalate(ctx, summary, domain.RecordTypePosition, symbol,
					riskdomain.RiskEventExposureLimit, expectedQty, actualQty, delta); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) compareOpenOrders(ctx context.Context, summary *PassSummary, snapshot *domain.ExchangeSnapshot) error {
	internal, err := e.orderRepo.ListOpenByAccount(ctx, summary.AccountID)
	if err != nil {
		return err
	}
	internalByID := make(map[string]*orderdomain.Order, len(internal))
	for _, o := range internal {
		internalByID[o.OrderID] = o
	}
	externalByID := make(map[string]domain.OpenOrderSnapshot, len(snapshot.OpenOrders))
	for _, o := range snapshot.OpenOrders {
		// 交易所侧以客户端订单 ID 对应内部订单
		if o.ClientOrderID != "" {
			externalByID[o.ClientOrderID] = o
		} else {
			externalByID[o.ExchangeOrderID] = o
		}
	}
	// 内部订单以 OrderID 为准，交易所回传的 client_order_id 即内部 OrderID
	for orderID := range union(internalByID, externalByID) {
		var expectedRemaining, actualRemaining decimal.Decimal
		symbol := ""
		if o, ok := internalByID[orderID]; ok {
			expectedRemaining = o.RemainingQuantity
			symbol = o.Symbol
		}
		if o, ok := externalByID[orderID]; ok {
			actualRemaining = o.RemainingQuantity
			if symbol == "" {
				symbol = o.Symbol
			}
		}

		matched := e.tolerances.Within(symbol, expectedRemaining, actualRemaining)
		expected := map[string]string{"order_id": orderID, "remaining": expectedRemaining.String()}
		actual := map[string]string{"order_id": orderID, "remaining": actualRemaining.String()}
		if err := e.writeRecord(ctx, summary, domain.RecordTypeOrder, orderID, matched, expected, actual); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) compareExecutions(ctx context.Context, summary *PassSummary, snapshot *domain.ExchangeSnapshot) error {
	var confirmed []string
	reported := make(map[string]struct{}, len(snapshot.Executions))
	for _, exec := range snapshot.Executions {
		reported[exec.ExecutionID] = struct{}{}
		trade, err := e.tradeRepo.GetByExecutionID(ctx, exec.ExecutionID)
		if err != nil {
			return err
		}
		if trade == nil {
			// 交易所有成交而账本没有：漏单
			expected := map[string]string{"execution_id": exec.ExecutionID, "status": "missing"}
			actual := map[string]string{
				"execution_id": exec.ExecutionID, "order_id": exec.OrderID,
				"quantity": exec.Quantity.String(), "price": exec.Price.String(),
			}
			if err := e.writeRecord(ctx, summary, domain.RecordTypeTrade, exec.ExecutionID, false, expected, actual); err != nil {
				return err
			}
			continue
		}

		matched := e.tolerances.Within(trade.Symbol, trade.Quantity, exec.Quantity) &&
			e.tolerances.Within(trade.Symbol, trade.Price, exec.Price)
		expected := map[string]string{
			"execution_id": exec.ExecutionID,
			"quantity":     trade.Quantity.String(), "price": trade.Price.String(),
		}
		actual := map[string]string{
			"execution_id": exec.ExecutionID,
			"quantity":     exec.Quantity.String(), "price": exec.Price.String(),
		}
		if err := e.writeRecord(ctx, summary, domain.RecordTypeTrade, exec.ExecutionID, matched, expected, actual); err != nil {
			return err
		}
		if matched && !trade.Reconciled {
			confirmed = append(confirmed, exec.ExecutionID)
		}
	}

	// 账本有成交而交易所未报告：待确认成交挂起为差异，交易所补报后转回一致
	unreconciled, err := e.tradeRepo.ListUnreconciled(ctx, summary.AccountID)
	if err != nil {
		return err
	}
	for _, trade := range unreconciled {
		if _, ok := reported[trade.ExecutionID]; ok {
			continue
		}
		expected := map[string]string{
			"execution_id": trade.ExecutionID, "order_id": trade.OrderID,
			"quantity": trade.Quantity.String(), "price": trade.Price.String(),
		}
		actual := map[string]string{"execution_id": trade.ExecutionID, "status": "missing"}
		if err := e.writeRecord(ctx, summary, domain.RecordTypeTrade, trade.ExecutionID, false, expected, actual); err != nil {
			return err
		}
	}
	return e.tradeRepo.MarkReconciled(ctx, confirmed)
}

// writeRecord 按 (account, type, ref) 就地更新对账条目；RESOLVED 条目不再触碰。
func (e *Engine) writeRecord(ctx context.Context, summary *PassSummary, typ domain.RecordType,
	refID string, matched bool, expected, actual any) error {

	summary.Checked++
	record, err := e.reconRepo.GetByRef(ctx, summary.AccountID, typ, refID)
	if err != nil {
		return err
	}
	if record != nil && record.Status == domain.RecordStatusResolved {
		summary.Matched++
		return nil
	}
	if record == nil {
		record = &domain.ReconciliationRecord{
			RecordID:  fmt.Sprintf("RCN-%d", idgen.GenID()),
			AccountID: summary.AccountID,
			Type:      typ,
			RefID:     refID,
		}
	}

	expectedJSON := mustJSON(expected)
	actualJSON := mustJSON(actual)
	if matched {
		summary.Matched++
		if err := record.MarkMatched(summary.PassID, expectedJSON, actualJSON); err != nil {
			return err
		}
	} else {
		summary.Discrepancies++
		if err := record.MarkDiscrepancy(summary.PassID, expectedJSON, actualJSON); err != nil {
			return err
		}
		if err := e.auditRepo.Append(ctx, auditdomain.NewEntry(
			summary.AccountID, "RECONCILIATION", "RECON_DISCREPANCY", string(typ), refID,
			map[string]string{"record_id": record.RecordID, "expected": expectedJSON, "actual": actualJSON})); err != nil {
			return err
		}
	}
	return e.reconRepo.Save(ctx, record)
}

func (e *Engine) escalate(ctx context.Context, summary *PassSummary, typ domain.RecordType, refID string,
	eventType riskdomain.RiskEventType, expected, actual, delta decimal.Decimal) error {

	_, err := e.riskSvc.Raise(ctx, summary.AccountID, eventType, riskdomain.SeverityHigh,
		riskdomain.NewDetails("discrepancy", riskdomain.DiscrepancyDetails{
			RecordID: summary.PassID,
			Type:     string(typ),
			RefID:    refID,
			Expected: expected.String(),
			Actual:   actual.String(),
			Delta:    delta,
		}))
	return err
}

// ResolveRecord 人工处理差异。resolution 为 apply_exchange 时将内部余额
// 校准到交易所侧的值（仅 BALANCE 类型），并在全部差异出清后恢复冻结账户。
func (e *Engine) ResolveRecord(ctx context.Context, recordID, resolution, notes string) (*domain.ReconciliationRecord, error) {
	record, err := e.reconRepo.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}

	release, err := e.slots.Lock(ctx, record.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	err = e.db.Transaction(ctx, func(txCtx context.Context) error {
		record, err = e.reconRepo.Get(txCtx, recordID)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
		}

		if resolution == ResolutionApplyExchange && record.Type == domain.RecordTypeBalance {
			if err := e.applyExchangeBalance(txCtx, record); err != nil {
				return err
			}
		}

		if err := record.Resolve(resolution, notes); err != nil {
			return err
		}
		if err := e.reconRepo.Save(txCtx, record); err != nil {
			return err
		}
		if err := e.auditRepo.Append(txCtx, auditdomain.NewEntry(
			record.AccountID, "RECONCILIATION", "RECON_RESOLVED", string(record.Type), record.RefID,
			map[string]string{"record_id": record.RecordID, "resolution": resolution, "notes": notes})); err != nil {
			return err
		}
		return e.maybeReactivate(txCtx, record.AccountID)
	})
	if err != nil {
		return nil, err
	}

	e.balanceCache.Invalidate(ctx, record.AccountID)
	logger.Info(ctx, "reconciliation record resolved",
		"record_id", record.RecordID, "account_id", record.AccountID, "resolution", resolution)
	return record, nil
}

// applyExchangeBalance 将余额校准到交易所权威值
func (e *Engine) applyExchangeBalance(ctx context.Context, record *domain.ReconciliationRecord) error {
	var actual struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}
	if err := json.Unmarshal([]byte(record.Actual), &actual); err != nil {
		return fmt.Errorf("malformed actual payload on record %s: %w", record.RecordID, err)
	}
	available, err := decimal.NewFromString(actual.Available)
	if err != nil {
		return err
	}
	locked, err := decimal.NewFromString(actual.Locked)
	if err != nil {
		return err
	}

	balance, err := e.balanceRepo.GetOrCreate(ctx, record.AccountID, record.RefID)
	if err != nil {
		return err
	}
	before := map[string]string{"available": balance.Available.String(), "locked": balance.Locked.String()}
	if err := balance.Correct(available, locked); err != nil {
		return err
	}
	if err := e.balanceRepo.Save(ctx, balance); err != nil {
		return err
	}
	return e.auditRepo.Append(ctx, auditdomain.NewEntry(
		record.AccountID, "RECONCILIATION", "BALANCE_CORRECTED", "balance", record.RefID,
		map[string]any{"before": before, "after": map[string]string{
			"available": available.String(), "locked": locked.String()}}))
}

// maybeReactivate 全部差异出清后恢复被冻结的账户
func (e *Engine) maybeReactivate(ctx context.Context, accountID string) error {
	open, err := e.reconRepo.CountOpenDiscrepancies(ctx, accountID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	account, err := e.accountRepo.Get(ctx, accountID)
	if err != nil || account == nil {
		return err
	}
	if account.Status != accountdomain.AccountStatusSuspended {
		return nil
	}
	account.Reactivate()
	if err := e.accountRepo.Save(ctx, account); err != nil {
		return err
	}
	return e.auditRepo.Append(ctx, auditdomain.NewEntry(
		accountID, "RECONCILIATION", "ACCOUNT_REACTIVATED", "account", accountID, nil))
}

// ListRecords 查询对账条目
func (e *Engine) ListRecords(ctx context.Context, accountID string, status domain.RecordStatus, limit, offset int) ([]*domain.ReconciliationRecord, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.reconRepo.List(ctx, accountID, status, limit, offset)
}

func union[V1, V2 any](a map[string]V1, b map[string]V2) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(data)
}
