// Package application 实现风控事件的用例编排。
package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/wyfcoding/pkg/idgen"

	auditdomain "github.com/wyfcoding/cryptoledger/internal/audit/domain"
	"github.com/wyfcoding/cryptoledger/internal/risk/domain"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
	"github.com/wyfcoding/cryptoledger/pkg/metrics"
	"github.com/wyfcoding/cryptoledger/pkg/mq"
)

// RiskEventService 风控事件服务：落库、发布到消息队列、维护追缴计数。
type RiskEventService struct {
	repo      domain.RiskEventRepository
	auditRepo auditdomain.AuditRepository
	producer  *mq.Producer
	topic     string
	metrics   *metrics.Metrics

	// 连续保证金不足计数，按账户累计，成功入账后清零
	mu          sync.Mutex
	marginMiss  map[string]int
	marginAfter int
}

// NewRiskEventService 创建风控事件服务
func NewRiskEventService(repo domain.RiskEventRepository, auditRepo auditdomain.AuditRepository,
	producer *mq.Producer, topic string, m *metrics.Metrics, marginCallAfter int) *RiskEventService {
	if marginCallAfter <= 0 {
		marginCallAfter = 3
	}
	return &RiskEventService{
		repo:        repo,
		auditRepo:   auditRepo,
		producer:    producer,
		topic:       topic,
		metrics:     m,
		marginMiss:  make(map[string]int),
		marginAfter: marginCallAfter,
	}
}

// Raise 生成并发布一条风控事件。落库参与调用方事务；
// 消息发布是尽力而为，失败只记日志，事件已持久化可由巡检补发。
func (s *RiskEventService) Raise(ctx context.Context, accountID string, eventType domain.RiskEventType,
	severity domain.RiskSeverity, details domain.EventDetails) (*domain.RiskEvent, error) {

	event := domain.NewRiskEvent(fmt.Sprintf("RSK-%d", idgen.GenID()), accountID, eventType, severity, details)
	if err := s.repo.Save(ctx, event); err != nil {
		return nil, err
	}
	if err := s.auditRepo.Append(ctx, auditdomain.NewEntry(
		accountID, "RISK_GATE", "RISK_EVENT_RAISED", "risk_event", event.EventID, event)); err != nil {
		return nil, err
	}

	if s.producer != nil {
		if err := s.producer.Send(ctx, s.topic, accountID, event); err != nil {
			logger.Warn(ctx, "risk event publish failed, event persisted",
				"event_id", event.EventID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.RiskEventsRaised.WithLabelValues(string(eventType), string(severity)).Inc()
	}
	logger.Info(ctx, "risk event raised",
		"event_id", event.EventID, "account_id", accountID,
		"event_type", eventType, "severity", severity)
	return event, nil
}

// RecordMarginMiss 记录一次资金不足的成交入账失败；
// 连续达到阈值时升级为 MARGIN_CALL 事件并清零计数。
func (s *RiskEventService) RecordMarginMiss(ctx context.Context, accountID, orderID, currency string) error {
	s.mu.Lock()
	s.marginMiss[accountID]++
	count := s.marginMiss[accountID]
	trigger := count >= s.marginAfter
	if trigger {
		s.marginMiss[accountID] = 0
	}
	s.mu.Unlock()

	if !trigger {
		return nil
	}
	_, err := s.Raise(ctx, accountID, domain.RiskEventMarginCall, domain.SeverityCritical,
		domain.NewDetails("margin_call", domain.MarginCallDetails{
			Occurrences: count,
			LastOrderID: orderID,
			Currency:    currency,
		}))
	return err
}

// ClearMarginMiss 成交成功入账后清零追缴计数
func (s *RiskEventService) ClearMarginMiss(accountID string) {
	s.mu.Lock()
	delete(s.marginMiss, accountID)
	s.mu.Unlock()
}

// Acknowledge 复核人确认事件
func (s *RiskEventService) Acknowledge(ctx context.Context, eventID, reviewer string) (*domain.RiskEvent, error) {
	event, err := s.repo.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("risk event %s not found", eventID)
	}
	if err := event.Acknowledge(reviewer); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// Resolve 关闭事件
func (s *RiskEventService) Resolve(ctx context.Context, eventID, reviewer, notes string) (*domain.RiskEvent, error) {
	event, err := s.repo.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("risk event %s not found", eventID)
	}
	if err := event.Resolve(reviewer, notes); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// List 查询事件
func (s *RiskEventService) List(ctx context.Context, accountID string, status domain.RiskEventStatus, limit, offset int) ([]*domain.RiskEvent, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, accountID, status, limit, offset)
}
