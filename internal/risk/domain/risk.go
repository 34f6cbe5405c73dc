// Package domain 包含风控事件与准入闸门的领域模型。
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RiskEventType 风控事件类型
type RiskEventType string

const (
	RiskEventPositionLimit    RiskEventType = "POSITION_LIMIT"
	RiskEventDrawdownLimit    RiskEventType = "DRAWDOWN_LIMIT"
	RiskEventExposureLimit    RiskEventType = "EXPOSURE_LIMIT"
	RiskEventVolatilityAlert  RiskEventType = "VOLATILITY_ALERT"
	RiskEventMarginCall       RiskEventType = "MARGIN_CALL"
	RiskEventRegulatoryBreach RiskEventType = "REGULATORY_BREACH"
	RiskEventLargeLoss        RiskEventType = "LARGE_LOSS"
)

// RiskSeverity 严重级别
type RiskSeverity string

const (
	SeverityLow      RiskSeverity = "LOW"
	SeverityMedium   RiskSeverity = "MEDIUM"
	SeverityHigh     RiskSeverity = "HIGH"
	SeverityCritical RiskSeverity = "CRITICAL"
)

// RiskEventStatus 事件处理状态
type RiskEventStatus string

const (
	RiskEventStatusOpen         RiskEventStatus = "OPEN"
	RiskEventStatusAcknowledged RiskEventStatus = "ACKNOWLEDGED"
	RiskEventStatusResolved     RiskEventStatus = "RESOLVED"
)

// ErrEventClosed 事件已终结，不允许再变更
var ErrEventClosed = errors.New("risk event already resolved")

// EventDetails 事件明细，按类型携带结构化负载。
// 持久化为 {"kind": ..., "data": ...} 形式的 JSON 列。
type EventDetails struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// LimitBreachDetails 限额类事件明细
type LimitBreachDetails struct {
	Rule      string          `json:"rule"`
	Symbol    string          `json:"symbol,omitempty"`
	Limit     decimal.Decimal `json:"limit"`
	Observed  decimal.Decimal `json:"observed"`
	Reference string          `json:"reference,omitempty"`
}

// DiscrepancyDetails 对账差异类事件明细
type DiscrepancyDetails struct {
	RecordID string          `json:"record_id"`
	Type     string          `json:"type"`
	RefID    string          `json:"ref_id"`
	Expected string          `json:"expected"`
	Actual   string          `json:"actual"`
	Delta    decimal.Decimal `json:"delta"`
}

// MarginCallDetails 保证金追缴类事件明细
type MarginCallDetails struct {
	Occurrences int    `json:"occurrences"`
	LastOrderID string `json:"last_order_id,omitempty"`
	Currency    string `json:"currency"`
}

// NewDetails 按类型封装事件明细
func NewDetails(kind string, data any) EventDetails {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return EventDetails{Kind: kind, Data: raw}
}

// RiskEvent 风控事件实体
type RiskEvent struct {
	gorm.Model
	// 事件 ID (业务主键)
	EventID string `gorm:"column:event_id;type:varchar(32);uniqueIndex;not null" json:"event_id"`
	// 账户 ID
	AccountID string `gorm:"column:account_id;type:varchar(32);index;not null" json:"account_id"`
	// 事件类型
	EventType RiskEventType `gorm:"column:event_type;type:varchar(20);index;not null" json:"event_type"`
	// 严重级别
	Severity RiskSeverity `gorm:"column:severity;type:varchar(10);not null" json:"severity"`
	// 处理状态
	Status RiskEventStatus `gorm:"column:status;type:varchar(15);index;not null" json:"status"`
	// 明细（JSON: {"kind", "data"}）
	Details string `gorm:"column:details;type:text" json:"details"`
	// 复核人
	Reviewer string `gorm:"column:reviewer;type:varchar(32)" json:"reviewer"`
	// 处理备注
	Notes string `gorm:"column:notes;type:text" json:"notes"`
	// 事件发生时间
	RaisedAt time.Time `gorm:"column:raised_at;index" json:"raised_at"`
}

// TableName 指定表名
func (RiskEvent) TableName() string {
	return "risk_events"
}

// NewRiskEvent 创建风控事件
func NewRiskEvent(eventID, accountID string, eventType RiskEventType, severity RiskSeverity, details EventDetails) *RiskEvent {
	body, _ := json.Marshal(details)
	return &RiskEvent{
		EventID:   eventID,
		AccountID: accountID,
		EventType: eventType,
		Severity:  severity,
		Status:    RiskEventStatusOpen,
		Details:   string(body),
		RaisedAt:  time.Now(),
	}
}

// Acknowledge 复核人确认事件
func (e *RiskEvent) Acknowledge(reviewer string) error {
	if e.Status == RiskEventStatusResolved {
		return ErrEventClosed
	}
	e.Status = RiskEventStatusAcknowledged
	e.Reviewer = reviewer
	return nil
}

// Resolve 关闭事件
func (e *RiskEvent) Resolve(reviewer, notes string) error {
	if e.Status == RiskEventStatusResolved {
		return ErrEventClosed
	}
	e.Status = RiskEventStatusResolved
	e.Reviewer = reviewer
	e.Notes = notes
	return nil
}

// RiskEventRepository 风控事件仓储接口
type RiskEventRepository interface {
	// Save 保存或更新事件
	Save(ctx context.Context, event *RiskEvent) error
	// Get 按事件 ID 查询
	Get(ctx context.Context, eventID string) (*RiskEvent, error)
	// List 按账户与状态分页查询；accountID / status 为空时不过滤
	List(ctx context.Context, accountID string, status RiskEventStatus, limit, offset int) ([]*RiskEvent, int64, error)
}
