// Package consumer 订阅交易所适配器推送的事件流并分发到账本用例。
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clearingapp "github.com/wyfcoding/cryptoledger/internal/clearing/application"
	orderapp "github.com/wyfcoding/cryptoledger/internal/order/application"
	recondomain "github.com/wyfcoding/cryptoledger/internal/reconciliation/domain"
	"github.com/wyfcoding/cryptoledger/pkg/logger"
	"github.com/wyfcoding/cryptoledger/pkg/mq"
)

// 交易所事件类型
const (
	EventTypeOrderAck = "order_ack"
	EventTypeFill     = "fill"
	EventTypeSnapshot = "snapshot"
)

// envelope 交易所事件信封
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// orderAckPayload 订单确认事件负载
type orderAckPayload struct {
	OrderID         string `json:"order_id"`
	ExchangeOrderID string `json:"exchange_order_id"`
}

// SnapshotSink 交易所快照的接收方
type SnapshotSink interface {
	SubmitSnapshot(ctx context.Context, snapshot *recondomain.ExchangeSnapshot) error
}

// ExchangeConsumer 交易所事件消费者。
// 单条消息处理失败不阻塞流：不可重试的消息转入死信队列后继续。
type ExchangeConsumer struct {
	consumer *mq.Consumer
	dlq      *mq.DeadLetterQueue
	orderSvc *orderapp.OrderService
	fillSvc  *clearingapp.FillAggregator
	snapSink SnapshotSink
}

// NewExchangeConsumer 创建交易所事件消费者
func NewExchangeConsumer(consumer *mq.Consumer, dlq *mq.DeadLetterQueue,
	orderSvc *orderapp.OrderService, fillSvc *clearingapp.FillAggregator, snapSink SnapshotSink) *ExchangeConsumer {
	return &ExchangeConsumer{
		consumer: consumer,
		dlq:      dlq,
		orderSvc: orderSvc,
		fillSvc:  fillSvc,
		snapSink: snapSink,
	}
}

// Run 阻塞消费，直到 ctx 取消
func (c *ExchangeConsumer) Run(ctx context.Context) {
	logger.Info(ctx, "exchange event consumer started")
	for {
		msg, err := c.consumer.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				logger.Info(ctx, "exchange event consumer stopped")
				return
			}
			logger.Error(ctx, "exchange event read failed", "error", err)
			continue
		}

		if err := c.dispatch(ctx, msg); err != nil {
			logger.Error(ctx, "exchange event processing failed",
				"topic", msg.Topic, "offset", msg.Offset, "error", err)
			if dlqErr := c.dlq.Send(ctx, msg, "processing failed", err); dlqErr != nil {
				logger.Error(ctx, "dead letter publish failed", "offset", msg.Offset, "error", dlqErr)
			}
		}
	}
}

func (c *ExchangeConsumer) dispatch(ctx context.Context, msg *mq.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return fmt.Errorf("malformed event envelope: %w", err)
	}

	switch env.Type {
	case EventTypeOrderAck:
		var payload orderAckPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("malformed order_ack payload: %w", err)
		}
		return c.orderSvc.HandleOrderAck(ctx, payload.OrderID, payload.ExchangeOrderID)

	case EventTypeFill:
		var report clearingapp.FillReport
		if err := json.Unmarshal(env.Payload, &report); err != nil {
			return fmt.Errorf("malformed fill payload: %w", err)
		}
		return c.fillSvc.IngestFill(ctx, &report)

	case EventTypeSnapshot:
		var snapshot recondomain.ExchangeSnapshot
		if err := json.Unmarshal(env.Payload, &snapshot); err != nil {
			return fmt.Errorf("malformed snapshot payload: %w", err)
		}
		return c.snapSink.SubmitSnapshot(ctx, &snapshot)

	default:
		return fmt.Errorf("unknown exchange event type %q", env.Type)
	}
}
