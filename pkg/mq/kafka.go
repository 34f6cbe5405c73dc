// Package mq 提供 Kafka producer/consumer 封装，支持重试与死信队列。
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/cryptoledger/pkg/logger"
)

// Config Kafka 配置
type Config struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int
	MaxRetries     int
	RetryBackoff   int
}

// Producer Kafka 生产者
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg Config) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
	}
	logger.Info(context.Background(), "Kafka producer created", "brokers", cfg.Brokers)
	return &Producer{writer: writer}
}

// Send 序列化并发送单条消息
func (p *Producer) Send(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		logger.Error(ctx, "Failed to send Kafka message", "topic", topic, "key", key, "error", err)
		return err
	}
	logger.Debug(ctx, "Kafka message sent", "topic", topic, "key", key)
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Message 消费到的消息
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest interface{}) error {
	return json.Unmarshal(m.Value, dest)
}

// Consumer Kafka 消费者
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg Config, topic string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})
	logger.Info(context.Background(), "Kafka consumer created",
		"brokers", cfg.Brokers, "topic", topic, "group_id", cfg.GroupID)
	return &Consumer{reader: reader}
}

// Read 读取单条消息，阻塞直到有消息或 ctx 结束
func (c *Consumer) Read(ctx context.Context) (*Message, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logger.Error(ctx, "Failed to read Kafka message", "error", err)
		return nil, err
	}
	return &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Time:      msg.Time,
	}, nil
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DeadLetterQueue 死信队列
type DeadLetterQueue struct {
	producer *Producer
	topic    string
}

// NewDeadLetterQueue 创建死信队列
func NewDeadLetterQueue(producer *Producer, topic string) *DeadLetterQueue {
	return &DeadLetterQueue{producer: producer, topic: topic}
}

// Send 将处理失败的消息连同原因投递到死信主题
func (dlq *DeadLetterQueue) Send(ctx context.Context, original *Message, reason string, cause error) error {
	payload := map[string]interface{}{
		"original_topic":    original.Topic,
		"original_key":      original.Key,
		"original_value":    string(original.Value),
		"original_offset":   original.Offset,
		"failure_reason":    reason,
		"failure_timestamp": time.Now().UTC(),
	}
	if cause != nil {
		payload["failure_error"] = cause.Error()
	}
	return dlq.producer.Send(ctx, dlq.topic, original.Key, payload)
}
