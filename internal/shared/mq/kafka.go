package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes messages with kafka-go; the key picks the partition,
// so messages of one auction or subscriber stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a producer for brokers. No connection is opened until the first write.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
	log.Info("Kafka publisher created", zap.Strings("brokers", brokers))
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	log.Debug("Kafka message sent", zap.String("topic", topic), zap.String("key", key))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
