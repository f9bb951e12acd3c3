// Package mq holds the outbound message publishers. Every publisher sends an
// opaque JSON payload to a topic, with a key used for ordering where the
// broker supports it.
package mq

import (
	"context"
	"fmt"

	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// Publisher is implemented by every broker adapter.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// NewPublisher builds the publisher selected by cfg.Broker.
func NewPublisher(cfg config.Config) (Publisher, error) {
	switch cfg.Broker {
	case config.BrokerAMQP:
		return NewAMQPPublisher(cfg.AMQPURL, DefaultExchange)
	case config.BrokerKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers), nil
	case config.BrokerNone, "":
		return NewLogPublisher(), nil
	}
	return nil, fmt.Errorf("mq: unknown broker %q", cfg.Broker)
}

// LogPublisher only logs. It is used when no broker is configured.
type LogPublisher struct{}

// NewLogPublisher creates a new instance of LogPublisher
func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

func (p *LogPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	log.Info("Outbound message (no broker configured)",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.ByteString("payload", payload))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
