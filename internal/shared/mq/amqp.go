package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultExchange is the durable topic exchange messages are published to;
// the topic is the routing key.
const DefaultExchange = "liveauction.events"

// AMQPPublisher publishes persistent JSON messages to a RabbitMQ topic
// exchange over one long-lived connection, reopened after it drops.
type AMQPPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials url and declares exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	log.Info("AMQP publisher connected", zap.String("exchange", exchange))
	return p, nil
}

// connect opens the connection and channel. Caller holds p.mu or owns p exclusively.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp: dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp: channel open failed: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp: exchange declare failed: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed() {
		log.Warn("AMQP connection lost, reconnecting", zap.String("exchange", p.exchange))
		if err := p.connect(); err != nil {
			return err
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    key,
		Headers:      amqp.Table{"key": key},
		Body:         payload,
	}
	if err := p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		topic,      // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	); err != nil {
		return fmt.Errorf("amqp: publish to %s: %w", topic, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}
