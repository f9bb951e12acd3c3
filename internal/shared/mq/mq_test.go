package mq

import (
	"context"
	"os"
	"testing"

	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisher(t *testing.T) {
	p, err := NewPublisher(config.Config{Broker: config.BrokerNone})
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, p)
	require.NoError(t, p.Publish(context.Background(), "auction.closed", "a1", []byte(`{}`)))
	require.NoError(t, p.Close())

	p, err = NewPublisher(config.Config{Broker: config.BrokerKafka, KafkaBrokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, p)
	require.NoError(t, p.Close())

	_, err = NewPublisher(config.Config{Broker: "nats"})
	require.Error(t, err)
}

func TestAMQPPublisher(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set, skipping rabbitmq integration test")
	}
	p, err := NewAMQPPublisher(url, "liveauction.test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Publish(context.Background(), "auction.closed", "a1", []byte(`{"auctionId":"a1"}`)))
}
