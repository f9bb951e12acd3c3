package application

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
)

// Outbound topics.
const (
	TopicAuctionClosed = "auction.closed"
	TopicNotifications = "auction.notifications"
)

// EventPublisher hands integration messages to the outbound broker.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// NotificationMessage is what a REST subscriber's notification channel receives for each event.
type NotificationMessage struct {
	SubscriberID string       `json:"subscriberId"`
	Event        domain.Event `json:"event"`
}

// NotificationSink forwards hub events of one REST subscription to the
// notification topic, keyed by subscriber so a consumer sees them in order.
type NotificationSink struct {
	subscriberID string
	publisher    EventPublisher
}

// NewNotificationSink creates a new instance of NotificationSink
func NewNotificationSink(subscriberID string, publisher EventPublisher) *NotificationSink {
	return &NotificationSink{subscriberID: subscriberID, publisher: publisher}
}

// Deliver implements broadcast.Sink.
func (s *NotificationSink) Deliver(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(NotificationMessage{SubscriberID: s.subscriberID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.publisher.Publish(ctx, TopicNotifications, s.subscriberID, payload); err != nil {
		return fmt.Errorf("publish notification for %s: %w", s.subscriberID, err)
	}
	return nil
}

// Close implements broadcast.Sink. The publisher is shared and outlives the sink.
func (s *NotificationSink) Close() {}
