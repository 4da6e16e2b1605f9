package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/craftbazaar/api/internal/services"
)

// PubSubPublisher fans messages out to the notification and refund topics.
type PubSubPublisher struct {
	notifications *pubsub.Topic
	refunds       *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a Pub/Sub backed publisher for both worker
// queues.
func NewPubSubPublisher(notifications, refunds *pubsub.Topic) (*PubSubPublisher, error) {
	if notifications == nil {
		return nil, errors.New("pubsub publisher: notification topic is required")
	}
	if refunds == nil {
		return nil, errors.New("pubsub publisher: refund topic is required")
	}
	return &PubSubPublisher{
		notifications: notifications,
		refunds:       refunds,
		marshal:       json.Marshal,
	}, nil
}

var _ services.NotificationPublisher = (*PubSubPublisher)(nil)

// PublishNotification enqueues a notification message.
func (p *PubSubPublisher) PublishNotification(ctx context.Context, message services.NotificationMessage) (string, error) {
	if p == nil || p.notifications == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "event", message.Event)
	setAttr(attrs, "userId", message.UserID)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "returnId", message.ReturnID)

	result := p.notifications.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

// PublishRefund enqueues a refund job for the payout worker.
func (p *PubSubPublisher) PublishRefund(ctx context.Context, message services.RefundJobMessage) (string, error) {
	if p == nil || p.refunds == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal refund job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "returnId", message.ReturnID)
	setAttr(attrs, "provider", message.Provider)
	setAttr(attrs, "currency", message.Currency)

	result := p.refunds.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish refund job: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
