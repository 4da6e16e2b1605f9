package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotificationPublish wraps failures to enqueue a message.
var ErrNotificationPublish = errors.New("notification: publish failed")

// NotificationPublisher pushes messages onto the background queues. The
// Pub/Sub implementation lives in platform/jobs.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, message NotificationMessage) (string, error)
	PublishRefund(ctx context.Context, message RefundJobMessage) (string, error)
}

// NotificationMessage is the payload delivered to the notification workers.
type NotificationMessage struct {
	ID         string         `json:"id"`
	Event      string         `json:"event"`
	UserID     string         `json:"userId"`
	OrderID    string         `json:"orderId,omitempty"`
	ReturnID   string         `json:"returnId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// RefundJobMessage is the payload delivered to the refund worker.
type RefundJobMessage struct {
	ID               string    `json:"id"`
	OrderID          string    `json:"orderId"`
	ReturnID         string    `json:"returnId,omitempty"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	GatewayPaymentID string    `json:"gatewayPaymentId,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	QueuedAt         time.Time `json:"queuedAt"`
}

// NotificationDispatcherDeps bundles dependencies for the dispatcher.
type NotificationDispatcherDeps struct {
	Publisher   NotificationPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	publisher NotificationPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewNotificationDispatcher wires a NotificationDispatcher over the queue
// publisher.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("notification dispatcher: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &notificationDispatcher{
		publisher: deps.Publisher,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

var _ NotificationDispatcher = (*notificationDispatcher)(nil)

// Dispatch publishes a user-facing event. Fire and forget: a publish failure
// is logged and swallowed so the triggering operation never sees it.
func (d *notificationDispatcher) Dispatch(ctx context.Context, event NotificationEvent) {
	if strings.TrimSpace(event.Event) == "" {
		d.logger(ctx, "notification.dropped_empty_event", map[string]any{"user_id": event.UserID})
		return
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = d.clock()
	}
	message := NotificationMessage{
		ID:         "ntf_" + d.newID(),
		Event:      event.Event,
		UserID:     event.UserID,
		OrderID:    event.OrderID,
		ReturnID:   event.ReturnID,
		OccurredAt: occurredAt,
		Payload:    event.Payload,
	}
	if _, err := d.publisher.PublishNotification(ctx, message); err != nil {
		d.logger(ctx, "notification.publish_failed", map[string]any{
			"event":    event.Event,
			"user_id":  event.UserID,
			"order_id": event.OrderID,
			"error":    err.Error(),
		})
	}
}

// ScheduleRefund enqueues a refund job. Unlike Dispatch the caller learns
// about failures so it can log and leave the order in refund_pending for the
// sweep to pick up.
func (d *notificationDispatcher) ScheduleRefund(ctx context.Context, job RefundJob) error {
	if job.OrderID == "" {
		return fmt.Errorf("%w: order id is required", ErrNotificationPublish)
	}
	if job.Amount <= 0 {
		return fmt.Errorf("%w: refund amount must be positive", ErrNotificationPublish)
	}
	message := RefundJobMessage{
		ID:               "rfn_" + d.newID(),
		OrderID:          job.OrderID,
		ReturnID:         job.ReturnID,
		Amount:           job.Amount,
		Currency:         job.Currency,
		GatewayPaymentID: job.GatewayPaymentID,
		Provider:         job.Provider,
		Reason:           job.Reason,
		QueuedAt:         d.clock(),
	}
	msgID, err := d.publisher.PublishRefund(ctx, message)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationPublish, err)
	}
	d.logger(ctx, "refund.scheduled", map[string]any{
		"message_id": msgID,
		"order_id":   job.OrderID,
		"return_id":  job.ReturnID,
		"amount":     job.Amount,
	})
	return nil
}
