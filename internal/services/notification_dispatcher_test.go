package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubPublisher struct {
	mu            sync.Mutex
	notifications []NotificationMessage
	refunds       []RefundJobMessage
	notifyErr     error
	refundErr     error
}

func (s *stubPublisher) PublishNotification(_ context.Context, message NotificationMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifyErr != nil {
		return "", s.notifyErr
	}
	s.notifications = append(s.notifications, message)
	return "msg_1", nil
}

func (s *stubPublisher) PublishRefund(_ context.Context, message RefundJobMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refundErr != nil {
		return "", s.refundErr
	}
	s.refunds = append(s.refunds, message)
	return "msg_2", nil
}

func newDispatcherForTest(t *testing.T, publisher *stubPublisher, capture *eventCapture) NotificationDispatcher {
	t.Helper()
	dispatcher, err := NewNotificationDispatcher(NotificationDispatcherDeps{
		Publisher:   publisher,
		Clock:       fixedClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)),
		IDGenerator: func() string { return "000TEST" },
		Logger:      capture.logger(),
	})
	if err != nil {
		t.Fatalf("NewNotificationDispatcher: %v", err)
	}
	return dispatcher
}

func TestDispatchPublishesMessage(t *testing.T) {
	publisher := &stubPublisher{}
	dispatcher := newDispatcherForTest(t, publisher, &eventCapture{})

	dispatcher.Dispatch(context.Background(), NotificationEvent{
		Event:   "order.placed",
		UserID:  "usr_1",
		OrderID: "ord_1",
		Payload: map[string]any{"number": "CB-2025-000001"},
	})

	if len(publisher.notifications) != 1 {
		t.Fatalf("expected one message, got %d", len(publisher.notifications))
	}
	message := publisher.notifications[0]
	if message.ID != "ntf_000TEST" || message.Event != "order.placed" {
		t.Fatalf("unexpected message: %+v", message)
	}
	if message.OccurredAt.IsZero() {
		t.Fatalf("expected occurredAt defaulted from clock")
	}
}

func TestDispatchSwallowsPublishFailure(t *testing.T) {
	publisher := &stubPublisher{notifyErr: errors.New("topic gone")}
	capture := &eventCapture{}
	dispatcher := newDispatcherForTest(t, publisher, capture)

	dispatcher.Dispatch(context.Background(), NotificationEvent{Event: "order.placed", UserID: "usr_1"})

	if len(capture.byName("notification.publish_failed")) != 1 {
		t.Fatalf("expected publish failure logged once")
	}
}

func TestScheduleRefundValidatesAndPublishes(t *testing.T) {
	publisher := &stubPublisher{}
	dispatcher := newDispatcherForTest(t, publisher, &eventCapture{})

	if err := dispatcher.ScheduleRefund(context.Background(), RefundJob{OrderID: "ord_1", Amount: 0}); !errors.Is(err, ErrNotificationPublish) {
		t.Fatalf("expected ErrNotificationPublish for zero amount, got %v", err)
	}

	err := dispatcher.ScheduleRefund(context.Background(), RefundJob{
		OrderID:          "ord_1",
		ReturnID:         "ret_1",
		Amount:           500,
		Currency:         "INR",
		GatewayPaymentID: "rzp_pay_1",
		Provider:         "razorpay",
		Reason:           "return accepted",
	})
	if err != nil {
		t.Fatalf("ScheduleRefund: %v", err)
	}
	if len(publisher.refunds) != 1 {
		t.Fatalf("expected one refund message, got %d", len(publisher.refunds))
	}
	message := publisher.refunds[0]
	if message.Amount != 500 || message.GatewayPaymentID != "rzp_pay_1" || message.ReturnID != "ret_1" {
		t.Fatalf("unexpected refund message: %+v", message)
	}
}

func TestScheduleRefundPropagatesPublishError(t *testing.T) {
	publisher := &stubPublisher{refundErr: errors.New("queue down")}
	dispatcher := newDispatcherForTest(t, publisher, &eventCapture{})

	if err := dispatcher.ScheduleRefund(context.Background(), RefundJob{OrderID: "ord_1", Amount: 500}); !errors.Is(err, ErrNotificationPublish) {
		t.Fatalf("expected ErrNotificationPublish, got %v", err)
	}
}
