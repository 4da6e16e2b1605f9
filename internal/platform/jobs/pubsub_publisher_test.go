package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/craftbazaar/api/internal/services"
)

func newTestPublisher(t *testing.T) (*PubSubPublisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	notifications, err := client.CreateTopic(ctx, "notifications")
	if err != nil {
		t.Fatalf("CreateTopic notifications: %v", err)
	}
	refunds, err := client.CreateTopic(ctx, "refunds")
	if err != nil {
		t.Fatalf("CreateTopic refunds: %v", err)
	}

	publisher, err := NewPubSubPublisher(notifications, refunds)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	return publisher, srv
}

func TestPublishNotificationCarriesAttributes(t *testing.T) {
	publisher, srv := newTestPublisher(t)
	ctx := context.Background()

	msg := services.NotificationMessage{
		ID:         "ntf_test",
		Event:      "order.placed",
		UserID:     "usr_1",
		OrderID:    "ord_1",
		OccurredAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Payload:    map[string]any{"number": "CB-2025-000001"},
	}
	if _, err := publisher.PublishNotification(ctx, msg); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.NotificationMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID != msg.ID || payload.Event != msg.Event {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["event"]; attr != "order.placed" {
		t.Fatalf("expected event attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["returnId"]; ok {
		t.Fatalf("empty returnId must not be set as an attribute")
	}
}

func TestPublishRefundCarriesAttributes(t *testing.T) {
	publisher, srv := newTestPublisher(t)
	ctx := context.Background()

	msg := services.RefundJobMessage{
		ID:               "rfn_test",
		OrderID:          "ord_1",
		ReturnID:         "ret_1",
		Amount:           500,
		Currency:         "INR",
		GatewayPaymentID: "rzp_pay_1",
		Provider:         "razorpay",
		Reason:           "return accepted",
		QueuedAt:         time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	if _, err := publisher.PublishRefund(ctx, msg); err != nil {
		t.Fatalf("PublishRefund: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload services.RefundJobMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Amount != 500 || payload.OrderID != "ord_1" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["provider"]; attr != "razorpay" {
		t.Fatalf("expected provider attribute, got %q", attr)
	}
}
