package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

type stubRazorpayOrders struct {
	createFn func(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

func (s *stubRazorpayOrders) Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	if s.createFn == nil {
		return nil, errors.New("unexpected Create call")
	}
	return s.createFn(data, extraHeaders)
}

type stubRazorpayPayments struct {
	fetchFn  func(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	refundFn func(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

func (s *stubRazorpayPayments) Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	if s.fetchFn == nil {
		return nil, errors.New("unexpected Fetch call")
	}
	return s.fetchFn(paymentID, queryParams, extraHeaders)
}

func (s *stubRazorpayPayments) Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	if s.refundFn == nil {
		return nil, errors.New("unexpected Refund call")
	}
	return s.refundFn(paymentID, amount, data, extraHeaders)
}

func newRazorpayForTest(t *testing.T, orders razorpayOrderAPI, payments razorpayPaymentAPI) *RazorpayProvider {
	t.Helper()
	if orders == nil {
		orders = &stubRazorpayOrders{}
	}
	if payments == nil {
		payments = &stubRazorpayPayments{}
	}
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeySecret: "test_secret",
		Clients:   &RazorpayClients{Orders: orders, Payments: payments},
		Clock:     func() time.Time { return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewRazorpayProvider: %v", err)
	}
	return provider
}

func signPayload(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestRazorpayCreateOrder(t *testing.T) {
	orders := &stubRazorpayOrders{createFn: func(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
		if data["amount"] != int64(94400) {
			t.Fatalf("expected amount in paise, got %v", data["amount"])
		}
		if data["currency"] != "INR" {
			t.Fatalf("expected INR, got %v", data["currency"])
		}
		return map[string]interface{}{
			"id":       "order_R1",
			"amount":   float64(94400),
			"currency": "INR",
			"status":   "created",
		}, nil
	}}
	provider := newRazorpayForTest(t, orders, nil)

	order, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 94400, Currency: "inr", Receipt: "CB-2025-000042"})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.ID != "order_R1" || order.Amount != 94400 || order.Status != "created" {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestRazorpayCreateOrderGatewayDown(t *testing.T) {
	orders := &stubRazorpayOrders{createFn: func(map[string]interface{}, map[string]string) (map[string]interface{}, error) {
		return nil, errors.New("connection refused")
	}}
	provider := newRazorpayForTest(t, orders, nil)

	if _, err := provider.CreateOrder(context.Background(), OrderRequest{Amount: 100, Currency: "INR"}); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestRazorpayVerifySignature(t *testing.T) {
	provider := newRazorpayForTest(t, nil, nil)

	valid := signPayload("test_secret", "order_R1", "pay_R1")
	if err := provider.VerifySignature(context.Background(), VerifyRequest{
		GatewayOrderID:   "order_R1",
		GatewayPaymentID: "pay_R1",
		Signature:        valid,
	}); err != nil {
		t.Fatalf("expected valid signature to pass, got %v", err)
	}

	if err := provider.VerifySignature(context.Background(), VerifyRequest{
		GatewayOrderID:   "order_R1",
		GatewayPaymentID: "pay_R1",
		Signature:        signPayload("wrong_secret", "order_R1", "pay_R1"),
	}); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}

	// A signature for a different payment must not verify.
	if err := provider.VerifySignature(context.Background(), VerifyRequest{
		GatewayOrderID:   "order_R1",
		GatewayPaymentID: "pay_R2",
		Signature:        valid,
	}); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch for swapped payment, got %v", err)
	}
}

func TestRazorpayLookupPayment(t *testing.T) {
	payments := &stubRazorpayPayments{fetchFn: func(paymentID string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
		return map[string]interface{}{
			"id":         paymentID,
			"order_id":   "order_R1",
			"status":     "captured",
			"amount":     float64(94400),
			"currency":   "INR",
			"method":     "upi",
			"created_at": float64(1741608000),
		}, nil
	}}
	provider := newRazorpayForTest(t, nil, payments)

	details, err := provider.LookupPayment(context.Background(), "pay_R1")
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if details.Status != StatusSucceeded || !details.Captured {
		t.Fatalf("expected captured payment, got %+v", details)
	}
	if details.OrderID != "order_R1" || details.Amount != 94400 || details.Method != "upi" {
		t.Fatalf("unexpected details: %+v", details)
	}
	if details.CapturedAt == nil || details.CapturedAt.Unix() != 1741608000 {
		t.Fatalf("expected captured_at from gateway timestamp, got %v", details.CapturedAt)
	}
}

func TestRazorpayRefund(t *testing.T) {
	var gotAmount int
	payments := &stubRazorpayPayments{refundFn: func(paymentID string, amount int, data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
		gotAmount = amount
		return map[string]interface{}{
			"id":     "rfnd_R1",
			"status": "processed",
			"amount": float64(amount),
		}, nil
	}}
	provider := newRazorpayForTest(t, nil, payments)

	amount := int64(45000)
	refund, err := provider.Refund(context.Background(), RefundRequest{
		GatewayPaymentID: "pay_R1",
		Amount:           &amount,
		Reason:           "return completed",
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if gotAmount != 45000 {
		t.Fatalf("expected partial refund amount forwarded, got %d", gotAmount)
	}
	if refund.Status != StatusRefunded || refund.ID != "rfnd_R1" {
		t.Fatalf("unexpected refund: %+v", refund)
	}
}
