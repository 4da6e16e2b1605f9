package payments

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name          string
	createOrderFn func(ctx context.Context, req OrderRequest) (GatewayOrder, error)
	verifyFn      func(ctx context.Context, req VerifyRequest) error
	lookupFn      func(ctx context.Context, paymentID string) (PaymentDetails, error)
	refundFn      func(ctx context.Context, req RefundRequest) (Refund, error)
}

func (s *stubProvider) CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error) {
	if s.createOrderFn == nil {
		return GatewayOrder{ID: s.name + "_order"}, nil
	}
	return s.createOrderFn(ctx, req)
}

func (s *stubProvider) VerifySignature(ctx context.Context, req VerifyRequest) error {
	if s.verifyFn == nil {
		return nil
	}
	return s.verifyFn(ctx, req)
}

func (s *stubProvider) LookupPayment(ctx context.Context, paymentID string) (PaymentDetails, error) {
	if s.lookupFn == nil {
		return PaymentDetails{Provider: s.name}, nil
	}
	return s.lookupFn(ctx, paymentID)
}

func (s *stubProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if s.refundFn == nil {
		return Refund{}, nil
	}
	return s.refundFn(ctx, req)
}

func TestManagerDefaultsToRazorpay(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"razorpay": &stubProvider{name: "razorpay"},
		"stripe":   &stubProvider{name: "stripe"},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	order, err := manager.CreateOrder(context.Background(), PaymentContext{}, OrderRequest{Amount: 100, Currency: "INR"})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Provider != "razorpay" {
		t.Fatalf("expected razorpay default, got %q", order.Provider)
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"razorpay": &stubProvider{name: "razorpay"},
		"stripe":   &stubProvider{name: "stripe"},
	}, WithCurrencyRoutes(map[string]string{"usd": "stripe"}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	order, err := manager.CreateOrder(context.Background(), PaymentContext{Currency: "USD"}, OrderRequest{Amount: 100, Currency: "USD"})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Provider != "stripe" {
		t.Fatalf("expected currency route to stripe, got %q", order.Provider)
	}
}

func TestManagerPrefersExplicitProvider(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"razorpay": &stubProvider{name: "razorpay"},
		"stripe":   &stubProvider{name: "stripe"},
	}, WithCurrencyRoutes(map[string]string{"INR": "razorpay"}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	order, err := manager.CreateOrder(context.Background(), PaymentContext{PreferredProvider: "stripe", Currency: "INR"}, OrderRequest{Amount: 100, Currency: "INR"})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Provider != "stripe" {
		t.Fatalf("expected explicit provider to win, got %q", order.Provider)
	}
}

func TestManagerUnknownProvider(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{name: "stripe"},
		"mock":   &stubProvider{name: "mock"},
	}, WithDefaultProvider("missing"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := manager.CreateOrder(context.Background(), PaymentContext{}, OrderRequest{Amount: 100}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerSingleProviderFallback(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{name: "stripe"},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := manager.VerifySignature(context.Background(), PaymentContext{}, VerifyRequest{GatewayOrderID: "pi_1"}); err != nil {
		t.Fatalf("expected lone provider fallback, got %v", err)
	}
}
