package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/services"
)

type stubCheckoutService struct {
	beginFunc    func(ctx context.Context, cmd services.BeginCheckoutCommand) (services.PaymentIntent, error)
	verifyFunc   func(ctx context.Context, cmd services.VerifyCheckoutCommand) (services.Order, error)
	confirmFunc  func(ctx context.Context, cmd services.ConfirmGatewayPaymentCommand) (services.Order, error)
	dismissFunc  func(ctx context.Context, cmd services.DismissCheckoutCommand) (services.PaymentIntent, error)
	placeCODFunc func(ctx context.Context, cmd services.PlaceCODOrderCommand) (services.Order, error)
}

func (s *stubCheckoutService) Begin(ctx context.Context, cmd services.BeginCheckoutCommand) (services.PaymentIntent, error) {
	if s.beginFunc == nil {
		return services.PaymentIntent{}, nil
	}
	return s.beginFunc(ctx, cmd)
}

func (s *stubCheckoutService) Verify(ctx context.Context, cmd services.VerifyCheckoutCommand) (services.Order, error) {
	if s.verifyFunc == nil {
		return services.Order{}, nil
	}
	return s.verifyFunc(ctx, cmd)
}

func (s *stubCheckoutService) ConfirmGatewayPayment(ctx context.Context, cmd services.ConfirmGatewayPaymentCommand) (services.Order, error) {
	if s.confirmFunc == nil {
		return services.Order{}, nil
	}
	return s.confirmFunc(ctx, cmd)
}

func (s *stubCheckoutService) Dismiss(ctx context.Context, cmd services.DismissCheckoutCommand) (services.PaymentIntent, error) {
	if s.dismissFunc == nil {
		return services.PaymentIntent{}, nil
	}
	return s.dismissFunc(ctx, cmd)
}

func (s *stubCheckoutService) PlaceCODOrder(ctx context.Context, cmd services.PlaceCODOrderCommand) (services.Order, error) {
	if s.placeCODFunc == nil {
		return services.Order{}, nil
	}
	return s.placeCODFunc(ctx, cmd)
}

func newCheckoutRouter(service services.CheckoutService, opts ...CheckoutOption) chi.Router {
	handler := NewCheckoutHandlers(nil, service, opts...)
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)
	return router
}

const checkoutAddress = `{"name":"Asha Rao","line1":"12 MG Road","city":"Bengaluru","state":"KA","postal_code":"560001","country":"in","phone":"+919900112233"}`

func TestCheckoutHandlersBegin(t *testing.T) {
	var got services.BeginCheckoutCommand
	service := &stubCheckoutService{
		beginFunc: func(ctx context.Context, cmd services.BeginCheckoutCommand) (services.PaymentIntent, error) {
			got = cmd
			return services.PaymentIntent{
				ID:             "pay_1",
				Status:         domain.IntentStatusAuthorizationPending,
				Method:         domain.PaymentMethodGateway,
				Provider:       "razorpay",
				GatewayOrderID: "order_rzp_1",
				Amount:         944,
				Currency:       "INR",
				Quote:          services.Quote{Currency: "INR", Subtotal: 800, Tax: 144, Total: 944},
				CreatedAt:      time.Date(2024, 5, 12, 10, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	router := newCheckoutRouter(service)

	payload := `{"shipping_address":` + checkoutAddress + `}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/", strings.NewReader(payload)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.UserID != "user-7" {
		t.Fatalf("unexpected user id %q", got.UserID)
	}
	if got.Method != domain.PaymentMethodGateway {
		t.Fatalf("expected gateway method, got %q", got.Method)
	}
	if got.ShippingAddress.City != "Bengaluru" || got.ShippingAddress.Country != "IN" {
		t.Fatalf("unexpected shipping address %+v", got.ShippingAddress)
	}

	var body intentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Intent.ID != "pay_1" || body.Intent.Status != "authorization_pending" {
		t.Fatalf("unexpected intent payload: %+v", body.Intent)
	}
	if body.Intent.GatewayOrderID != "order_rzp_1" {
		t.Fatalf("expected gateway order id, got %q", body.Intent.GatewayOrderID)
	}
}

func TestCheckoutHandlersBeginBuyNow(t *testing.T) {
	var got services.BeginCheckoutCommand
	service := &stubCheckoutService{
		beginFunc: func(ctx context.Context, cmd services.BeginCheckoutCommand) (services.PaymentIntent, error) {
			got = cmd
			return services.PaymentIntent{ID: "pay_2"}, nil
		},
	}
	router := newCheckoutRouter(service)

	payload := `{"buy_now":{"product_id":"prd_5","quantity":1},"shipping_address":` + checkoutAddress + `}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/", strings.NewReader(payload)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.BuyNow == nil || got.BuyNow.ProductID != "prd_5" || got.BuyNow.Quantity != 1 {
		t.Fatalf("expected buy-now command, got %+v", got.BuyNow)
	}
}

func TestCheckoutHandlersBeginBuyNowDefaultsQuantity(t *testing.T) {
	var got services.BeginCheckoutCommand
	service := &stubCheckoutService{
		beginFunc: func(ctx context.Context, cmd services.BeginCheckoutCommand) (services.PaymentIntent, error) {
			got = cmd
			return services.PaymentIntent{ID: "pay_3"}, nil
		},
	}
	router := newCheckoutRouter(service)

	payload := `{"buy_now":{"product_id":"prd_5"},"shipping_address":` + checkoutAddress + `}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/", strings.NewReader(payload)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.BuyNow == nil || got.BuyNow.Quantity != 1 {
		t.Fatalf("expected quantity to default to 1, got %+v", got.BuyNow)
	}

	rr = httptest.NewRecorder()
	negative := `{"buy_now":{"product_id":"prd_5","quantity":-2},"shipping_address":` + checkoutAddress + `}`
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/", strings.NewReader(negative)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for negative quantity, got %d", rr.Code)
	}
}

func TestCheckoutHandlersBeginRequiresAddress(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/", strings.NewReader(`{}`)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutHandlersBeginRateLimited(t *testing.T) {
	service := &stubCheckoutService{}
	router := newCheckoutRouter(service, WithCheckoutRateLimit(1, time.Minute))

	payload := `{"shipping_address":` + checkoutAddress + `}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/", strings.NewReader(payload)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/", strings.NewReader(payload)))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
}

func TestCheckoutHandlersVerify(t *testing.T) {
	var got services.VerifyCheckoutCommand
	service := &stubCheckoutService{
		verifyFunc: func(ctx context.Context, cmd services.VerifyCheckoutCommand) (services.Order, error) {
			got = cmd
			return services.Order{
				ID:            "ord_1",
				Status:        domain.OrderStatusPlaced,
				PaymentStatus: domain.PaymentStatusPaid,
				IntentID:      cmd.IntentID,
			}, nil
		},
	}
	router := newCheckoutRouter(service)

	payload := `{"gateway_order_id":"order_rzp_1","gateway_payment_id":"pay_rzp_9","gateway_signature":"sig"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/pay_1/verify", strings.NewReader(payload)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.IntentID != "pay_1" || got.GatewayPaymentID != "pay_rzp_9" {
		t.Fatalf("unexpected verify command: %+v", got)
	}

	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Order.ID != "ord_1" || body.Order.PaymentStatus != "paid" {
		t.Fatalf("unexpected order payload: %+v", body.Order)
	}
}

func TestCheckoutHandlersVerifyMissingFields(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	payload := `{"gateway_order_id":"order_rzp_1"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/pay_1/verify", strings.NewReader(payload)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutHandlersVerifyFailed(t *testing.T) {
	service := &stubCheckoutService{
		verifyFunc: func(ctx context.Context, cmd services.VerifyCheckoutCommand) (services.Order, error) {
			return services.Order{}, services.ErrCheckoutVerificationFailed
		},
	}
	router := newCheckoutRouter(service)

	payload := `{"gateway_order_id":"o","gateway_payment_id":"p","gateway_signature":"bad"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/pay_1/verify", strings.NewReader(payload)))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func newWebhookRouter(service services.CheckoutService) chi.Router {
	handler := NewCheckoutHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.WebhookRoutes)
	return router
}

func TestCheckoutHandlersGatewayCallback(t *testing.T) {
	var got services.ConfirmGatewayPaymentCommand
	service := &stubCheckoutService{
		confirmFunc: func(ctx context.Context, cmd services.ConfirmGatewayPaymentCommand) (services.Order, error) {
			got = cmd
			return services.Order{ID: "ord_1", Status: domain.OrderStatusPlaced, PaymentStatus: domain.PaymentStatusPaid}, nil
		},
	}
	router := newWebhookRouter(service)

	payload := `{"gateway_order_id":"order_rzp_1","gateway_payment_id":"pay_rzp_9","gateway_signature":"sig"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/razorpay", strings.NewReader(payload)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Provider != "razorpay" || got.GatewayOrderID != "order_rzp_1" || got.GatewayPaymentID != "pay_rzp_9" {
		t.Fatalf("unexpected command %+v", got)
	}

	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Order.ID != "ord_1" || body.Order.PaymentStatus != "paid" {
		t.Fatalf("unexpected order payload: %+v", body.Order)
	}
}

func TestCheckoutHandlersGatewayCallbackMissingFields(t *testing.T) {
	router := newWebhookRouter(&stubCheckoutService{})

	payload := `{"gateway_order_id":"order_rzp_1"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/razorpay", strings.NewReader(payload)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCheckoutHandlersDismiss(t *testing.T) {
	var got services.DismissCheckoutCommand
	service := &stubCheckoutService{
		dismissFunc: func(ctx context.Context, cmd services.DismissCheckoutCommand) (services.PaymentIntent, error) {
			got = cmd
			return services.PaymentIntent{ID: cmd.IntentID, Status: domain.IntentStatusCancelled}, nil
		},
	}
	router := newCheckoutRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/pay_1/dismiss", strings.NewReader(`{"reason":"changed my mind"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Reason != "changed my mind" {
		t.Fatalf("unexpected reason %q", got.Reason)
	}

	var body intentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Intent.Status != "cancelled" {
		t.Fatalf("expected cancelled intent, got %q", body.Intent.Status)
	}
}

func TestCheckoutHandlersDismissEmptyBody(t *testing.T) {
	service := &stubCheckoutService{
		dismissFunc: func(ctx context.Context, cmd services.DismissCheckoutCommand) (services.PaymentIntent, error) {
			return services.PaymentIntent{ID: cmd.IntentID, Status: domain.IntentStatusCancelled}, nil
		},
	}
	router := newCheckoutRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/pay_1/dismiss", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestCheckoutHandlersPlaceCOD(t *testing.T) {
	var got services.PlaceCODOrderCommand
	service := &stubCheckoutService{
		placeCODFunc: func(ctx context.Context, cmd services.PlaceCODOrderCommand) (services.Order, error) {
			got = cmd
			return services.Order{
				ID:            "ord_cod",
				Status:        domain.OrderStatusPlaced,
				PaymentStatus: domain.PaymentStatusPending,
				PaymentMethod: domain.PaymentMethodCOD,
			}, nil
		},
	}
	router := newCheckoutRouter(service)

	payload := `{"shipping_address":` + checkoutAddress + `}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/cod", strings.NewReader(payload)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.UserID != "user-7" || got.ShippingAddress.PostalCode != "560001" {
		t.Fatalf("unexpected COD command: %+v", got)
	}

	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Order.PaymentMethod != "cod" {
		t.Fatalf("expected cod payment method, got %q", body.Order.PaymentMethod)
	}
}

func TestCheckoutHandlersIntentNotFound(t *testing.T) {
	service := &stubCheckoutService{
		dismissFunc: func(ctx context.Context, cmd services.DismissCheckoutCommand) (services.PaymentIntent, error) {
			return services.PaymentIntent{}, services.ErrCheckoutNotFound
		},
	}
	router := newCheckoutRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/missing/dismiss", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCheckoutHandlersUnauthenticated(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	req := httptest.NewRequest(http.MethodPost, "/checkout/", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

var _ services.CheckoutService = (*stubCheckoutService)(nil)
