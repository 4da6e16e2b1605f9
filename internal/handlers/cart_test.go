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
	"github.com/craftbazaar/api/internal/platform/auth"
	"github.com/craftbazaar/api/internal/services"
)

type stubCartService struct {
	getOrCreateFunc  func(ctx context.Context, userID string) (services.Cart, error)
	addOrUpdateFunc  func(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error)
	removeItemFunc   func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error)
	applyCouponFunc  func(ctx context.Context, cmd services.ApplyCouponCommand) (services.Cart, error)
	removeCouponFunc func(ctx context.Context, userID string) (services.Cart, error)
	reconcileFunc    func(ctx context.Context, cmd services.ReconcileCartCommand) (services.ReconciledCart, error)
	clearItemsFunc   func(ctx context.Context, cmd services.ClearCartItemsCommand) error
}

func (s *stubCartService) GetOrCreateCart(ctx context.Context, userID string) (services.Cart, error) {
	if s.getOrCreateFunc == nil {
		return services.Cart{}, nil
	}
	return s.getOrCreateFunc(ctx, userID)
}

func (s *stubCartService) AddOrUpdateItem(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error) {
	if s.addOrUpdateFunc == nil {
		return services.Cart{}, nil
	}
	return s.addOrUpdateFunc(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
	if s.removeItemFunc == nil {
		return services.Cart{}, nil
	}
	return s.removeItemFunc(ctx, cmd)
}

func (s *stubCartService) ApplyCoupon(ctx context.Context, cmd services.ApplyCouponCommand) (services.Cart, error) {
	if s.applyCouponFunc == nil {
		return services.Cart{}, nil
	}
	return s.applyCouponFunc(ctx, cmd)
}

func (s *stubCartService) RemoveCoupon(ctx context.Context, userID string) (services.Cart, error) {
	if s.removeCouponFunc == nil {
		return services.Cart{}, nil
	}
	return s.removeCouponFunc(ctx, userID)
}

func (s *stubCartService) Reconcile(ctx context.Context, cmd services.ReconcileCartCommand) (services.ReconciledCart, error) {
	if s.reconcileFunc == nil {
		return services.ReconciledCart{}, nil
	}
	return s.reconcileFunc(ctx, cmd)
}

func (s *stubCartService) ClearItems(ctx context.Context, cmd services.ClearCartItemsCommand) error {
	if s.clearItemsFunc == nil {
		return nil
	}
	return s.clearItemsFunc(ctx, cmd)
}

type stubPricingService struct {
	quoteFunc func(ctx context.Context, cmd services.QuoteCommand) (services.Quote, error)
}

func (s *stubPricingService) Quote(ctx context.Context, cmd services.QuoteCommand) (services.Quote, error) {
	if s.quoteFunc == nil {
		return services.Quote{}, nil
	}
	return s.quoteFunc(ctx, cmd)
}

func newCartRouter(service services.CartService, pricing services.PricingService) chi.Router {
	handler := NewCartHandlers(nil, service, pricing)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)
	return router
}

func authedRequest(method, target string, body *strings.Reader) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-7"}))
}

func TestCartHandlersGetCartSuccess(t *testing.T) {
	now := time.Date(2024, 5, 12, 10, 0, 0, 0, time.UTC)
	updated := now.Add(2 * time.Minute)

	service := &stubCartService{
		getOrCreateFunc: func(ctx context.Context, userID string) (services.Cart, error) {
			if userID != "user-7" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return services.Cart{
				ID:       "crt_7",
				UserID:   "user-7",
				Currency: "inr",
				Items: []services.CartItem{
					{
						Product:   domain.ProductRef{ID: "prd_1"},
						Name:      "Terracotta Vase",
						UnitPrice: 300,
						Quantity:  2,
						LineTotal: 600,
						AddedAt:   now,
					},
				},
				CouponCode: "SAVE100",
				UpdatedAt:  updated,
			}, nil
		},
	}

	router := newCartRouter(service, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("expected Cache-Control no-store, got %q", cc)
	}
	if rr.Header().Get("ETag") == "" {
		t.Fatalf("expected ETag header")
	}
	if lm := rr.Header().Get("Last-Modified"); lm != updated.Format(http.TimeFormat) {
		t.Fatalf("unexpected Last-Modified %q", lm)
	}

	var body struct {
		Cart cartPayload `json:"cart"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Cart.ID != "crt_7" {
		t.Fatalf("unexpected cart id %q", body.Cart.ID)
	}
	if body.Cart.Currency != "INR" {
		t.Fatalf("expected currency INR, got %q", body.Cart.Currency)
	}
	if body.Cart.ItemsCount != 1 || len(body.Cart.Items) != 1 {
		t.Fatalf("expected one item, got %+v", body.Cart)
	}
	if body.Cart.Items[0].ProductID != "prd_1" || body.Cart.Items[0].LineTotal != 600 {
		t.Fatalf("unexpected item payload: %+v", body.Cart.Items[0])
	}
	if body.Cart.CouponCode != "SAVE100" {
		t.Fatalf("expected coupon code, got %q", body.Cart.CouponCode)
	}
}

func TestCartHandlersGetCartUnauthenticated(t *testing.T) {
	router := newCartRouter(&stubCartService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersUpsertItem(t *testing.T) {
	var got services.UpsertCartItemCommand
	service := &stubCartService{
		addOrUpdateFunc: func(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error) {
			got = cmd
			return services.Cart{ID: "crt_7", UserID: cmd.UserID}, nil
		},
	}
	router := newCartRouter(service, nil)

	payload := `{"product":"prd_9","quantity":3,"updated_at":"2024-05-12T10:00:00Z"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", strings.NewReader(payload)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Product.ProductID() != "prd_9" {
		t.Fatalf("expected product prd_9, got %q", got.Product.ProductID())
	}
	if got.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", got.Quantity)
	}
	if got.ExpectedUpdatedAt == nil || !got.ExpectedUpdatedAt.Equal(time.Date(2024, 5, 12, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected updated_at precondition, got %v", got.ExpectedUpdatedAt)
	}
}

func TestCartHandlersUpsertItemAcceptsSnapshot(t *testing.T) {
	var got services.UpsertCartItemCommand
	service := &stubCartService{
		addOrUpdateFunc: func(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error) {
			got = cmd
			return services.Cart{}, nil
		},
	}
	router := newCartRouter(service, nil)

	payload := `{"product":{"id":"prd_2","name":"Brass Lamp","price":1500},"quantity":1}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", strings.NewReader(payload)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Product.Snapshot == nil || got.Product.Snapshot.Name != "Brass Lamp" {
		t.Fatalf("expected product snapshot, got %+v", got.Product)
	}
}

func TestCartHandlersUpsertItemValidation(t *testing.T) {
	router := newCartRouter(&stubCartService{}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing product", `{"quantity":1}`},
		{"zero quantity", `{"product":"prd_1","quantity":0}`},
		{"unknown field", `{"product":"prd_1","quantity":1,"color":"red"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", strings.NewReader(tc.body)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rr.Code)
			}
		})
	}
}

func TestCartHandlersUpsertItemConflict(t *testing.T) {
	service := &stubCartService{
		addOrUpdateFunc: func(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartConflict
		},
	}
	router := newCartRouter(service, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", strings.NewReader(`{"product":"prd_1","quantity":1}`)))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestCartHandlersRemoveItem(t *testing.T) {
	var gotProduct string
	service := &stubCartService{
		removeItemFunc: func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
			gotProduct = cmd.ProductID
			return services.Cart{ID: "crt_7"}, nil
		},
	}
	router := newCartRouter(service, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart/items/prd_4", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotProduct != "prd_4" {
		t.Fatalf("expected product prd_4, got %q", gotProduct)
	}
}

func TestCartHandlersApplyCouponInvalid(t *testing.T) {
	service := &stubCartService{
		applyCouponFunc: func(ctx context.Context, cmd services.ApplyCouponCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCouponInvalid
		},
	}
	router := newCartRouter(service, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/coupon", strings.NewReader(`{"code":"bogus"}`)))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["message"] != "Invalid coupon code" {
		t.Fatalf("expected invalid coupon message, got %v", body["message"])
	}
}

func TestCartHandlersReconcileBuyNow(t *testing.T) {
	var got services.ReconcileCartCommand
	service := &stubCartService{
		reconcileFunc: func(ctx context.Context, cmd services.ReconcileCartCommand) (services.ReconciledCart, error) {
			got = cmd
			return services.ReconciledCart{
				Cart:            services.Cart{ID: "buynow", UserID: cmd.UserID},
				RemovedProducts: nil,
			}, nil
		},
	}
	router := newCartRouter(service, nil)

	payload := `{"buy_now":{"product_id":"prd_3","quantity":2}}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/reconcile", strings.NewReader(payload)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.BuyNow == nil || got.BuyNow.ProductID != "prd_3" || got.BuyNow.Quantity != 2 {
		t.Fatalf("expected buy-now command, got %+v", got.BuyNow)
	}

	var body reconciledCartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.RemovedProducts == nil {
		t.Fatalf("expected removed_products to serialize as an array")
	}
}

func TestCartHandlersReconcileEmptyBody(t *testing.T) {
	service := &stubCartService{
		reconcileFunc: func(ctx context.Context, cmd services.ReconcileCartCommand) (services.ReconciledCart, error) {
			if cmd.BuyNow != nil {
				t.Fatalf("expected no buy-now for empty body")
			}
			return services.ReconciledCart{Cart: services.Cart{Stale: true}}, nil
		},
	}
	router := newCartRouter(service, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/reconcile", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body reconciledCartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !body.Cart.Stale {
		t.Fatalf("expected stale cart flag to survive serialization")
	}
}

func TestCartHandlersQuote(t *testing.T) {
	service := &stubCartService{
		reconcileFunc: func(ctx context.Context, cmd services.ReconcileCartCommand) (services.ReconciledCart, error) {
			return services.ReconciledCart{
				Cart: services.Cart{
					ID:         "crt_7",
					UserID:     cmd.UserID,
					Currency:   "INR",
					CouponCode: "SAVE100",
					Items: []services.CartItem{
						{Product: domain.ProductRef{ID: "prd_1"}, UnitPrice: 400, Quantity: 2, LineTotal: 800},
					},
				},
			}, nil
		},
	}
	pricing := &stubPricingService{
		quoteFunc: func(ctx context.Context, cmd services.QuoteCommand) (services.Quote, error) {
			if cmd.CouponCode != "SAVE100" {
				t.Fatalf("expected coupon code SAVE100, got %q", cmd.CouponCode)
			}
			return services.Quote{
				Currency: "INR",
				Subtotal: 800,
				Discount: 100,
				Shipping: 0,
				Tax:      144,
				Total:    844,
				Lines: []services.QuoteLine{
					{ProductID: "prd_1", UnitPrice: 400, Quantity: 2, LineTotal: 800, Tax: 144},
				},
			}, nil
		},
	}
	router := newCartRouter(service, pricing)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/quote", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body quoteResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Quote.Total != 844 || body.Quote.Tax != 144 {
		t.Fatalf("unexpected totals: %+v", body.Quote)
	}
}

func TestCartHandlersServiceUnavailable(t *testing.T) {
	router := newCartRouter(nil, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

var _ services.CartService = (*stubCartService)(nil)
var _ services.PricingService = (*stubPricingService)(nil)
