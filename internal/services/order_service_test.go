package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/repositories"
)

type stubOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	listFn func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

func newStubOrderRepo() *stubOrderRepo {
	return &stubOrderRepo{orders: make(map[string]domain.Order)}
}

func (s *stubOrderRepo) Insert(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *stubOrderRepo) Update(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; !ok {
		return notFoundRepoError{}
	}
	s.orders[order.ID] = order
	return nil
}

func (s *stubOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundRepoError{}
	}
	return order, nil
}

func (s *stubOrderRepo) FindByIntentID(_ context.Context, intentID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.IntentID == intentID {
			return order, nil
		}
	}
	return domain.Order{}, notFoundRepoError{}
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn == nil {
		return domain.CursorPage[domain.Order]{}, nil
	}
	return s.listFn(ctx, filter)
}

type stubCounterRepo struct {
	mu     sync.Mutex
	next   int64
	nextFn func(ctx context.Context, counterID string, step int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next += step
	return s.next, nil
}

func (s *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type stubNotifier struct {
	mu      sync.Mutex
	events  []NotificationEvent
	refunds []RefundJob
	// refundErr, when set, is returned by ScheduleRefund.
	refundErr error
}

func (s *stubNotifier) Dispatch(_ context.Context, event NotificationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *stubNotifier) ScheduleRefund(_ context.Context, job RefundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, job)
	return s.refundErr
}

func (s *stubNotifier) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, event := range s.events {
		names = append(names, event.Event)
	}
	return names
}

type stubCouponUsage struct {
	mu         sync.Mutex
	increments []string
}

func (s *stubCouponUsage) IncrementUsage(_ context.Context, couponID, userID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments = append(s.increments, couponID)
	return nil
}

func (s *stubCouponUsage) UsageCount(context.Context, string, string) (int64, error) {
	return 0, nil
}

type orderFixture struct {
	svc      OrderService
	orders   *stubOrderRepo
	intents  *stubIntentRepo
	counters *stubCounterRepo
	carts    *stubCartService
	notifier *stubNotifier
	usage    *stubCouponUsage
	capture  *eventCapture
	now      time.Time
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	fx := &orderFixture{
		orders:   newStubOrderRepo(),
		intents:  newStubIntentRepo(),
		counters: &stubCounterRepo{},
		carts:    &stubCartService{},
		notifier: &stubNotifier{},
		usage:    &stubCouponUsage{},
		capture:  &eventCapture{},
		now:      time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   fx.orders,
		Intents:  fx.intents,
		Counters: fx.counters,
		Coupons: &stubCouponRepo{findByCodeFn: func(_ context.Context, code string) (domain.Coupon, error) {
			return domain.Coupon{ID: "cpn_1", Code: code}, nil
		}},
		CouponUsage: fx.usage,
		Carts:       fx.carts,
		Notifier:    fx.notifier,
		Clock:       fixedClock(fx.now),
		IDGenerator: func() string { return "000TEST" },
		Logger:      fx.capture.logger(),
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fx.svc = svc
	return fx
}

func verifiedIntent() PaymentIntent {
	return PaymentIntent{
		ID:               "pay_1",
		UserID:           "usr_1",
		CartID:           "crt_1",
		Status:           domain.IntentStatusVerified,
		Method:           domain.PaymentMethodGateway,
		Provider:         "razorpay",
		GatewayPaymentID: "rzp_pay_1",
		Amount:           944,
		Currency:         "INR",
		Quote: Quote{
			Currency: "INR",
			Subtotal: 800,
			Shipping: 0,
			Tax:      144,
			Total:    944,
			Lines: []QuoteLine{
				{ProductID: "prd_1", Name: "Terracotta Vase", UnitPrice: 300, Quantity: 1, LineTotal: 300, Tax: 54},
				{ProductID: "prd_2", Name: "Jute Basket", UnitPrice: 250, Quantity: 2, LineTotal: 500, Tax: 90},
			},
		},
	}
}

func TestCreateFromIntentFreezesQuote(t *testing.T) {
	fx := newOrderFixture(t)

	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}
	if order.Number != "CB-2025-000001" {
		t.Fatalf("unexpected order number %q", order.Number)
	}
	if order.Status != domain.OrderStatusPlaced {
		t.Fatalf("expected placed, got %s", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("gateway order should be paid, got %s", order.PaymentStatus)
	}
	if order.Totals.Total != 944 || order.Totals.Tax != 144 {
		t.Fatalf("totals not frozen from quote: %+v", order.Totals)
	}
	if len(order.Items) != 2 || order.Items[1].LineTotal != 500 {
		t.Fatalf("lines not frozen from quote: %+v", order.Items)
	}
}

func TestCreateFromIntentIsIdempotent(t *testing.T) {
	fx := newOrderFixture(t)
	intent := verifiedIntent()

	first, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent})
	if err != nil {
		t.Fatalf("first CreateFromIntent: %v", err)
	}
	second, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent})
	if err != nil {
		t.Fatalf("second CreateFromIntent: %v", err)
	}
	if first.ID != second.ID || first.Number != second.Number {
		t.Fatalf("expected the same order, got %q and %q", first.ID, second.ID)
	}
	if len(fx.orders.orders) != 1 {
		t.Fatalf("expected one stored order, got %d", len(fx.orders.orders))
	}
}

func TestCreateFromIntentRejectsUnverifiedIntent(t *testing.T) {
	fx := newOrderFixture(t)
	intent := verifiedIntent()
	intent.Status = domain.IntentStatusAuthorizationPending

	if _, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestCreateFromIntentCODStaysPending(t *testing.T) {
	fx := newOrderFixture(t)
	intent := verifiedIntent()
	intent.Method = domain.PaymentMethodCOD

	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}
	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("COD order should await collection, got %s", order.PaymentStatus)
	}
}

func TestCreateFromIntentClearsCartAndNotifies(t *testing.T) {
	fx := newOrderFixture(t)
	var cleared ClearCartItemsCommand
	fx.carts.clearFn = func(_ context.Context, cmd ClearCartItemsCommand) error {
		cleared = cmd
		return nil
	}

	if _, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()}); err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}
	if len(cleared.ProductIDs) != 2 {
		t.Fatalf("expected both purchased products cleared, got %v", cleared.ProductIDs)
	}
	names := fx.notifier.eventNames()
	if len(names) != 1 || names[0] != "order.placed" {
		t.Fatalf("expected a single order.placed event, got %v", names)
	}
}

func TestCreateFromIntentBuyNowLeavesStoredCartAlone(t *testing.T) {
	fx := newOrderFixture(t)
	fx.carts.clearFn = func(context.Context, ClearCartItemsCommand) error {
		t.Fatal("stored cart must not be cleared for a buy-now order")
		return nil
	}
	intent := verifiedIntent()
	intent.BuyNow = true

	if _, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent}); err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}
	names := fx.notifier.eventNames()
	if len(names) != 1 || names[0] != "order.placed" {
		t.Fatalf("expected a single order.placed event, got %v", names)
	}
}

func TestCreateFromIntentSurvivesCartCleanupFailure(t *testing.T) {
	fx := newOrderFixture(t)
	fx.carts.clearFn = func(context.Context, ClearCartItemsCommand) error {
		return fmt.Errorf("%w: carts down", ErrCartUnavailable)
	}

	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("order creation must not fail on cart cleanup: %v", err)
	}
	if order.ID == "" {
		t.Fatalf("expected order created")
	}
	if len(fx.capture.byName("order.cart_cleanup_failed")) != 1 {
		t.Fatalf("expected cleanup failure logged once")
	}
}

func TestCreateFromIntentRecordsCouponUsage(t *testing.T) {
	fx := newOrderFixture(t)
	intent := verifiedIntent()
	intent.Quote.Coupon = &CouponValidation{Code: "SAVE100", Valid: true, DiscountAmount: 100}

	if _, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent}); err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}
	if len(fx.usage.increments) != 1 || fx.usage.increments[0] != "cpn_1" {
		t.Fatalf("expected one usage increment for cpn_1, got %v", fx.usage.increments)
	}
}

func TestTransitionStatusWalksForwardPath(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}

	path := []domain.OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusShipped,
		domain.OrderStatusOutForDelivery,
		domain.OrderStatusDelivered,
	}
	for _, target := range path {
		order, err = fx.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: target})
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
	if order.DeliveredAt == nil || !order.DeliveredAt.Equal(fx.now) {
		t.Fatalf("expected delivery timestamp stamped, got %v", order.DeliveredAt)
	}
	if order.ConfirmedAt == nil || order.ShippedAt == nil || order.OutForDeliveryAt == nil {
		t.Fatalf("expected every milestone stamped: %+v", order)
	}
}

func TestTransitionStatusRejectsSkippedSteps(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}

	if _, err := fx.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusDelivered}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState skipping to delivered, got %v", err)
	}
}

func TestTransitionStatusExpectedStatusConflict(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}

	_, err = fx.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		OrderID:        order.ID,
		TargetStatus:   domain.OrderStatusConfirmed,
		ExpectedStatus: domain.OrderStatusShipped,
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestCancelPaidOrderSchedulesRefund(t *testing.T) {
	fx := newOrderFixture(t)
	intent := verifiedIntent()
	if err := fx.intents.Insert(context.Background(), intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}

	cancelled, err := fx.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "usr_1", Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled with timestamp: %+v", cancelled)
	}
	if cancelled.CancelReason != "changed my mind" {
		t.Fatalf("expected reason recorded, got %q", cancelled.CancelReason)
	}
	if cancelled.PaymentStatus != domain.PaymentStatusRefundPending {
		t.Fatalf("expected refund pending, got %s", cancelled.PaymentStatus)
	}
	if len(fx.notifier.refunds) != 1 {
		t.Fatalf("expected one refund scheduled, got %d", len(fx.notifier.refunds))
	}
	job := fx.notifier.refunds[0]
	if job.Amount != 944 || job.GatewayPaymentID != "rzp_pay_1" || job.Provider != "razorpay" {
		t.Fatalf("unexpected refund job: %+v", job)
	}
}

func TestCancelCODOrderSkipsRefund(t *testing.T) {
	fx := newOrderFixture(t)
	intent := verifiedIntent()
	intent.Method = domain.PaymentMethodCOD
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}

	if _, err := fx.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "usr_1"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(fx.notifier.refunds) != 0 {
		t.Fatalf("COD cancellation must not schedule a refund, got %d", len(fx.notifier.refunds))
	}
}

func TestCancelRejectedAfterShipment(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}
	for _, target := range []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusShipped} {
		if order, err = fx.svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: target}); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}

	if _, err := fx.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "usr_1"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState cancelling a shipped order, got %v", err)
	}
}

func TestCancelRefundScheduleFailureIsNotFatal(t *testing.T) {
	fx := newOrderFixture(t)
	fx.notifier.refundErr = errors.New("queue down")
	intent := verifiedIntent()
	if err := fx.intents.Insert(context.Background(), intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: intent})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}

	cancelled, err := fx.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "usr_1"})
	if err != nil {
		t.Fatalf("cancel must succeed even when scheduling fails: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if len(fx.capture.byName("order.refund_schedule_failed")) != 1 {
		t.Fatalf("expected schedule failure logged once")
	}
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}

	if _, err := fx.svc.GetOrder(context.Background(), order.ID, OrderReadOptions{UserID: "usr_2"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if _, err := fx.svc.GetOrder(context.Background(), order.ID, OrderReadOptions{UserID: "usr_1"}); err != nil {
		t.Fatalf("owner read: %v", err)
	}
}

func TestReorderSkipsVanishedProducts(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}

	var addedProducts []string
	fx.carts.addFn = func(_ context.Context, cmd UpsertCartItemCommand) (Cart, error) {
		if cmd.Product.ID == "prd_1" {
			return Cart{}, fmt.Errorf("%w: prd_1", ErrCartProductNotFound)
		}
		addedProducts = append(addedProducts, cmd.Product.ID)
		return Cart{ID: "crt_1", UserID: cmd.UserID, Items: []CartItem{{Product: cmd.Product, Quantity: cmd.Quantity}}}, nil
	}

	cart, err := fx.svc.Reorder(context.Background(), ReorderCommand{OrderID: order.ID, UserID: "usr_1"})
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if len(addedProducts) != 1 || addedProducts[0] != "prd_2" {
		t.Fatalf("expected only prd_2 re-added, got %v", addedProducts)
	}
	if cart.ID == "" {
		t.Fatalf("expected cart returned")
	}
	if len(fx.capture.byName("order.reorder_partial")) != 1 {
		t.Fatalf("expected partial reorder logged")
	}
}

func TestReorderFailsWhenNothingAvailable(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateFromIntent(context.Background(), CreateOrderCommand{Intent: verifiedIntent()})
	if err != nil {
		t.Fatalf("CreateFromIntent: %v", err)
	}
	fx.carts.addFn = func(_ context.Context, cmd UpsertCartItemCommand) (Cart, error) {
		return Cart{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, cmd.Product.ID)
	}

	if _, err := fx.svc.Reorder(context.Background(), ReorderCommand{OrderID: order.ID, UserID: "usr_1"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}
