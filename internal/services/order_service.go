package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals malformed order arguments.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the requested transition is not legal
	// from the order's current status.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates the order changed underneath the caller.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the order belongs to another user.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderUnavailable wraps transient persistence failures.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

// orderNumberCounter is the counter document sequenced for human-readable
// order numbers.
const orderNumberCounter = "order_numbers"

// orderStateTransitions defines the forward fulfilment path plus the two
// exits: Cancelled before shipment, Returned after delivery.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPlaced:         {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:      {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:        {domain.OrderStatusOutForDelivery},
	domain.OrderStatusOutForDelivery: {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:      {domain.OrderStatusReturned},
	domain.OrderStatusCancelled:      {},
	domain.OrderStatusReturned:       {},
}

func canTransitionOrder(from, to domain.OrderStatus) bool {
	for _, allowed := range orderStateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// OrderServiceDeps bundles dependencies required to construct an OrderService.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Intents     repositories.PaymentIntentRepository
	Counters    repositories.CounterRepository
	Coupons     repositories.CouponRepository
	CouponUsage repositories.CouponUsageRepository
	Carts       CartService
	Notifier    NotificationDispatcher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	intents     repositories.PaymentIntentRepository
	counters    repositories.CounterRepository
	coupons     repositories.CouponRepository
	couponUsage repositories.CouponUsageRepository
	carts       CartService
	notifier    NotificationDispatcher
	clock       func() time.Time
	idgen       func() string
	logger      func(context.Context, string, map[string]any)
}

// NewOrderService wires an OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Intents == nil {
		return nil, errors.New("order service: intent repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart service is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("order service: notification dispatcher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idgen := deps.IDGenerator
	if idgen == nil {
		idgen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders:      deps.Orders,
		intents:     deps.Intents,
		counters:    deps.Counters,
		coupons:     deps.Coupons,
		couponUsage: deps.CouponUsage,
		carts:       deps.Carts,
		notifier:    deps.Notifier,
		clock:       func() time.Time { return clock().UTC() },
		idgen:       idgen,
		logger:      logger,
	}, nil
}

var _ OrderService = (*orderService)(nil)

// CreateFromIntent materialises an order from a verified payment intent. The
// operation is idempotent per intent: a second call returns the order already
// created for it.
func (s *orderService) CreateFromIntent(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	intent := cmd.Intent
	if intent.ID == "" {
		return Order{}, fmt.Errorf("%w: intent is required", ErrOrderInvalidInput)
	}
	if intent.Method != domain.PaymentMethodCOD && intent.Status != domain.IntentStatusVerified {
		return Order{}, fmt.Errorf("%w: intent %s is not verified", ErrOrderInvalidState, intent.ID)
	}
	if len(intent.Quote.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: intent %s carries no priced lines", ErrOrderInvalidInput, intent.ID)
	}

	if existing, err := s.orders.FindByIntentID(ctx, intent.ID); err == nil {
		return existing, nil
	} else if !isRepoNotFound(err) {
		return Order{}, translateOrderRepoError(err)
	}

	now := s.clock()
	number, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	paymentStatus := domain.PaymentStatusPaid
	if intent.Method == domain.PaymentMethodCOD {
		paymentStatus = domain.PaymentStatusPending
	}

	order := Order{
		ID:              "ord_" + s.idgen(),
		Number:          number,
		UserID:          intent.UserID,
		Status:          domain.OrderStatusPlaced,
		PaymentStatus:   paymentStatus,
		PaymentMethod:   intent.Method,
		IntentID:        intent.ID,
		Items:           orderLinesFromQuote(intent.Quote),
		Totals:          totalsFromQuote(intent.Quote),
		ShippingAddress: cmd.ShippingAddress,
		PlacedAt:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if intent.Quote.Coupon != nil && intent.Quote.Coupon.Valid {
		order.CouponCode = intent.Quote.Coupon.Code
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, translateOrderRepoError(err)
	}

	s.recordCouponUsage(ctx, order)
	// Buy-now intents price an ephemeral cart; the stored cart has no lines
	// belonging to this purchase and must stay untouched.
	if !intent.BuyNow {
		s.clearPurchasedItems(ctx, order)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "order.placed",
		UserID:     order.UserID,
		OrderID:    order.ID,
		OccurredAt: now,
		Payload:    map[string]any{"number": order.Number, "total": order.Totals.Total},
	})
	s.logger(ctx, "order.created", map[string]any{
		"order_id":  order.ID,
		"intent_id": intent.ID,
		"number":    order.Number,
		"total":     order.Totals.Total,
	})
	return order, nil
}

// GetOrder loads an order, enforcing ownership when a user scope is given.
func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	return s.loadOrder(ctx, orderID, opts.UserID)
}

// ListOrders returns a filtered page of orders, newest first.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	repoFilter := repositories.OrderListFilter{
		UserID:     filter.UserID,
		Pagination: filter.Pagination,
		DateRange:  domain.RangeQuery[time.Time]{From: filter.From, To: filter.To},
	}
	for _, status := range filter.Status {
		repoFilter.Status = append(repoFilter.Status, string(status))
	}
	page, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return domain.CursorPage[Order]{}, translateOrderRepoError(err)
	}
	return page, nil
}

// TransitionStatus advances fulfilment one legal step. ExpectedStatus, when
// set, guards against concurrent dashboards moving the same order.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	if cmd.TargetStatus == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if cmd.TargetStatus == domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: use the cancel operation to cancel an order", ErrOrderInvalidInput)
	}

	order, err := s.loadOrder(ctx, cmd.OrderID, "")
	if err != nil {
		return Order{}, err
	}
	if cmd.ExpectedStatus != "" && order.Status != cmd.ExpectedStatus {
		return Order{}, fmt.Errorf("%w: order is %s, expected %s", ErrOrderConflict, order.Status, cmd.ExpectedStatus)
	}
	if !canTransitionOrder(order.Status, cmd.TargetStatus) {
		return Order{}, fmt.Errorf("%w: cannot move order from %s to %s", ErrOrderInvalidState, order.Status, cmd.TargetStatus)
	}

	now := s.clock()
	order.Status = cmd.TargetStatus
	order.UpdatedAt = now
	stampStatusTime(&order, cmd.TargetStatus, now)
	if len(cmd.Metadata) > 0 {
		if order.Metadata == nil {
			order.Metadata = make(map[string]any, len(cmd.Metadata))
		}
		for k, v := range cmd.Metadata {
			order.Metadata[k] = v
		}
	}
	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, translateOrderRepoError(err)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "order." + string(cmd.TargetStatus),
		UserID:     order.UserID,
		OrderID:    order.ID,
		OccurredAt: now,
	})
	return order, nil
}

// Cancel stops an order before it ships. Prepaid orders get a refund
// scheduled; scheduling failures are logged and retried by the refund worker
// sweep, never surfaced to the customer.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	order, err := s.loadOrder(ctx, cmd.OrderID, cmd.ActorID)
	if err != nil {
		return Order{}, err
	}
	if !canTransitionOrder(order.Status, domain.OrderStatusCancelled) {
		return Order{}, fmt.Errorf("%w: order in status %s cannot be cancelled", ErrOrderInvalidState, order.Status)
	}

	now := s.clock()
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.CancelReason = strings.TrimSpace(cmd.Reason)
	order.UpdatedAt = now

	refundDue := order.PaymentStatus == domain.PaymentStatusPaid
	if refundDue {
		order.PaymentStatus = domain.PaymentStatusRefundPending
	}

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, translateOrderRepoError(err)
	}

	if refundDue {
		s.scheduleCancellationRefund(ctx, order)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "order.cancelled",
		UserID:     order.UserID,
		OrderID:    order.ID,
		OccurredAt: now,
		Payload:    map[string]any{"reason": order.CancelReason},
	})
	return order, nil
}

// Reorder adds a past order's products back to the cart at current catalog
// prices. Products that have since disappeared are skipped.
func (s *orderService) Reorder(ctx context.Context, cmd ReorderCommand) (Cart, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	order, err := s.loadOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return Cart{}, err
	}

	var (
		cart    Cart
		added   int
		skipped []string
	)
	for _, item := range order.Items {
		cart, err = s.carts.AddOrUpdateItem(ctx, UpsertCartItemCommand{
			UserID:   cmd.UserID,
			Product:  ProductRef{ID: item.ProductID},
			Quantity: item.Quantity,
		})
		if err != nil {
			if errors.Is(err, ErrCartProductNotFound) {
				skipped = append(skipped, item.ProductID)
				continue
			}
			return Cart{}, err
		}
		added++
	}
	if added == 0 {
		return Cart{}, fmt.Errorf("%w: none of the order's products are still available", ErrOrderInvalidState)
	}
	if len(skipped) > 0 {
		s.logger(ctx, "order.reorder_partial", map[string]any{
			"order_id":         order.ID,
			"skipped_products": skipped,
		})
	}
	return cart, nil
}

// nextOrderNumber sequences a human-readable number like CB-2025-000042.
func (s *orderService) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", translateOrderRepoError(err)
	}
	return fmt.Sprintf("CB-%04d-%06d", now.Year(), seq), nil
}

// recordCouponUsage counts the coupon redemption. Usage tracking is advisory:
// a miss here never rolls back the order.
func (s *orderService) recordCouponUsage(ctx context.Context, order Order) {
	if order.CouponCode == "" || s.coupons == nil || s.couponUsage == nil {
		return
	}
	coupon, err := s.coupons.FindByCode(ctx, order.CouponCode)
	if err != nil {
		s.logger(ctx, "order.coupon_usage_lookup_failed", map[string]any{
			"order_id": order.ID,
			"code":     order.CouponCode,
			"error":    err.Error(),
		})
		return
	}
	if err := s.couponUsage.IncrementUsage(ctx, coupon.ID, order.UserID, order.ID); err != nil {
		s.logger(ctx, "order.coupon_usage_increment_failed", map[string]any{
			"order_id":  order.ID,
			"coupon_id": coupon.ID,
			"error":     err.Error(),
		})
	}
}

// clearPurchasedItems removes the bought lines from the stored cart. The
// cleanup is best effort: the order already exists, so failures are logged
// and the stale cart self-corrects on its next reconcile.
func (s *orderService) clearPurchasedItems(ctx context.Context, order Order) {
	productIDs := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	if err := s.carts.ClearItems(ctx, ClearCartItemsCommand{UserID: order.UserID, ProductIDs: productIDs}); err != nil {
		s.logger(ctx, "order.cart_cleanup_failed", map[string]any{
			"order_id": order.ID,
			"error":    err.Error(),
		})
	}
}

func (s *orderService) scheduleCancellationRefund(ctx context.Context, order Order) {
	job := RefundJob{
		OrderID:  order.ID,
		Amount:   order.Totals.Total,
		Reason:   "order cancelled",
		Currency: defaultCurrency,
	}
	intent, err := s.intents.FindByID(ctx, order.IntentID)
	if err == nil {
		job.Currency = intent.Currency
		job.GatewayPaymentID = intent.GatewayPaymentID
		job.Provider = intent.Provider
	} else {
		s.logger(ctx, "order.refund_intent_lookup_failed", map[string]any{
			"order_id":  order.ID,
			"intent_id": order.IntentID,
			"error":     err.Error(),
		})
	}
	if err := s.notifier.ScheduleRefund(ctx, job); err != nil {
		s.logger(ctx, "order.refund_schedule_failed", map[string]any{
			"order_id": order.ID,
			"amount":   job.Amount,
			"error":    err.Error(),
		})
	}
}

func (s *orderService) loadOrder(ctx context.Context, orderID, userID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, translateOrderRepoError(err)
	}
	if userID != "" && order.UserID != userID {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderForbidden, orderID)
	}
	return order, nil
}

func orderLinesFromQuote(quote Quote) []OrderLineItem {
	lines := make([]OrderLineItem, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		lines = append(lines, OrderLineItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			LineTotal: line.LineTotal,
			Tax:       line.Tax,
			Image:     line.Image,
		})
	}
	return lines
}

func totalsFromQuote(quote Quote) OrderTotals {
	return OrderTotals{
		Subtotal: quote.Subtotal,
		Discount: quote.Discount,
		Shipping: quote.Shipping,
		Tax:      quote.Tax,
		Total:    quote.Total,
	}
}

func stampStatusTime(order *Order, status domain.OrderStatus, now time.Time) {
	ts := now
	switch status {
	case domain.OrderStatusConfirmed:
		order.ConfirmedAt = &ts
	case domain.OrderStatusShipped:
		order.ShippedAt = &ts
	case domain.OrderStatusOutForDelivery:
		order.OutForDeliveryAt = &ts
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &ts
	case domain.OrderStatusCancelled:
		order.CancelledAt = &ts
	}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func translateOrderRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}
