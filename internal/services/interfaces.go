package services

import (
	"context"
	"time"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination          = domain.Pagination
	Product             = domain.Product
	ProductRef          = domain.ProductRef
	Cart                = domain.Cart
	CartItem            = domain.CartItem
	BuyNowItem          = domain.BuyNowItem
	Quote               = domain.Quote
	QuoteLine           = domain.QuoteLine
	Coupon              = domain.Coupon
	CouponValidation    = domain.CouponValidation
	PaymentIntent       = domain.PaymentIntent
	PaymentIntentStatus = domain.PaymentIntentStatus
	PaymentMethod       = domain.PaymentMethod
	Order               = domain.Order
	OrderStatus         = domain.OrderStatus
	OrderLineItem       = domain.OrderLineItem
	OrderTotals         = domain.OrderTotals
	PaymentStatus       = domain.PaymentStatus
	Address             = domain.Address
	ReturnRequest       = domain.ReturnRequest
	ReturnStatus        = domain.ReturnStatus
	ReturnEligibility   = domain.ReturnEligibility
	SystemHealthReport  = domain.SystemHealthReport
)

// CartService manages mutable cart state, reconciliation against the catalog,
// and the buy-now shortcut.
type CartService interface {
	GetOrCreateCart(ctx context.Context, userID string) (Cart, error)
	AddOrUpdateItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (Cart, error)
	RemoveCoupon(ctx context.Context, userID string) (Cart, error)
	Reconcile(ctx context.Context, cmd ReconcileCartCommand) (ReconciledCart, error)
	ClearItems(ctx context.Context, cmd ClearCartItemsCommand) error
}

// PricingService turns a reconciled cart into a quote.
type PricingService interface {
	Quote(ctx context.Context, cmd QuoteCommand) (Quote, error)
}

// CouponService validates discount codes against a cart.
type CouponService interface {
	Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
}

// CheckoutService orchestrates payment intents from creation through
// verification, dismissal, and COD placement.
type CheckoutService interface {
	Begin(ctx context.Context, cmd BeginCheckoutCommand) (PaymentIntent, error)
	Verify(ctx context.Context, cmd VerifyCheckoutCommand) (Order, error)
	ConfirmGatewayPayment(ctx context.Context, cmd ConfirmGatewayPaymentCommand) (Order, error)
	Dismiss(ctx context.Context, cmd DismissCheckoutCommand) (PaymentIntent, error)
	PlaceCODOrder(ctx context.Context, cmd PlaceCODOrderCommand) (Order, error)
}

// OrderService encapsulates order read/write flows including cancellation and reorders.
type OrderService interface {
	CreateFromIntent(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	Reorder(ctx context.Context, cmd ReorderCommand) (Cart, error)
}

// ReturnService answers eligibility questions and walks return requests
// through their lifecycle.
type ReturnService interface {
	CheckEligibility(ctx context.Context, cmd ReturnEligibilityCommand) (ReturnEligibility, error)
	Request(ctx context.Context, cmd RequestReturnCommand) (ReturnRequest, error)
	Approve(ctx context.Context, cmd DecideReturnCommand) (ReturnRequest, error)
	Reject(ctx context.Context, cmd DecideReturnCommand) (ReturnRequest, error)
	SchedulePickup(ctx context.Context, cmd SchedulePickupCommand) (ReturnRequest, error)
	Advance(ctx context.Context, cmd AdvanceReturnCommand) (ReturnRequest, error)
	CancelByCustomer(ctx context.Context, cmd CancelReturnCommand) (ReturnRequest, error)
}

// NotificationDispatcher fans out user-facing events. Dispatch is fire and
// forget: failures are logged by the implementation, never returned to the
// triggering operation.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, event NotificationEvent)
	ScheduleRefund(ctx context.Context, job RefundJob) error
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

type UpsertCartItemCommand struct {
	UserID            string
	Product           ProductRef
	Quantity          int64
	ExpectedUpdatedAt *time.Time
}

type RemoveCartItemCommand struct {
	UserID    string
	ProductID string
}

type ApplyCouponCommand struct {
	UserID string
	Code   string
}

// ReconcileCartCommand refreshes cart lines against the catalog. BuyNow, when
// set, bypasses the stored cart entirely.
type ReconcileCartCommand struct {
	UserID string
	BuyNow *BuyNowItem
}

// ReconciledCart is a cart whose lines carry current catalog prices, plus the
// products dropped because they no longer exist.
type ReconciledCart struct {
	Cart            Cart
	RemovedProducts []string
	PriceDrifted    bool
}

type ClearCartItemsCommand struct {
	UserID     string
	ProductIDs []string
}

type QuoteCommand struct {
	UserID     string
	Cart       Cart
	CouponCode string
}

type ValidateCouponCommand struct {
	UserID   string
	Code     string
	Subtotal int64
	// ProductIDs are the cart's product identifiers, used for scoped coupons.
	ProductIDs []string
}

type BeginCheckoutCommand struct {
	UserID          string
	Method          PaymentMethod
	BuyNow          *BuyNowItem
	ShippingAddress Address
}

type VerifyCheckoutCommand struct {
	UserID           string
	IntentID         string
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
}

// ConfirmGatewayPaymentCommand carries a gateway-side payment confirmation.
// It is unscoped by user: callbacks identify the checkout by gateway order id.
type ConfirmGatewayPaymentCommand struct {
	Provider         string
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
}

type DismissCheckoutCommand struct {
	UserID   string
	IntentID string
	Reason   string
}

type PlaceCODOrderCommand struct {
	UserID          string
	BuyNow          *BuyNowItem
	ShippingAddress Address
}

type CreateOrderCommand struct {
	Intent          PaymentIntent
	ShippingAddress Address
}

type OrderReadOptions struct {
	UserID string
}

type OrderListFilter struct {
	UserID     string
	Status     []OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination Pagination
}

type OrderStatusTransitionCommand struct {
	OrderID        string
	ActorID        string
	TargetStatus   OrderStatus
	ExpectedStatus OrderStatus
	Metadata       map[string]any
}

type CancelOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

type ReorderCommand struct {
	OrderID string
	UserID  string
}

type ReturnEligibilityCommand struct {
	OrderID string
	UserID  string
}

type RequestReturnCommand struct {
	OrderID   string
	UserID    string
	ProductID string
	Quantity  int64
	Reason    string
}

// DecideReturnCommand approves or rejects a pending return. RefundAmount, when
// set on approval, must not exceed the frozen line total.
type DecideReturnCommand struct {
	ReturnID     string
	ActorID      string
	Notes        string
	RefundAmount *int64
}

type SchedulePickupCommand struct {
	ReturnID string
	ActorID  string
	PickupAt time.Time
}

// AdvanceReturnCommand moves a return to the next operational state
// (picked up, received, inspecting, refund initiated, completed).
type AdvanceReturnCommand struct {
	ReturnID     string
	ActorID      string
	TargetStatus ReturnStatus
	Notes        string
}

type CancelReturnCommand struct {
	ReturnID string
	UserID   string
}

// NotificationEvent is the payload handed to the dispatcher.
type NotificationEvent struct {
	Event      string
	UserID     string
	OrderID    string
	ReturnID   string
	OccurredAt time.Time
	Payload    map[string]any
}

// RefundJob asks the refund worker to push money back through the gateway.
type RefundJob struct {
	OrderID          string
	ReturnID         string
	Amount           int64
	Currency         string
	GatewayPaymentID string
	Provider         string
	Reason           string
}

// Shared filter aliases -------------------------------------------------------

type (
	ProductListFilter = repositories.ProductListFilter
	CouponListFilter  = repositories.CouponListFilter
)
