package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Product is the catalog entry a cart line ultimately points at. Prices are
// whole rupees.
type Product struct {
	ID          string
	Name        string
	Slug        string
	Description string
	Price       int64
	Currency    string
	CategoryID  string
	SellerID    string
	Images      []string
	Stock       int64
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProductRef references a product either by ID or by an embedded snapshot.
// Inbound payloads may send a bare string ("prd_123") or a full object;
// exactly one of the two fields is set after decoding.
type ProductRef struct {
	ID       string
	Snapshot *Product
}

// ProductID returns the identifier regardless of which arm is populated.
func (r ProductRef) ProductID() string {
	if r.Snapshot != nil && r.Snapshot.ID != "" {
		return r.Snapshot.ID
	}
	return r.ID
}

// IsZero reports whether the reference carries neither an ID nor a snapshot.
func (r ProductRef) IsZero() bool {
	return r.ID == "" && r.Snapshot == nil
}

// UnmarshalJSON accepts either a JSON string (the product ID) or a product
// object.
func (r *ProductRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = ProductRef{}
		return nil
	}
	if trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return fmt.Errorf("product ref: %w", err)
		}
		*r = ProductRef{ID: strings.TrimSpace(id)}
		return nil
	}
	var snapshot productSnapshot
	if err := json.Unmarshal(trimmed, &snapshot); err != nil {
		return fmt.Errorf("product ref: %w", err)
	}
	product := snapshot.toProduct()
	*r = ProductRef{ID: product.ID, Snapshot: &product}
	return nil
}

// MarshalJSON emits the compact string form when only an ID is held.
func (r ProductRef) MarshalJSON() ([]byte, error) {
	if r.Snapshot == nil {
		return json.Marshal(r.ID)
	}
	return json.Marshal(productSnapshotFrom(*r.Snapshot))
}

type productSnapshot struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Price    int64    `json:"price,omitempty"`
	Currency string   `json:"currency,omitempty"`
	Stock    int64    `json:"stock,omitempty"`
	Images   []string `json:"images,omitempty"`
}

func (s productSnapshot) toProduct() Product {
	return Product{
		ID:       strings.TrimSpace(s.ID),
		Name:     s.Name,
		Price:    s.Price,
		Currency: s.Currency,
		Stock:    s.Stock,
		Images:   s.Images,
	}
}

func productSnapshotFrom(p Product) productSnapshot {
	return productSnapshot{
		ID:       p.ID,
		Name:     p.Name,
		Price:    p.Price,
		Currency: p.Currency,
		Stock:    p.Stock,
		Images:   p.Images,
	}
}

// CartItem is a single line in a stored cart. UnitPrice is the price captured
// when the item was last reconciled; reconciliation refreshes it.
type CartItem struct {
	Product      ProductRef
	Name         string
	UnitPrice    int64
	Quantity     int64
	LineTotal    int64
	Image        string
	PriceDrifted bool
	AddedAt      time.Time
}

// Cart is the per-user shopping cart document.
type Cart struct {
	ID         string
	UserID     string
	Currency   string
	Items      []CartItem
	CouponCode string
	// Stale marks a cart served from its frozen copy because the catalog
	// was unreachable during reconciliation.
	Stale     bool
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BuyNowItem is a synthetic one-line cart used to skip the stored cart on
// direct purchase.
type BuyNowItem struct {
	ProductID string
	Quantity  int64
}

// Coupon models a discount code. Type is flat or percent; percent coupons may
// carry a cap via MaxDiscount. ProductIDs, when non-empty, scopes the coupon
// to those products.
type Coupon struct {
	ID          string
	Code        string
	Type        CouponType
	Value       int64
	MaxDiscount int64
	MinPurchase int64
	ProductIDs  []string
	Active      bool
	ActiveFrom  *time.Time
	ExpiresAt   *time.Time
	UsageLimit  int64
	UsedCount   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CouponType enumerates the supported discount shapes.
type CouponType string

const (
	CouponTypeFlat    CouponType = "flat"
	CouponTypePercent CouponType = "percent"
)

// CouponValidation is the outcome of checking a code against a cart. Validation
// never mutates the coupon; usage is counted only when an order is created.
type CouponValidation struct {
	Code           string
	Valid          bool
	Reason         string
	DiscountAmount int64
}

// PaymentIntentStatus tracks a checkout attempt through the gateway handshake.
type PaymentIntentStatus string

const (
	IntentStatusCreated              PaymentIntentStatus = "created"
	IntentStatusAuthorizationPending PaymentIntentStatus = "authorization_pending"
	IntentStatusVerifying            PaymentIntentStatus = "verifying"
	IntentStatusVerified             PaymentIntentStatus = "verified"
	IntentStatusFailed               PaymentIntentStatus = "failed"
	IntentStatusCancelled            PaymentIntentStatus = "cancelled"
)

// PaymentMethod distinguishes gateway checkouts from cash on delivery.
type PaymentMethod string

const (
	PaymentMethodGateway PaymentMethod = "gateway"
	PaymentMethodCOD     PaymentMethod = "cod"
)

// PaymentIntent is one checkout attempt. Intents are terminal once Verified,
// Failed, or Cancelled; retries always mint a fresh intent.
type PaymentIntent struct {
	ID               string
	UserID           string
	CartID           string
	Status           PaymentIntentStatus
	Method           PaymentMethod
	Provider         string
	GatewayOrderID   string
	GatewayPaymentID string
	Amount           int64
	Currency         string
	Quote            Quote
	// ShippingAddress is frozen when checkout begins so the order created on
	// verification carries the destination the customer confirmed against.
	ShippingAddress Address
	// BuyNow marks intents priced from an ephemeral one-item cart; order
	// creation must not touch the stored cart for them.
	BuyNow        bool
	OrderID       string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

const (
	OrderStatusPlaced         OrderStatus = "placed"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusReturned       OrderStatus = "returned"
)

// PaymentStatus is the money-side state of an order.
type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
	PaymentStatusRefunded      PaymentStatus = "refunded"
)

// OrderLineItem is a frozen copy of a cart line at order-creation time.
// UnitPrice and Tax never change after the order exists.
type OrderLineItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int64
	LineTotal int64
	Tax       int64
	Image     string
}

// OrderTotals aggregates the priced amounts frozen onto an order.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// Address is a shipping destination.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Order is the durable record created after a successful (or COD) checkout.
type Order struct {
	ID              string
	Number          string
	UserID          string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentMethod   PaymentMethod
	IntentID        string
	Items           []OrderLineItem
	Totals          OrderTotals
	ShippingAddress Address
	CouponCode      string

	PlacedAt         time.Time
	ConfirmedAt      *time.Time
	ShippedAt        *time.Time
	OutForDeliveryAt *time.Time
	DeliveredAt      *time.Time
	CancelledAt      *time.Time
	CancelReason     string

	ReturnID  string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReturnStatus tracks a return request through pickup, inspection, and refund.
type ReturnStatus string

const (
	ReturnStatusPending         ReturnStatus = "pending"
	ReturnStatusApproved        ReturnStatus = "approved"
	ReturnStatusPickupScheduled ReturnStatus = "pickup_scheduled"
	ReturnStatusPickedUp        ReturnStatus = "picked_up"
	ReturnStatusReceived        ReturnStatus = "received"
	ReturnStatusInspecting      ReturnStatus = "inspecting"
	ReturnStatusRefundInitiated ReturnStatus = "refund_initiated"
	ReturnStatusCompleted       ReturnStatus = "completed"
	ReturnStatusRejected        ReturnStatus = "rejected"
	ReturnStatusCancelled       ReturnStatus = "cancelled"
)

// ReturnRequest is a customer-initiated return for delivered items.
// RefundAmount defaults to the frozen line total of the returned quantity.
type ReturnRequest struct {
	ID           string
	OrderID      string
	UserID       string
	ProductID    string
	Quantity     int64
	Status       ReturnStatus
	Reason       string
	RefundAmount int64
	RequestedAt  time.Time
	DecidedAt    *time.Time
	PickupAt     *time.Time
	CompletedAt  *time.Time
	Notes        string
	UpdatedAt    time.Time
}

// ReturnEligibility is the answer to "can this order still be returned".
type ReturnEligibility struct {
	OrderID     string
	Eligible    bool
	Reason      string
	DeliveredAt *time.Time
	Deadline    *time.Time
}

// CursorPage wraps a page of results with the token for the next one.
type CursorPage[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Pagination carries cursor paging inputs through service and repository calls.
type Pagination struct {
	Cursor string
	Limit  int
}

// RangeQuery bounds a field between optional endpoints.
type RangeQuery[T any] struct {
	From *T
	To   *T
}
