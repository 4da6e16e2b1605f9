package repositories

import (
	"context"
	"time"

	domain "github.com/craftbazaar/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Coupons() CouponRepository
	CouponUsage() CouponUsageRepository
	Orders() OrderRepository
	Returns() ReturnRepository
	PaymentIntents() PaymentIntentRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository reads catalog entries. FindByIDs is the batch lookup used
// by cart reconciliation; implementations resolve the whole set in a constant
// number of queries.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
}

// CartRepository persists per-user carts.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	GetCart(ctx context.Context, cartID string) (domain.Cart, error)
	GetCartByUser(ctx context.Context, userID string) (domain.Cart, error)
	ReplaceItems(ctx context.Context, cartID string, items []domain.CartItem, expectedUpdatedAt *time.Time) (domain.Cart, error)
	DeleteItem(ctx context.Context, cartID string, productID string) error
	Delete(ctx context.Context, cartID string) error
}

// CouponRepository reads coupon definitions by their normalised code.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)
}

// CouponUsageRepository counts redemptions per coupon and user. Increments
// happen only at order creation, never during validation.
type CouponUsageRepository interface {
	IncrementUsage(ctx context.Context, couponID string, userID string, orderID string) error
	UsageCount(ctx context.Context, couponID string, userID string) (int64, error)
}

// OrderRepository persists orders and supports filtered listing.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByIntentID(ctx context.Context, intentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// ReturnRepository persists return requests.
type ReturnRepository interface {
	Insert(ctx context.Context, request domain.ReturnRequest) error
	Update(ctx context.Context, request domain.ReturnRequest) error
	FindByID(ctx context.Context, returnID string) (domain.ReturnRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.ReturnRequest, error)
	List(ctx context.Context, filter ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error)
}

// PaymentIntentRepository persists checkout attempts.
type PaymentIntentRepository interface {
	Insert(ctx context.Context, intent domain.PaymentIntent) error
	Update(ctx context.Context, intent domain.PaymentIntent) error
	FindByID(ctx context.Context, intentID string) (domain.PaymentIntent, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.PaymentIntent, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type ProductListFilter struct {
	CategoryID string
	SellerID   string
	OnlyActive bool
	Pagination domain.Pagination
}

type CouponListFilter struct {
	OnlyActive bool
	Pagination domain.Pagination
}

type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type ReturnListFilter struct {
	UserID     string
	Status     []string
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
