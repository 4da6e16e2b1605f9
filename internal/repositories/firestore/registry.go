package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	pfirestore "github.com/craftbazaar/api/internal/platform/firestore"
	"github.com/craftbazaar/api/internal/repositories"
)

// Registry wires every Firestore repository behind the repositories.Registry
// interface. All repositories share one provider and therefore one client.
type Registry struct {
	provider *pfirestore.Provider

	products *ProductRepository
	carts    *CartRepository
	coupons  *CouponRepository
	usage    *CouponUsageRepository
	orders   *OrderRepository
	returns  *ReturnRepository
	intents  *PaymentIntentRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

// NewRegistry constructs the full repository set. Additional dependency
// checks (Pub/Sub, payment gateways) are folded into the health repository
// alongside the built-in Firestore probe.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, err
	}
	usage, err := NewCouponUsageRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	returns, err := NewReturnRepository(provider)
	if err != nil {
		return nil, err
	}
	intents, err := NewPaymentIntentRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{
		{Name: "firestore", Check: firestorePing(provider)},
	}, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: provider,
		products: products,
		carts:    carts,
		coupons:  coupons,
		usage:    usage,
		orders:   orders,
		returns:  returns,
		intents:  intents,
		counters: counters,
		health:   health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Products() repositories.ProductRepository           { return r.products }
func (r *Registry) Carts() repositories.CartRepository                 { return r.carts }
func (r *Registry) Coupons() repositories.CouponRepository             { return r.coupons }
func (r *Registry) CouponUsage() repositories.CouponUsageRepository    { return r.usage }
func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) Returns() repositories.ReturnRepository             { return r.returns }
func (r *Registry) PaymentIntents() repositories.PaymentIntentRepository { return r.intents }
func (r *Registry) Counters() repositories.CounterRepository           { return r.counters }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }

// RunInTx runs fn inside a Firestore transaction. Repository calls made from
// fn still go through their normal paths; the transaction bounds retries and
// commit semantics for the operations that opt in.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
	if err != nil {
		return pfirestore.WrapError("registry.run_in_tx", err)
	}
	return nil
}

// firestorePing issues a cheap read to confirm the backend answers.
func firestorePing(provider *pfirestore.Provider) func(context.Context) error {
	return func(ctx context.Context) error {
		client, err := provider.Client(ctx)
		if err != nil {
			return err
		}
		iter := client.Collections(ctx)
		if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
			return err
		}
		return nil
	}
}

var _ repositories.Registry = (*Registry)(nil)
