package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/craftbazaar/api/internal/payments"
	"github.com/craftbazaar/api/internal/platform/config"
	"github.com/craftbazaar/api/internal/platform/observability"
	"github.com/craftbazaar/api/internal/repositories"
	"github.com/craftbazaar/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete
// implementations are assembled via dependency injection in NewContainer.
type Services struct {
	Carts         services.CartService
	Coupons       services.CouponService
	Pricing       services.PricingService
	Checkout      services.CheckoutService
	Orders        services.OrderService
	Returns       services.ReturnService
	Notifications services.NotificationDispatcher
	System        services.SystemService
}

// ContainerDeps carries the externally constructed infrastructure the service
// graph is built on. Registry and Gateway are required; Publisher is optional
// and falls back to a no-op dispatcher when absent (notification fan-out
// degrades, order flows keep working).
type ContainerDeps struct {
	Config    config.Config
	Registry  repositories.Registry
	Gateway   *payments.Manager
	Publisher services.NotificationPublisher
	Build     services.BuildInfo
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime service graph bottom-up: coupons and
// pricing first, then carts, then the order/checkout/return orchestration that
// depends on them.
func NewContainer(ctx context.Context, deps ContainerDeps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("di: repository registry is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("di: payments gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logFn := serviceLogger(deps.Logger)

	svc := Services{}
	reg := deps.Registry

	couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: reg.Coupons(),
		Clock:   clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = couponSvc

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Coupons: couponSvc,
		Policy: &services.PricingPolicy{
			FreeShippingThreshold: deps.Config.Pricing.FreeShippingThreshold,
			FlatShippingFee:       deps.Config.Pricing.FlatShippingFee,
			TaxPercent:            deps.Config.Pricing.TaxPercent,
		},
		Now:    clock,
		Logger: logFn,
	})
	if err != nil {
		return nil, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:      reg.Carts(),
		Products:   reg.Products(),
		Coupons:    couponSvc,
		MaxLineQty: deps.Config.Pricing.MaxLineQuantity,
		Clock:      clock,
		Logger:     logFn,
	})
	if err != nil {
		return nil, fmt.Errorf("build cart service: %w", err)
	}
	svc.Carts = cartSvc

	publisher := deps.Publisher
	if publisher == nil {
		publisher = dropPublisher{log: logFn}
	}
	notifier, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Publisher: publisher,
		Clock:     clock,
		Logger:    logFn,
	})
	if err != nil {
		return nil, fmt.Errorf("build notification dispatcher: %w", err)
	}
	svc.Notifications = notifier

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      reg.Orders(),
		Intents:     reg.PaymentIntents(),
		Counters:    reg.Counters(),
		Coupons:     reg.Coupons(),
		CouponUsage: reg.CouponUsage(),
		Carts:       cartSvc,
		Notifier:    notifier,
		Clock:       clock,
		Logger:      logFn,
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Intents: reg.PaymentIntents(),
		Carts:   cartSvc,
		Pricing: pricing,
		Orders:  orderSvc,
		Gateway: deps.Gateway,
		Clock:   clock,
		Logger:  logFn,
	})
	if err != nil {
		return nil, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	returnSvc, err := services.NewReturnService(services.ReturnServiceDeps{
		Returns:  reg.Returns(),
		Orders:   reg.Orders(),
		Intents:  reg.PaymentIntents(),
		Notifier: notifier,
		Clock:    clock,
		Logger:   logFn,
	})
	if err != nil {
		return nil, fmt.Errorf("build return service: %w", err)
	}
	svc.Returns = returnSvc

	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            clock,
		Build:            deps.Build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return &Container{
		Config:       deps.Config,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// dropPublisher absorbs notification traffic when no queue is configured.
// Each dropped message is logged so local runs still show the fan-out.
type dropPublisher struct {
	log func(context.Context, string, map[string]any)
}

func (d dropPublisher) PublishNotification(ctx context.Context, message services.NotificationMessage) (string, error) {
	d.log(ctx, "notification.dropped", map[string]any{"event": message.Event})
	return "", nil
}

func (d dropPublisher) PublishRefund(ctx context.Context, message services.RefundJobMessage) (string, error) {
	d.log(ctx, "refund_job.dropped", map[string]any{"order_id": message.OrderID})
	return "", nil
}

// serviceLogger adapts the structured request logger to the event logging
// signature the service layer expects. The request-scoped logger from the
// context wins so events keep their trace correlation fields.
func serviceLogger(fallback *zap.Logger) func(context.Context, string, map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := observability.FromContext(ctx)
		if logger == nil {
			logger = fallback
		}
		if logger == nil {
			return
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
