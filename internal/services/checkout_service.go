package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/payments"
	"github.com/craftbazaar/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput signals malformed checkout arguments.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutCartNotReady indicates the cart is empty or could not be priced against the live catalog.
	ErrCheckoutCartNotReady = errors.New("checkout: cart not ready")
	// ErrCheckoutNotFound indicates the referenced payment intent does not exist.
	ErrCheckoutNotFound = errors.New("checkout: intent not found")
	// ErrCheckoutInvalidState indicates the intent cannot move to the requested state.
	ErrCheckoutInvalidState = errors.New("checkout: invalid intent state")
	// ErrCheckoutVerificationFailed indicates the gateway signature did not verify.
	ErrCheckoutVerificationFailed = errors.New("checkout: verification failed")
	// ErrCheckoutGateway wraps gateway failures while opening an order.
	ErrCheckoutGateway = errors.New("checkout: gateway failure")
	// ErrCheckoutForbidden indicates the intent belongs to another user.
	ErrCheckoutForbidden = errors.New("checkout: forbidden")
)

// intentStateTransitions defines the legal moves for a payment intent.
// Verified, Failed, and Cancelled are terminal; retries mint a fresh intent.
var intentStateTransitions = map[domain.PaymentIntentStatus][]domain.PaymentIntentStatus{
	domain.IntentStatusCreated:              {domain.IntentStatusAuthorizationPending, domain.IntentStatusFailed, domain.IntentStatusCancelled},
	domain.IntentStatusAuthorizationPending: {domain.IntentStatusVerifying, domain.IntentStatusFailed, domain.IntentStatusCancelled},
	domain.IntentStatusVerifying:            {domain.IntentStatusVerified, domain.IntentStatusFailed},
	domain.IntentStatusVerified:             {},
	domain.IntentStatusFailed:               {},
	domain.IntentStatusCancelled:            {},
}

func canTransitionIntent(from, to domain.PaymentIntentStatus) bool {
	for _, allowed := range intentStateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkoutGateway is the slice of payments.Manager the checkout flow needs.
type checkoutGateway interface {
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, req payments.OrderRequest) (payments.GatewayOrder, error)
	VerifySignature(ctx context.Context, paymentCtx payments.PaymentContext, req payments.VerifyRequest) error
}

// CheckoutServiceDeps bundles dependencies required to construct a CheckoutService.
type CheckoutServiceDeps struct {
	Intents     repositories.PaymentIntentRepository
	Carts       CartService
	Pricing     PricingService
	Orders      OrderService
	Gateway     checkoutGateway
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type checkoutService struct {
	intents repositories.PaymentIntentRepository
	carts   CartService
	pricing PricingService
	orders  OrderService
	gateway checkoutGateway
	clock   func() time.Time
	idgen   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewCheckoutService wires a CheckoutService.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Intents == nil {
		return nil, errors.New("checkout service: intent repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart service is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
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
	return &checkoutService{
		intents: deps.Intents,
		carts:   deps.Carts,
		pricing: deps.Pricing,
		orders:  deps.Orders,
		gateway: deps.Gateway,
		clock:   func() time.Time { return clock().UTC() },
		idgen:   idgen,
		logger:  logger,
	}, nil
}

var _ CheckoutService = (*checkoutService)(nil)

// Begin prices the cart with a fresh quote and opens a gateway order. The
// intent it returns is what the client widget collects against.
func (s *checkoutService) Begin(ctx context.Context, cmd BeginCheckoutCommand) (PaymentIntent, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return PaymentIntent{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if cmd.Method == domain.PaymentMethodCOD {
		return PaymentIntent{}, fmt.Errorf("%w: cash on delivery does not open a gateway order", ErrCheckoutInvalidInput)
	}

	quote, cart, err := s.priceCheckout(ctx, cmd.UserID, cmd.BuyNow)
	if err != nil {
		return PaymentIntent{}, err
	}

	now := s.clock()
	intent := PaymentIntent{
		ID:              "pay_" + s.idgen(),
		UserID:          cmd.UserID,
		CartID:          cart.ID,
		Status:          domain.IntentStatusCreated,
		Method:          domain.PaymentMethodGateway,
		Amount:          quote.Total,
		Currency:        quote.Currency,
		Quote:           quote,
		ShippingAddress: cmd.ShippingAddress,
		BuyNow:          cmd.BuyNow != nil,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.intents.Insert(ctx, intent); err != nil {
		return PaymentIntent{}, translateIntentRepoError(err)
	}

	order, err := s.gateway.CreateOrder(ctx, payments.PaymentContext{Currency: quote.Currency}, payments.OrderRequest{
		Amount:         quote.Total * 100,
		Currency:       quote.Currency,
		Receipt:        intent.ID,
		CustomerID:     cmd.UserID,
		Notes:          map[string]string{"cart_id": cart.ID, "user_id": cmd.UserID},
		IdempotencyKey: checkoutIdempotencyKey(intent.ID, cart, quote.Total),
	})
	if err != nil {
		intent.Status = domain.IntentStatusFailed
		intent.FailureReason = "gateway order creation failed"
		intent.UpdatedAt = s.clock()
		if updateErr := s.intents.Update(ctx, intent); updateErr != nil {
			s.logger(ctx, "checkout.intent_update_failed", map[string]any{
				"intent_id": intent.ID,
				"error":     updateErr.Error(),
			})
		}
		return PaymentIntent{}, fmt.Errorf("%w: %v", ErrCheckoutGateway, err)
	}

	intent.Status = domain.IntentStatusAuthorizationPending
	intent.Provider = order.Provider
	intent.GatewayOrderID = order.ID
	intent.UpdatedAt = s.clock()
	if err := s.intents.Update(ctx, intent); err != nil {
		return PaymentIntent{}, translateIntentRepoError(err)
	}

	s.logger(ctx, "checkout.intent_opened", map[string]any{
		"intent_id":        intent.ID,
		"gateway_order_id": order.ID,
		"amount":           intent.Amount,
	})
	return intent, nil
}

// Verify validates the signature the widget returned. A mismatch permanently
// fails the intent and no order is created.
func (s *checkoutService) Verify(ctx context.Context, cmd VerifyCheckoutCommand) (Order, error) {
	intent, err := s.loadIntent(ctx, cmd.IntentID, cmd.UserID)
	if err != nil {
		return Order{}, err
	}
	if intent.GatewayOrderID == "" || intent.GatewayOrderID != strings.TrimSpace(cmd.GatewayOrderID) {
		return Order{}, fmt.Errorf("%w: gateway order mismatch", ErrCheckoutInvalidInput)
	}
	return s.settleGatewayIntent(ctx, intent, cmd.GatewayPaymentID, cmd.GatewaySignature)
}

// ConfirmGatewayPayment settles an intent from a gateway-side callback. It is
// also the recovery path when a client Verify charged the customer but died
// before the order was written: the intent is located by gateway order id and
// order creation reuses the idempotent path.
func (s *checkoutService) ConfirmGatewayPayment(ctx context.Context, cmd ConfirmGatewayPaymentCommand) (Order, error) {
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	if gatewayOrderID == "" || strings.TrimSpace(cmd.GatewayPaymentID) == "" || strings.TrimSpace(cmd.GatewaySignature) == "" {
		return Order{}, fmt.Errorf("%w: gateway order id, payment id and signature are required", ErrCheckoutInvalidInput)
	}
	intent, err := s.intents.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return Order{}, translateIntentRepoError(err)
	}
	if provider := strings.TrimSpace(cmd.Provider); provider != "" && intent.Provider != provider {
		return Order{}, fmt.Errorf("%w: provider mismatch for gateway order %s", ErrCheckoutInvalidInput, gatewayOrderID)
	}
	return s.settleGatewayIntent(ctx, intent, cmd.GatewayPaymentID, cmd.GatewaySignature)
}

// settleGatewayIntent drives an intent to Verified and materialises its
// order. An intent already Verified whose payment id matches is re-settled
// without touching the gateway, so a failed order write stays retryable.
func (s *checkoutService) settleGatewayIntent(ctx context.Context, intent PaymentIntent, gatewayPaymentID, signature string) (Order, error) {
	gatewayPaymentID = strings.TrimSpace(gatewayPaymentID)
	if intent.Status == domain.IntentStatusVerified {
		if intent.GatewayPaymentID != gatewayPaymentID {
			return Order{}, fmt.Errorf("%w: gateway payment mismatch", ErrCheckoutInvalidInput)
		}
		return s.materializeOrder(ctx, intent)
	}
	if !canTransitionIntent(intent.Status, domain.IntentStatusVerifying) {
		return Order{}, fmt.Errorf("%w: cannot verify intent in status %s", ErrCheckoutInvalidState, intent.Status)
	}

	intent.Status = domain.IntentStatusVerifying
	intent.UpdatedAt = s.clock()
	if err := s.intents.Update(ctx, intent); err != nil {
		return Order{}, translateIntentRepoError(err)
	}

	verifyErr := s.gateway.VerifySignature(ctx, payments.PaymentContext{PreferredProvider: intent.Provider, Currency: intent.Currency}, payments.VerifyRequest{
		GatewayOrderID:   intent.GatewayOrderID,
		GatewayPaymentID: gatewayPaymentID,
		Signature:        signature,
	})
	if verifyErr != nil {
		intent.Status = domain.IntentStatusFailed
		intent.FailureReason = "signature verification failed"
		intent.UpdatedAt = s.clock()
		if updateErr := s.intents.Update(ctx, intent); updateErr != nil {
			s.logger(ctx, "checkout.intent_update_failed", map[string]any{
				"intent_id": intent.ID,
				"error":     updateErr.Error(),
			})
		}
		s.logger(ctx, "checkout.verification_failed", map[string]any{
			"intent_id":        intent.ID,
			"gateway_order_id": intent.GatewayOrderID,
		})
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutVerificationFailed, verifyErr)
	}

	intent.Status = domain.IntentStatusVerified
	intent.GatewayPaymentID = gatewayPaymentID
	intent.UpdatedAt = s.clock()
	if err := s.intents.Update(ctx, intent); err != nil {
		return Order{}, translateIntentRepoError(err)
	}

	return s.materializeOrder(ctx, intent)
}

// materializeOrder creates the order for a verified intent (CreateFromIntent
// dedupes per intent) and records its id back on the intent.
func (s *checkoutService) materializeOrder(ctx context.Context, intent PaymentIntent) (Order, error) {
	order, err := s.orders.CreateFromIntent(ctx, CreateOrderCommand{Intent: intent, ShippingAddress: intent.ShippingAddress})
	if err != nil {
		return Order{}, err
	}

	if intent.OrderID != order.ID {
		intent.OrderID = order.ID
		intent.UpdatedAt = s.clock()
		if err := s.intents.Update(ctx, intent); err != nil {
			s.logger(ctx, "checkout.intent_update_failed", map[string]any{
				"intent_id": intent.ID,
				"order_id":  order.ID,
				"error":     err.Error(),
			})
		}
	}
	return order, nil
}

// Dismiss marks an intent cancelled after the customer closes the widget.
// Cancelled intents are terminal; a retry begins a new checkout.
func (s *checkoutService) Dismiss(ctx context.Context, cmd DismissCheckoutCommand) (PaymentIntent, error) {
	intent, err := s.loadIntent(ctx, cmd.IntentID, cmd.UserID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if !canTransitionIntent(intent.Status, domain.IntentStatusCancelled) {
		return PaymentIntent{}, fmt.Errorf("%w: cannot dismiss intent in status %s", ErrCheckoutInvalidState, intent.Status)
	}

	intent.Status = domain.IntentStatusCancelled
	intent.FailureReason = strings.TrimSpace(cmd.Reason)
	if intent.FailureReason == "" {
		intent.FailureReason = "dismissed by customer"
	}
	intent.UpdatedAt = s.clock()
	if err := s.intents.Update(ctx, intent); err != nil {
		return PaymentIntent{}, translateIntentRepoError(err)
	}

	s.logger(ctx, "checkout.intent_dismissed", map[string]any{"intent_id": intent.ID})
	return intent, nil
}

// PlaceCODOrder bypasses the gateway entirely: the intent is minted already
// verified and the order is created with payment pending collection.
func (s *checkoutService) PlaceCODOrder(ctx context.Context, cmd PlaceCODOrderCommand) (Order, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}

	quote, cart, err := s.priceCheckout(ctx, cmd.UserID, cmd.BuyNow)
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	intent := PaymentIntent{
		ID:              "pay_" + s.idgen(),
		UserID:          cmd.UserID,
		CartID:          cart.ID,
		Status:          domain.IntentStatusVerified,
		Method:          domain.PaymentMethodCOD,
		Amount:          quote.Total,
		Currency:        quote.Currency,
		Quote:           quote,
		ShippingAddress: cmd.ShippingAddress,
		BuyNow:          cmd.BuyNow != nil,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.intents.Insert(ctx, intent); err != nil {
		return Order{}, translateIntentRepoError(err)
	}

	return s.materializeOrder(ctx, intent)
}

// priceCheckout reconciles and prices the cart. Checkout is where graceful
// degradation stops: a stale cart cannot be charged.
func (s *checkoutService) priceCheckout(ctx context.Context, userID string, buyNow *BuyNowItem) (Quote, Cart, error) {
	reconciled, err := s.carts.Reconcile(ctx, ReconcileCartCommand{UserID: userID, BuyNow: buyNow})
	if err != nil {
		return Quote{}, Cart{}, err
	}
	if reconciled.Cart.Stale {
		return Quote{}, Cart{}, fmt.Errorf("%w: catalog unavailable, cannot price cart", ErrCheckoutCartNotReady)
	}
	if len(reconciled.Cart.Items) == 0 {
		return Quote{}, Cart{}, fmt.Errorf("%w: cart is empty", ErrCheckoutCartNotReady)
	}

	quote, err := s.pricing.Quote(ctx, QuoteCommand{UserID: userID, Cart: reconciled.Cart})
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return Quote{}, Cart{}, fmt.Errorf("%w: %v", ErrCheckoutCartNotReady, err)
		}
		return Quote{}, Cart{}, err
	}
	return quote, reconciled.Cart, nil
}

func (s *checkoutService) loadIntent(ctx context.Context, intentID, userID string) (PaymentIntent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return PaymentIntent{}, fmt.Errorf("%w: intent id is required", ErrCheckoutInvalidInput)
	}
	intent, err := s.intents.FindByID(ctx, intentID)
	if err != nil {
		return PaymentIntent{}, translateIntentRepoError(err)
	}
	if userID != "" && intent.UserID != userID {
		return PaymentIntent{}, fmt.Errorf("%w: intent %s", ErrCheckoutForbidden, intentID)
	}
	return intent, nil
}

// checkoutIdempotencyKey derives a stable key for the gateway order so a
// retried Begin with identical cart state dedupes at the gateway.
func checkoutIdempotencyKey(intentID string, cart Cart, total int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", intentID, cart.ID, cart.UpdatedAt.UnixNano(), total)))
	return hex.EncodeToString(sum[:])
}

func translateIntentRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCheckoutNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: concurrent update: %v", ErrCheckoutInvalidState, err)
		}
	}
	return err
}
