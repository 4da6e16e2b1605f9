package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v78"
	stripeclient "github.com/stripe/stripe-go/v78/client"
)

// stripePaymentIntentAPI mirrors the payment-intent operations used by the
// provider so tests can stub the SDK.
type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// stripeRefundAPI mirrors the refund operations used by the provider.
type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeClients groups the API surfaces used by the provider. Leave nil to
// build them from the SDK client.
type StripeClients struct {
	PaymentIntents stripePaymentIntentAPI
	Refunds        stripeRefundAPI
}

// StripeProviderConfig wires credentials and optional overrides.
type StripeProviderConfig struct {
	APIKey  string
	Clients *StripeClients
	Clock   func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

// StripeProvider adapts Stripe payment intents to the Provider contract. It
// backs non-INR checkouts routed through the manager's currency table.
type StripeProvider struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs the adapter.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	clients := cfg.Clients
	if clients == nil {
		key := strings.TrimSpace(cfg.APIKey)
		if key == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sdk := stripeclient.New(key, nil)
		clients = &StripeClients{PaymentIntents: sdk.PaymentIntents, Refunds: sdk.Refunds}
	}
	if clients.PaymentIntents == nil || clients.Refunds == nil {
		return nil, errors.New("stripe: payment intent and refund clients are required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents: clients.PaymentIntents,
		refunds: clients.Refunds,
		clock:   func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// CreateOrder opens a payment intent; its ID doubles as the gateway order ID.
func (p *StripeProvider) CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error) {
	if req.Amount <= 0 {
		return GatewayOrder{}, errors.New("stripe: amount must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return GatewayOrder{}, errors.New("stripe: currency is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	for k, v := range req.Notes {
		params.AddMetadata(k, v)
	}
	if req.Receipt != "" {
		params.AddMetadata("receipt", req.Receipt)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		p.logger(ctx, "stripe.intent_create_failed", map[string]any{"error": err.Error()})
		return GatewayOrder{}, fmt.Errorf("%w: create intent: %v", ErrGatewayUnavailable, err)
	}

	return GatewayOrder{
		ID:       intent.ID,
		Amount:   intent.Amount,
		Currency: string(intent.Currency),
		Status:   string(intent.Status),
	}, nil
}

// VerifySignature confirms the payment server side. Stripe does not hand the
// browser an HMAC the way Razorpay does, so verification re-fetches the
// intent and requires a successful capture for the referenced payment.
func (p *StripeProvider) VerifySignature(ctx context.Context, req VerifyRequest) error {
	intentID := strings.TrimSpace(req.GatewayOrderID)
	if intentID == "" {
		return fmt.Errorf("%w: missing intent id", ErrSignatureMismatch)
	}

	intent, err := p.intents.Get(intentID, nil)
	if err != nil {
		return fmt.Errorf("%w: fetch intent %s: %v", ErrGatewayUnavailable, intentID, err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: intent %s in status %s", ErrSignatureMismatch, intentID, intent.Status)
	}
	if paymentID := strings.TrimSpace(req.GatewayPaymentID); paymentID != "" {
		if intent.LatestCharge == nil || intent.LatestCharge.ID != paymentID {
			return fmt.Errorf("%w: charge mismatch for intent %s", ErrSignatureMismatch, intentID)
		}
	}
	return nil
}

// LookupPayment fetches and normalises a payment intent.
func (p *StripeProvider) LookupPayment(ctx context.Context, paymentID string) (PaymentDetails, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("stripe: payment id is required")
	}

	intent, err := p.intents.Get(paymentID, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("%w: fetch intent %s: %v", ErrGatewayUnavailable, paymentID, err)
	}

	details := PaymentDetails{
		Provider:  "stripe",
		PaymentID: intent.ID,
		OrderID:   intent.ID,
		Status:    stripeIntentStatus(intent.Status),
		Amount:    intent.Amount,
		Currency:  string(intent.Currency),
	}
	if details.Status == StatusSucceeded {
		details.Captured = true
		capturedAt := p.clock()
		if intent.Created > 0 {
			capturedAt = time.Unix(intent.Created, 0).UTC()
		}
		details.CapturedAt = &capturedAt
	}
	return details, nil
}

// Refund refunds against the payment intent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	paymentID := strings.TrimSpace(req.GatewayPaymentID)
	if paymentID == "" {
		return Refund{}, errors.New("stripe: payment id is required")
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentID)}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}

	refund, err := p.refunds.New(params)
	if err != nil {
		p.logger(ctx, "stripe.refund_failed", map[string]any{
			"payment_id": paymentID,
			"error":      err.Error(),
		})
		return Refund{}, fmt.Errorf("%w: refund %s: %v", ErrGatewayUnavailable, paymentID, err)
	}

	out := Refund{
		ID:     refund.ID,
		Amount: refund.Amount,
		Status: stripeRefundStatus(refund.Status),
	}
	if refund.Created > 0 {
		out.CreatedAt = time.Unix(refund.Created, 0).UTC()
	} else {
		out.CreatedAt = p.clock()
	}
	return out, nil
}

func stripeIntentStatus(status stripe.PaymentIntentStatus) Status {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func stripeRefundStatus(status stripe.RefundStatus) Status {
	switch status {
	case stripe.RefundStatusSucceeded:
		return StatusRefunded
	case stripe.RefundStatusFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}
