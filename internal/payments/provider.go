package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded (partially or fully).
	StatusRefunded Status = "refunded"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrSignatureMismatch is returned when a gateway callback signature fails verification.
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
	// ErrGatewayUnavailable wraps transport failures talking to the gateway.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
)

// OrderRequest captures the payload required to open a gateway order. Amount
// is in the currency's minor unit (paise for INR).
type OrderRequest struct {
	Amount         int64
	Currency       string
	Receipt        string
	CustomerID     string
	Notes          map[string]string
	IdempotencyKey string
}

// GatewayOrder is the gateway-side order handed back to the client widget.
type GatewayOrder struct {
	ID       string
	Provider string
	Amount   int64
	Currency string
	Status   string
	Raw      map[string]any
}

// VerifyRequest carries the fields returned by the client widget after the
// customer authorises a payment.
type VerifyRequest struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// RefundRequest defines a gateway refund attempt. Amount is in minor units; a
// nil Amount refunds the full captured value.
type RefundRequest struct {
	GatewayPaymentID string
	Amount           *int64
	Reason           string
	Notes            map[string]string
	IdempotencyKey   string
}

// Refund normalises the gateway refund record.
type Refund struct {
	ID        string
	Status    Status
	Amount    int64
	CreatedAt time.Time
	Raw       map[string]any
}

// PaymentDetails normalises gateway specific fields for storage.
type PaymentDetails struct {
	Provider   string
	PaymentID  string
	OrderID    string
	Status     Status
	Amount     int64
	Currency   string
	Method     string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider defines the contract for gateway adapters to implement.
type Provider interface {
	CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error)
	VerifySignature(ctx context.Context, req VerifyRequest) error
	LookupPayment(ctx context.Context, paymentID string) (PaymentDetails, error)
	Refund(ctx context.Context, req RefundRequest) (Refund, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["razorpay"]; ok {
		m.defaultProvider = "razorpay"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateOrder delegates to the resolved provider and stamps the provider key
// on the returned order.
func (m *Manager) CreateOrder(ctx context.Context, paymentCtx PaymentContext, req OrderRequest) (GatewayOrder, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return GatewayOrder{}, err
	}
	order, err := provider.CreateOrder(ctx, req)
	if err != nil {
		return GatewayOrder{}, err
	}
	order.Provider = key
	return order, nil
}

// VerifySignature delegates to the resolved provider.
func (m *Manager) VerifySignature(ctx context.Context, paymentCtx PaymentContext, req VerifyRequest) error {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return err
	}
	return provider.VerifySignature(ctx, req)
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, paymentID string) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, paymentID)
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (Refund, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Refund{}, err
	}
	return provider.Refund(ctx, req)
}
