package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

// razorpayOrderAPI mirrors the subset of the Razorpay orders API the provider
// touches, so tests can stub the SDK.
type razorpayOrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// razorpayPaymentAPI mirrors the payments API subset.
type razorpayPaymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayClients groups the API surfaces used by the provider. Leave nil to
// build them from the SDK client.
type RazorpayClients struct {
	Orders   razorpayOrderAPI
	Payments razorpayPaymentAPI
}

// RazorpayProviderConfig wires credentials and optional overrides.
type RazorpayProviderConfig struct {
	KeyID     string
	KeySecret string
	Clients   *RazorpayClients
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

// RazorpayProvider adapts the Razorpay SDK to the Provider contract.
type RazorpayProvider struct {
	keySecret string
	orders    razorpayOrderAPI
	payments  razorpayPaymentAPI
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

var _ Provider = (*RazorpayProvider)(nil)

// NewRazorpayProvider constructs the adapter. The key secret is required even
// with injected clients because signature verification is computed locally.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	secret := strings.TrimSpace(cfg.KeySecret)
	if secret == "" {
		return nil, errors.New("razorpay: key secret is required")
	}

	clients := cfg.Clients
	if clients == nil {
		keyID := strings.TrimSpace(cfg.KeyID)
		if keyID == "" {
			return nil, errors.New("razorpay: key id is required")
		}
		sdk := razorpay.NewClient(keyID, secret)
		clients = &RazorpayClients{Orders: sdk.Order, Payments: sdk.Payment}
	}
	if clients.Orders == nil || clients.Payments == nil {
		return nil, errors.New("razorpay: order and payment clients are required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		keySecret: secret,
		orders:    clients.Orders,
		payments:  clients.Payments,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// CreateOrder opens a gateway order the client widget can collect against.
func (p *RazorpayProvider) CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error) {
	if req.Amount <= 0 {
		return GatewayOrder{}, errors.New("razorpay: amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}

	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": currency,
	}
	if req.Receipt != "" {
		data["receipt"] = req.Receipt
	}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	body, err := p.orders.Create(data, nil)
	if err != nil {
		p.logger(ctx, "razorpay.order_create_failed", map[string]any{"error": err.Error()})
		return GatewayOrder{}, fmt.Errorf("%w: create order: %v", ErrGatewayUnavailable, err)
	}

	orderID := stringField(body, "id")
	if orderID == "" {
		return GatewayOrder{}, fmt.Errorf("%w: create order returned no id", ErrGatewayUnavailable)
	}
	return GatewayOrder{
		ID:       orderID,
		Amount:   int64Field(body, "amount"),
		Currency: stringField(body, "currency"),
		Status:   stringField(body, "status"),
		Raw:      body,
	}, nil
}

// VerifySignature checks the HMAC-SHA256 the widget returns after customer
// authorisation. The signed payload is "<order_id>|<payment_id>" keyed with
// the key secret; comparison is constant time.
func (p *RazorpayProvider) VerifySignature(_ context.Context, req VerifyRequest) error {
	orderID := strings.TrimSpace(req.GatewayOrderID)
	paymentID := strings.TrimSpace(req.GatewayPaymentID)
	signature := strings.TrimSpace(req.Signature)
	if orderID == "" || paymentID == "" || signature == "" {
		return fmt.Errorf("%w: missing verification fields", ErrSignatureMismatch)
	}

	mac := hmac.New(sha256.New, []byte(p.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// LookupPayment fetches and normalises a captured payment.
func (p *RazorpayProvider) LookupPayment(ctx context.Context, paymentID string) (PaymentDetails, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return PaymentDetails{}, errors.New("razorpay: payment id is required")
	}

	body, err := p.payments.Fetch(paymentID, nil, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("%w: fetch payment %s: %v", ErrGatewayUnavailable, paymentID, err)
	}

	details := PaymentDetails{
		Provider:  "razorpay",
		PaymentID: stringField(body, "id"),
		OrderID:   stringField(body, "order_id"),
		Status:    razorpayPaymentStatus(stringField(body, "status")),
		Amount:    int64Field(body, "amount"),
		Currency:  stringField(body, "currency"),
		Method:    stringField(body, "method"),
		Raw:       body,
	}
	if details.Status == StatusSucceeded {
		details.Captured = true
		capturedAt := p.clock()
		if ts := int64Field(body, "created_at"); ts > 0 {
			capturedAt = time.Unix(ts, 0).UTC()
		}
		details.CapturedAt = &capturedAt
	}
	return details, nil
}

// Refund pushes money back for a captured payment. A nil amount refunds the
// full captured value.
func (p *RazorpayProvider) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	paymentID := strings.TrimSpace(req.GatewayPaymentID)
	if paymentID == "" {
		return Refund{}, errors.New("razorpay: payment id is required")
	}

	data := map[string]interface{}{}
	if req.Reason != "" {
		data["notes"] = map[string]interface{}{"reason": req.Reason}
	}
	for k, v := range req.Notes {
		notes, _ := data["notes"].(map[string]interface{})
		if notes == nil {
			notes = map[string]interface{}{}
			data["notes"] = notes
		}
		notes[k] = v
	}

	amount := 0
	if req.Amount != nil {
		amount = int(*req.Amount)
	}

	body, err := p.payments.Refund(paymentID, amount, data, nil)
	if err != nil {
		p.logger(ctx, "razorpay.refund_failed", map[string]any{
			"payment_id": paymentID,
			"error":      err.Error(),
		})
		return Refund{}, fmt.Errorf("%w: refund payment %s: %v", ErrGatewayUnavailable, paymentID, err)
	}

	refund := Refund{
		ID:     stringField(body, "id"),
		Status: razorpayRefundStatus(stringField(body, "status")),
		Amount: int64Field(body, "amount"),
		Raw:    body,
	}
	if ts := int64Field(body, "created_at"); ts > 0 {
		refund.CreatedAt = time.Unix(ts, 0).UTC()
	} else {
		refund.CreatedAt = p.clock()
	}
	return refund, nil
}

func razorpayPaymentStatus(status string) Status {
	switch strings.ToLower(status) {
	case "captured":
		return StatusSucceeded
	case "refunded":
		return StatusRefunded
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func razorpayRefundStatus(status string) Status {
	switch strings.ToLower(status) {
	case "processed":
		return StatusRefunded
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// stringField reads a string out of the SDK's untyped response maps.
func stringField(body map[string]interface{}, key string) string {
	if body == nil {
		return ""
	}
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}

// int64Field tolerates the float64 numbers produced by JSON decoding as well
// as the int values the SDK uses in tests.
func int64Field(body map[string]interface{}, key string) int64 {
	if body == nil {
		return 0
	}
	switch v := body[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
