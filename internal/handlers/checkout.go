package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/platform/auth"
	"github.com/craftbazaar/api/internal/platform/httpx"
	"github.com/craftbazaar/api/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes the payment handshake endpoints for authenticated users.
type CheckoutHandlers struct {
	authn      *auth.Authenticator
	checkout   services.CheckoutService
	limiter    rateLimiter
	disableCOD bool
}

// CheckoutOption customises checkout handler construction.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutRateLimit throttles checkout starts per user.
func WithCheckoutRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// WithCheckoutCODDisabled removes the cash-on-delivery endpoint.
func WithCheckoutCODDisabled() CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.disableCOD = true
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/", h.begin)
	if !h.disableCOD {
		r.Post("/cod", h.placeCOD)
	}
	r.Post("/{intentID}/verify", h.verify)
	r.Post("/{intentID}/dismiss", h.dismiss)
}

// WebhookRoutes registers the gateway-facing confirmation callback. User
// authentication does not apply; the payment signature in the payload
// authenticates the caller.
func (h *CheckoutHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.gatewayCallback)
}

type beginCheckoutRequest struct {
	BuyNow          *buyNowRequest  `json:"buy_now"`
	ShippingAddress *addressPayload `json:"shipping_address"`
}

type verifyCheckoutRequest struct {
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	GatewaySignature string `json:"gateway_signature"`
}

type dismissCheckoutRequest struct {
	Reason string `json:"reason"`
}

type gatewayCallbackRequest struct {
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	GatewaySignature string `json:"gateway_signature"`
}

type intentResponse struct {
	Intent intentPayload `json:"intent"`
}

type intentPayload struct {
	ID             string       `json:"id"`
	Status         string       `json:"status"`
	Method         string       `json:"method"`
	Provider       string       `json:"provider,omitempty"`
	GatewayOrderID string       `json:"gateway_order_id,omitempty"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Quote          quotePayload `json:"quote"`
	OrderID        string       `json:"order_id,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	CreatedAt      string       `json:"created_at,omitempty"`
}

func (h *CheckoutHandlers) begin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCheckoutAccess(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; slow down", http.StatusTooManyRequests))
		return
	}

	req, err := h.parseCheckoutRequest(r)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.BeginCheckoutCommand{
		UserID: identity.UID,
		Method: domain.PaymentMethodGateway,
	}
	h.applyCheckoutRequest(&cmd.BuyNow, &cmd.ShippingAddress, req)

	intent, err := h.checkout.Begin(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, intentResponse{Intent: buildIntentPayload(intent)})
}

func (h *CheckoutHandlers) placeCOD(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCheckoutAccess(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; slow down", http.StatusTooManyRequests))
		return
	}

	req, err := h.parseCheckoutRequest(r)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.PlaceCODOrderCommand{UserID: identity.UID}
	h.applyCheckoutRequest(&cmd.BuyNow, &cmd.ShippingAddress, req)

	order, err := h.checkout.PlaceCODOrder(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *CheckoutHandlers) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCheckoutAccess(ctx, w)
	if !ok {
		return
	}

	intentID := strings.TrimSpace(chi.URLParam(r, "intentID"))
	if intentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "intent id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req verifyCheckoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.GatewayOrderID) == "" || strings.TrimSpace(req.GatewayPaymentID) == "" || strings.TrimSpace(req.GatewaySignature) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "gateway_order_id, gateway_payment_id and gateway_signature are required", http.StatusBadRequest))
		return
	}

	order, err := h.checkout.Verify(ctx, services.VerifyCheckoutCommand{
		UserID:           identity.UID,
		IntentID:         intentID,
		GatewayOrderID:   strings.TrimSpace(req.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(req.GatewayPaymentID),
		GatewaySignature: strings.TrimSpace(req.GatewaySignature),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *CheckoutHandlers) gatewayCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req gatewayCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.GatewayOrderID) == "" || strings.TrimSpace(req.GatewayPaymentID) == "" || strings.TrimSpace(req.GatewaySignature) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "gateway_order_id, gateway_payment_id and gateway_signature are required", http.StatusBadRequest))
		return
	}

	order, err := h.checkout.ConfirmGatewayPayment(ctx, services.ConfirmGatewayPaymentCommand{
		Provider:         strings.TrimSpace(chi.URLParam(r, "provider")),
		GatewayOrderID:   strings.TrimSpace(req.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(req.GatewayPaymentID),
		GatewaySignature: strings.TrimSpace(req.GatewaySignature),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *CheckoutHandlers) dismiss(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCheckoutAccess(ctx, w)
	if !ok {
		return
	}

	intentID := strings.TrimSpace(chi.URLParam(r, "intentID"))
	if intentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "intent id is required", http.StatusBadRequest))
		return
	}

	var req dismissCheckoutRequest
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	intent, err := h.checkout.Dismiss(ctx, services.DismissCheckoutCommand{
		UserID:   identity.UID,
		IntentID: intentID,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, intentResponse{Intent: buildIntentPayload(intent)})
}

func (h *CheckoutHandlers) parseCheckoutRequest(r *http.Request) (beginCheckoutRequest, error) {
	var req beginCheckoutRequest
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errors.New("request body must be valid JSON")
	}
	if req.ShippingAddress == nil {
		return req, errors.New("shipping_address is required")
	}
	if req.BuyNow != nil {
		if strings.TrimSpace(req.BuyNow.ProductID) == "" {
			return req, errors.New("buy_now.product_id is required")
		}
		if req.BuyNow.Quantity < 0 {
			return req, errors.New("buy_now.quantity must be positive")
		}
		if req.BuyNow.Quantity == 0 {
			req.BuyNow.Quantity = 1
		}
	}
	return req, nil
}

func (h *CheckoutHandlers) applyCheckoutRequest(buyNow **domain.BuyNowItem, addr *domain.Address, req beginCheckoutRequest) {
	if req.BuyNow != nil {
		*buyNow = &domain.BuyNowItem{
			ProductID: strings.TrimSpace(req.BuyNow.ProductID),
			Quantity:  req.BuyNow.Quantity,
		}
	}
	if req.ShippingAddress != nil {
		*addr = req.ShippingAddress.toDomain()
	}
}

func (h *CheckoutHandlers) requireCheckoutAccess(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_coupon", "Invalid coupon code", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutCartNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_ready", "cart is not ready for checkout", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("intent_not_found", "payment intent not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("intent_not_found", "payment intent not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("intent_invalid_state", "payment intent is not in a state allowing this operation", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutVerificationFailed):
		httpx.WriteError(ctx, w, httpx.NewError("verification_failed", "payment verification failed", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutGateway):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment gateway request failed", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}

func buildIntentPayload(intent services.PaymentIntent) intentPayload {
	return intentPayload{
		ID:             strings.TrimSpace(intent.ID),
		Status:         string(intent.Status),
		Method:         string(intent.Method),
		Provider:       strings.TrimSpace(intent.Provider),
		GatewayOrderID: strings.TrimSpace(intent.GatewayOrderID),
		Amount:         intent.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(intent.Currency)),
		Quote:          buildQuotePayload(intent.Quote),
		OrderID:        strings.TrimSpace(intent.OrderID),
		FailureReason:  strings.TrimSpace(intent.FailureReason),
		CreatedAt:      formatTime(intent.CreatedAt),
	}
}
