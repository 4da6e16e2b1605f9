package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/platform/auth"
	"github.com/craftbazaar/api/internal/platform/httpx"
	"github.com/craftbazaar/api/internal/services"
)

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn   *auth.Authenticator
	carts   services.CartService
	pricing services.PricingService
}

const maxCartBodySize = 16 * 1024

// NewCartHandlers constructs handlers enforcing authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, pricing services.PricingService) *CartHandlers {
	return &CartHandlers{
		authn:   authn,
		carts:   carts,
		pricing: pricing,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.getCart)
	r.Post("/items", h.upsertItem)
	r.Delete("/items/{productID}", h.removeItem)
	r.Post("/coupon", h.applyCoupon)
	r.Delete("/coupon", h.removeCoupon)
	r.Post("/reconcile", h.reconcile)
	r.Post("/quote", h.quote)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartAccess(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetOrCreateCart(ctx, identity.UID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) upsertItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartAccess(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	req, err := parseUpsertItemRequest(body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	expected := req.updatedAt
	if expected == nil {
		if ifUnmodified := strings.TrimSpace(r.Header.Get("If-Unmodified-Since")); ifUnmodified != "" {
			parsed, parseErr := time.Parse(http.TimeFormat, ifUnmodified)
			if parseErr != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "If-Unmodified-Since must be a valid HTTP-date", http.StatusBadRequest))
				return
			}
			expected = &parsed
		}
	}

	cart, err := h.carts.AddOrUpdateItem(ctx, services.UpsertCartItemCommand{
		UserID:            identity.UID,
		Product:           req.product,
		Quantity:          req.quantity,
		ExpectedUpdatedAt: expected,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartAccess(ctx, w)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		UserID:    identity.UID,
		ProductID: productID,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartAccess(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req applyCouponRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.ApplyCoupon(ctx, services.ApplyCouponCommand{
		UserID: identity.UID,
		Code:   req.Code,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartAccess(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.RemoveCoupon(ctx, identity.UID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartAccess(ctx, w)
	if !ok {
		return
	}

	cmd, err := h.parseReconcileCommand(r, identity.UID)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	reconciled, err := h.carts.Reconcile(ctx, cmd)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, reconciled.Cart)
	writeJSONResponse(w, http.StatusOK, buildReconciledCartPayload(reconciled))
}

func (h *CartHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartAccess(ctx, w)
	if !ok {
		return
	}
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service is unavailable", http.StatusServiceUnavailable))
		return
	}

	cmd, err := h.parseReconcileCommand(r, identity.UID)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	reconciled, err := h.carts.Reconcile(ctx, cmd)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	quote, err := h.pricing.Quote(ctx, services.QuoteCommand{
		UserID:     identity.UID,
		Cart:       reconciled.Cart,
		CouponCode: reconciled.Cart.CouponCode,
	})
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, quoteResponse{Quote: buildQuotePayload(quote)})
}

// parseReconcileCommand accepts an empty body (regular cart) or a buy_now line.
func (h *CartHandlers) parseReconcileCommand(r *http.Request, userID string) (services.ReconcileCartCommand, error) {
	cmd := services.ReconcileCartCommand{UserID: userID}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return cmd, nil
		}
		return cmd, err
	}

	var req reconcileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return cmd, errors.New("request body must be valid JSON")
	}
	if req.BuyNow != nil {
		productID := strings.TrimSpace(req.BuyNow.ProductID)
		if productID == "" {
			return cmd, errors.New("buy_now.product_id is required")
		}
		if req.BuyNow.Quantity <= 0 {
			return cmd, errors.New("buy_now.quantity must be positive")
		}
		cmd.BuyNow = &domain.BuyNowItem{
			ProductID: productID,
			Quantity:  req.BuyNow.Quantity,
		}
	}
	return cmd, nil
}

func (h *CartHandlers) requireCartAccess(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *CartHandlers) writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_coupon", "Invalid coupon code", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable), errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}

func (h *CartHandlers) writeQuoteError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPricingCurrencyMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("currency_mismatch", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_coupon", "Invalid coupon code", http.StatusUnprocessableEntity))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("quote_error", "failed to price the cart", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func setCartResponseHeaders(w http.ResponseWriter, cart services.Cart) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartETag(cart services.Cart) string {
	if strings.TrimSpace(cart.ID) == "" || cart.UpdatedAt.IsZero() {
		return ""
	}
	input := fmt.Sprintf("%s:%d", strings.TrimSpace(cart.ID), cart.UpdatedAt.UTC().UnixNano())
	sum := sha256.Sum256([]byte(input))
	token := hex.EncodeToString(sum[:8])
	return fmt.Sprintf(`W/"%s"`, token)
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:         strings.TrimSpace(cart.ID),
		UserID:     strings.TrimSpace(cart.UserID),
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		ItemsCount: len(cart.Items),
		Items:      buildCartItems(cart.Items),
		CouponCode: strings.TrimSpace(cart.CouponCode),
		Stale:      cart.Stale,
		Metadata:   cloneMap(cart.Metadata),
	}
	if !cart.UpdatedAt.IsZero() {
		payload.UpdatedAt = formatTime(cart.UpdatedAt)
	}
	return payload
}

func buildCartItems(items []services.CartItem) []cartItemPayload {
	if len(items) == 0 {
		return []cartItemPayload{}
	}

	payload := make([]cartItemPayload, 0, len(items))
	for _, item := range items {
		entry := cartItemPayload{
			ProductID:    strings.TrimSpace(item.Product.ProductID()),
			Name:         strings.TrimSpace(item.Name),
			UnitPrice:    item.UnitPrice,
			Quantity:     item.Quantity,
			LineTotal:    item.LineTotal,
			Image:        strings.TrimSpace(item.Image),
			PriceDrifted: item.PriceDrifted,
		}
		if !item.AddedAt.IsZero() {
			entry.AddedAt = formatTime(item.AddedAt)
		}
		payload = append(payload, entry)
	}
	return payload
}

func buildReconciledCartPayload(reconciled services.ReconciledCart) reconciledCartResponse {
	removed := reconciled.RemovedProducts
	if removed == nil {
		removed = []string{}
	}
	return reconciledCartResponse{
		Cart:            buildCartPayload(reconciled.Cart),
		RemovedProducts: removed,
		PriceDrifted:    reconciled.PriceDrifted,
	}
}

func buildQuotePayload(quote services.Quote) quotePayload {
	payload := quotePayload{
		Currency: strings.ToUpper(strings.TrimSpace(quote.Currency)),
		Subtotal: quote.Subtotal,
		Discount: quote.Discount,
		Shipping: quote.Shipping,
		Tax:      quote.Tax,
		Total:    quote.Total,
		Lines:    make([]quoteLinePayload, 0, len(quote.Lines)),
	}
	for _, line := range quote.Lines {
		payload.Lines = append(payload.Lines, quoteLinePayload{
			ProductID: strings.TrimSpace(line.ProductID),
			Name:      strings.TrimSpace(line.Name),
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			LineTotal: line.LineTotal,
			Tax:       line.Tax,
		})
	}
	if quote.Coupon != nil {
		payload.Coupon = &quoteCouponPayload{
			Code:           strings.TrimSpace(quote.Coupon.Code),
			Valid:          quote.Coupon.Valid,
			Reason:         strings.TrimSpace(quote.Coupon.Reason),
			DiscountAmount: quote.Coupon.DiscountAmount,
		}
	}
	return payload
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type reconciledCartResponse struct {
	Cart            cartPayload `json:"cart"`
	RemovedProducts []string    `json:"removed_products"`
	PriceDrifted    bool        `json:"price_drifted"`
}

type cartPayload struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Currency   string            `json:"currency"`
	ItemsCount int               `json:"items_count"`
	Items      []cartItemPayload `json:"items"`
	CouponCode string            `json:"coupon_code,omitempty"`
	Stale      bool              `json:"stale,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
}

type cartItemPayload struct {
	ProductID    string `json:"product_id"`
	Name         string `json:"name,omitempty"`
	UnitPrice    int64  `json:"unit_price"`
	Quantity     int64  `json:"quantity"`
	LineTotal    int64  `json:"line_total"`
	Image        string `json:"image,omitempty"`
	PriceDrifted bool   `json:"price_drifted,omitempty"`
	AddedAt      string `json:"added_at,omitempty"`
}

type applyCouponRequest struct {
	Code string `json:"code"`
}

type buyNowRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type reconcileRequest struct {
	BuyNow *buyNowRequest `json:"buy_now"`
}

type quoteResponse struct {
	Quote quotePayload `json:"quote"`
}

type quotePayload struct {
	Currency string              `json:"currency"`
	Subtotal int64               `json:"subtotal"`
	Discount int64               `json:"discount"`
	Shipping int64               `json:"shipping"`
	Tax      int64               `json:"tax"`
	Total    int64               `json:"total"`
	Lines    []quoteLinePayload  `json:"lines"`
	Coupon   *quoteCouponPayload `json:"coupon,omitempty"`
}

type quoteLinePayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
	LineTotal int64  `json:"line_total"`
	Tax       int64  `json:"tax"`
}

type quoteCouponPayload struct {
	Code           string `json:"code"`
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
	DiscountAmount int64  `json:"discount_amount"`
}

type upsertItemRequest struct {
	product   domain.ProductRef
	quantity  int64
	updatedAt *time.Time
}

func parseUpsertItemRequest(body []byte) (upsertItemRequest, error) {
	var req upsertItemRequest

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return req, errors.New("invalid JSON payload")
	}

	for key, value := range raw {
		switch key {
		case "product":
			if isJSONNull(value) {
				return req, errors.New("product is required")
			}
			var ref domain.ProductRef
			if err := json.Unmarshal(value, &ref); err != nil {
				return req, errors.New("product must be an id or a product object")
			}
			req.product = ref
		case "quantity":
			if err := json.Unmarshal(value, &req.quantity); err != nil {
				return req, errors.New("quantity must be an integer")
			}
		case "updated_at":
			if isJSONNull(value) {
				continue
			}
			var ts string
			if err := json.Unmarshal(value, &ts); err != nil {
				return req, errors.New("updated_at must be a string")
			}
			parsed, err := parseRFC3339(strings.TrimSpace(ts))
			if err != nil {
				return req, fmt.Errorf("updated_at must be RFC3339 timestamp: %w", err)
			}
			req.updatedAt = &parsed
		default:
			return req, fmt.Errorf("field %q is not supported", key)
		}
	}

	if req.product.IsZero() {
		return req, errors.New("product is required")
	}
	if req.quantity <= 0 {
		return req, errors.New("quantity must be positive")
	}

	return req, nil
}
