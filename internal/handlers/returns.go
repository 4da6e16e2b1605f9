package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/craftbazaar/api/internal/platform/auth"
	"github.com/craftbazaar/api/internal/platform/httpx"
	"github.com/craftbazaar/api/internal/services"
)

const maxReturnBodySize = 8 * 1024

// ReturnHandlers exposes customer-facing return endpoints.
type ReturnHandlers struct {
	authn   *auth.Authenticator
	returns services.ReturnService
}

// NewReturnHandlers constructs return handlers guarded by authentication.
func NewReturnHandlers(authn *auth.Authenticator, returns services.ReturnService) *ReturnHandlers {
	return &ReturnHandlers{
		authn:   authn,
		returns: returns,
	}
}

// Routes registers the /returns endpoints.
func (h *ReturnHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/eligibility/{orderID}", h.checkEligibility)
	r.Post("/", h.requestReturn)
	r.Post("/{returnID}/cancel", h.cancelReturn)
}

type requestReturnPayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Reason    string `json:"reason"`
}

type returnResponse struct {
	Return returnPayload `json:"return"`
}

type returnPayload struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	UserID       string `json:"user_id"`
	ProductID    string `json:"product_id"`
	Quantity     int64  `json:"quantity"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	RefundAmount int64  `json:"refund_amount"`
	RequestedAt  string `json:"requested_at"`
	DecidedAt    string `json:"decided_at,omitempty"`
	PickupAt     string `json:"pickup_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	Notes        string `json:"notes,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

type eligibilityResponse struct {
	OrderID     string `json:"order_id"`
	Eligible    bool   `json:"eligible"`
	Reason      string `json:"reason,omitempty"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
}

func (h *ReturnHandlers) checkEligibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireReturnAccess(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	eligibility, err := h.returns.CheckEligibility(ctx, services.ReturnEligibilityCommand{
		OrderID: orderID,
		UserID:  identity.UID,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, eligibilityResponse{
		OrderID:     strings.TrimSpace(eligibility.OrderID),
		Eligible:    eligibility.Eligible,
		Reason:      strings.TrimSpace(eligibility.Reason),
		DeliveredAt: formatTime(pointerTime(eligibility.DeliveredAt)),
		Deadline:    formatTime(pointerTime(eligibility.Deadline)),
	})
}

func (h *ReturnHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireReturnAccess(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxReturnBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req requestReturnPayload
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.ProductID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id and product_id are required", http.StatusBadRequest))
		return
	}

	request, err := h.returns.Request(ctx, services.RequestReturnCommand{
		OrderID:   strings.TrimSpace(req.OrderID),
		UserID:    identity.UID,
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  req.Quantity,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, returnResponse{Return: buildReturnPayload(request)})
}

func (h *ReturnHandlers) cancelReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireReturnAccess(ctx, w)
	if !ok {
		return
	}

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	request, err := h.returns.CancelByCustomer(ctx, services.CancelReturnCommand{
		ReturnID: returnID,
		UserID:   identity.UID,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(request)})
}

func (h *ReturnHandlers) requireReturnAccess(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("return_service_unavailable", "return service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func buildReturnPayload(request services.ReturnRequest) returnPayload {
	return returnPayload{
		ID:           strings.TrimSpace(request.ID),
		OrderID:      strings.TrimSpace(request.OrderID),
		UserID:       strings.TrimSpace(request.UserID),
		ProductID:    strings.TrimSpace(request.ProductID),
		Quantity:     request.Quantity,
		Status:       string(request.Status),
		Reason:       strings.TrimSpace(request.Reason),
		RefundAmount: request.RefundAmount,
		RequestedAt:  formatTime(request.RequestedAt),
		DecidedAt:    formatTime(pointerTime(request.DecidedAt)),
		PickupAt:     formatTime(pointerTime(request.PickupAt)),
		CompletedAt:  formatTime(pointerTime(request.CompletedAt)),
		Notes:        strings.TrimSpace(request.Notes),
		UpdatedAt:    formatTime(request.UpdatedAt),
	}
}

func writeReturnError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrReturnInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReturnNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_eligible", "order is not eligible for return", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrReturnNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_found", "return request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReturnForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_found", "return request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReturnInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("return_invalid_state", "return request is not in a state allowing this operation", http.StatusConflict))
	case errors.Is(err, services.ErrReturnUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("return_service_unavailable", "return service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("return_error", "failed to process return request", http.StatusInternalServerError))
	}
}
