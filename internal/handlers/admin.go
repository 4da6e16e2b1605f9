package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/platform/auth"
	"github.com/craftbazaar/api/internal/platform/httpx"
	"github.com/craftbazaar/api/internal/services"
)

const maxAdminBodySize = 8 * 1024

var validReturnStatuses = map[domain.ReturnStatus]struct{}{
	domain.ReturnStatusPickedUp:        {},
	domain.ReturnStatusReceived:        {},
	domain.ReturnStatusInspecting:      {},
	domain.ReturnStatusRefundInitiated: {},
	domain.ReturnStatusCompleted:       {},
}

// AdminHandlers exposes staff-only order and return management endpoints.
type AdminHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	returns services.ReturnService
}

// NewAdminHandlers constructs the admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, returns services.ReturnService) *AdminHandlers {
	return &AdminHandlers{
		authn:   authn,
		orders:  orders,
		returns: returns,
	}
}

// Routes registers the /admin endpoints. Access requires a staff or admin role.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Post("/orders/{orderID}/status", h.transitionOrder)
	r.Post("/returns/{returnID}/approve", h.approveReturn)
	r.Post("/returns/{returnID}/reject", h.rejectReturn)
	r.Post("/returns/{returnID}/pickup", h.schedulePickup)
	r.Post("/returns/{returnID}/advance", h.advanceReturn)
}

type transitionOrderRequest struct {
	TargetStatus   string         `json:"target_status"`
	ExpectedStatus string         `json:"expected_status"`
	Metadata       map[string]any `json:"metadata"`
}

type decideReturnRequest struct {
	Notes        string `json:"notes"`
	RefundAmount *int64 `json:"refund_amount"`
}

type schedulePickupRequest struct {
	PickupAt string `json:"pickup_at"`
	Notes    string `json:"notes"`
}

type advanceReturnRequest struct {
	TargetStatus string `json:"target_status"`
	Notes        string `json:"notes"`
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireAdminAccess(ctx, w, h.orders != nil, "order")
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req transitionOrderRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	target, valid := parseOrderStatus(req.TargetStatus)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target_status must be a valid order status", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		ActorID:      strings.TrimSpace(identity.UID),
		TargetStatus: target,
		Metadata:     cloneMap(req.Metadata),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = expected
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) approveReturn(w http.ResponseWriter, r *http.Request) {
	h.decideReturn(w, r, func(ctx context.Context, cmd services.DecideReturnCommand) (services.ReturnRequest, error) {
		return h.returns.Approve(ctx, cmd)
	})
}

func (h *AdminHandlers) rejectReturn(w http.ResponseWriter, r *http.Request) {
	h.decideReturn(w, r, func(ctx context.Context, cmd services.DecideReturnCommand) (services.ReturnRequest, error) {
		return h.returns.Reject(ctx, cmd)
	})
}

func (h *AdminHandlers) decideReturn(w http.ResponseWriter, r *http.Request, decide func(context.Context, services.DecideReturnCommand) (services.ReturnRequest, error)) {
	ctx := r.Context()
	identity, ok := h.requireAdminAccess(ctx, w, h.returns != nil, "return")
	if !ok {
		return
	}

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	var req decideReturnRequest
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	request, err := decide(ctx, services.DecideReturnCommand{
		ReturnID:     returnID,
		ActorID:      strings.TrimSpace(identity.UID),
		Notes:        strings.TrimSpace(req.Notes),
		RefundAmount: req.RefundAmount,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(request)})
}

func (h *AdminHandlers) schedulePickup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireAdminAccess(ctx, w, h.returns != nil, "return")
	if !ok {
		return
	}

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	var req schedulePickupRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	pickupAt, err := parseRFC3339(strings.TrimSpace(req.PickupAt))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pickup_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
		return
	}

	request, err := h.returns.SchedulePickup(ctx, services.SchedulePickupCommand{
		ReturnID: returnID,
		ActorID:  strings.TrimSpace(identity.UID),
		PickupAt: pickupAt,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(request)})
}

func (h *AdminHandlers) advanceReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireAdminAccess(ctx, w, h.returns != nil, "return")
	if !ok {
		return
	}

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	var req advanceReturnRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	target := domain.ReturnStatus(strings.TrimSpace(strings.ToLower(req.TargetStatus)))
	if _, ok := validReturnStatuses[target]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target_status must be an operational return status", http.StatusBadRequest))
		return
	}

	request, err := h.returns.Advance(ctx, services.AdvanceReturnCommand{
		ReturnID:     returnID,
		ActorID:      strings.TrimSpace(identity.UID),
		TargetStatus: target,
		Notes:        strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(request)})
}

func (h *AdminHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func (h *AdminHandlers) requireAdminAccess(ctx context.Context, w http.ResponseWriter, available bool, name string) (*auth.Identity, bool) {
	if !available {
		httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	if !identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "staff role required", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}
