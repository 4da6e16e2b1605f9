package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/repositories"
)

var (
	// ErrReturnInvalidInput signals malformed return arguments.
	ErrReturnInvalidInput = errors.New("return: invalid input")
	// ErrReturnNotFound indicates the return request does not exist.
	ErrReturnNotFound = errors.New("return: not found")
	// ErrReturnInvalidState indicates the requested transition is not legal.
	ErrReturnInvalidState = errors.New("return: invalid state")
	// ErrReturnNotEligible indicates the order cannot be returned.
	ErrReturnNotEligible = errors.New("return: not eligible")
	// ErrReturnForbidden indicates the return belongs to another user.
	ErrReturnForbidden = errors.New("return: forbidden")
	// ErrReturnUnavailable wraps transient persistence failures.
	ErrReturnUnavailable = errors.New("return: store unavailable")
)

// ReturnWindow is how long after delivery a return may be requested. The
// deadline day itself still counts.
const ReturnWindow = 15 * 24 * time.Hour

// returnStateTransitions walks a return from request through refund.
// Rejection is only possible before the pickup is scheduled; cancellation
// only while the request is still pending.
var returnStateTransitions = map[domain.ReturnStatus][]domain.ReturnStatus{
	domain.ReturnStatusPending:         {domain.ReturnStatusApproved, domain.ReturnStatusRejected, domain.ReturnStatusCancelled},
	domain.ReturnStatusApproved:        {domain.ReturnStatusPickupScheduled, domain.ReturnStatusRejected},
	domain.ReturnStatusPickupScheduled: {domain.ReturnStatusPickedUp},
	domain.ReturnStatusPickedUp:        {domain.ReturnStatusReceived},
	domain.ReturnStatusReceived:        {domain.ReturnStatusInspecting},
	domain.ReturnStatusInspecting:      {domain.ReturnStatusRefundInitiated},
	domain.ReturnStatusRefundInitiated: {domain.ReturnStatusCompleted},
	domain.ReturnStatusCompleted:       {},
	domain.ReturnStatusRejected:        {},
	domain.ReturnStatusCancelled:       {},
}

func canTransitionReturn(from, to domain.ReturnStatus) bool {
	for _, allowed := range returnStateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func isTerminalReturn(status domain.ReturnStatus) bool {
	return len(returnStateTransitions[status]) == 0
}

// ReturnServiceDeps bundles dependencies required to construct a ReturnService.
type ReturnServiceDeps struct {
	Returns     repositories.ReturnRepository
	Orders      repositories.OrderRepository
	Intents     repositories.PaymentIntentRepository
	Notifier    NotificationDispatcher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type returnService struct {
	returns  repositories.ReturnRepository
	orders   repositories.OrderRepository
	intents  repositories.PaymentIntentRepository
	notifier NotificationDispatcher
	clock    func() time.Time
	idgen    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewReturnService wires a ReturnService.
func NewReturnService(deps ReturnServiceDeps) (ReturnService, error) {
	if deps.Returns == nil {
		return nil, errors.New("return service: return repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("return service: order repository is required")
	}
	if deps.Intents == nil {
		return nil, errors.New("return service: intent repository is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("return service: notification dispatcher is required")
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
	return &returnService{
		returns:  deps.Returns,
		orders:   deps.Orders,
		intents:  deps.Intents,
		notifier: deps.Notifier,
		clock:    func() time.Time { return clock().UTC() },
		idgen:    idgen,
		logger:   logger,
	}, nil
}

var _ ReturnService = (*returnService)(nil)

// CheckEligibility answers whether the order can still be returned: it must
// be delivered and inside the return window.
func (s *returnService) CheckEligibility(ctx context.Context, cmd ReturnEligibilityCommand) (ReturnEligibility, error) {
	order, err := s.loadOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return ReturnEligibility{}, err
	}
	return s.eligibilityFor(order), nil
}

func (s *returnService) eligibilityFor(order Order) ReturnEligibility {
	result := ReturnEligibility{OrderID: order.ID}
	if order.Status != domain.OrderStatusDelivered {
		result.Reason = fmt.Sprintf("order is %s, only delivered orders can be returned", order.Status)
		return result
	}
	if order.DeliveredAt == nil {
		result.Reason = "delivery date is not recorded"
		return result
	}
	deadline := order.DeliveredAt.Add(ReturnWindow)
	result.DeliveredAt = order.DeliveredAt
	result.Deadline = &deadline
	if s.clock().After(deadline) {
		result.Reason = "return window has closed"
		return result
	}
	result.Eligible = true
	return result
}

// Request opens a return for one ordered product. The refund amount is frozen
// from the order line at request time.
func (s *returnService) Request(ctx context.Context, cmd RequestReturnCommand) (ReturnRequest, error) {
	if strings.TrimSpace(cmd.ProductID) == "" {
		return ReturnRequest{}, fmt.Errorf("%w: product id is required", ErrReturnInvalidInput)
	}
	if strings.TrimSpace(cmd.Reason) == "" {
		return ReturnRequest{}, fmt.Errorf("%w: a reason is required", ErrReturnInvalidInput)
	}

	order, err := s.loadOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return ReturnRequest{}, err
	}
	eligibility := s.eligibilityFor(order)
	if !eligibility.Eligible {
		return ReturnRequest{}, fmt.Errorf("%w: %s", ErrReturnNotEligible, eligibility.Reason)
	}

	line, ok := findOrderLine(order, cmd.ProductID)
	if !ok {
		return ReturnRequest{}, fmt.Errorf("%w: product %s is not part of order %s", ErrReturnInvalidInput, cmd.ProductID, order.ID)
	}
	quantity := cmd.Quantity
	if quantity == 0 {
		quantity = line.Quantity
	}
	if quantity < 1 || quantity > line.Quantity {
		return ReturnRequest{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrReturnInvalidInput, line.Quantity)
	}

	existing, err := s.returns.ListByOrder(ctx, order.ID)
	if err != nil {
		return ReturnRequest{}, translateReturnRepoError(err)
	}
	for _, req := range existing {
		if req.ProductID == cmd.ProductID && !isTerminalReturn(req.Status) {
			return ReturnRequest{}, fmt.Errorf("%w: an open return already exists for product %s", ErrReturnInvalidState, cmd.ProductID)
		}
	}

	now := s.clock()
	request := ReturnRequest{
		ID:           "ret_" + s.idgen(),
		OrderID:      order.ID,
		UserID:       order.UserID,
		ProductID:    cmd.ProductID,
		Quantity:     quantity,
		Status:       domain.ReturnStatusPending,
		Reason:       strings.TrimSpace(cmd.Reason),
		RefundAmount: line.UnitPrice * quantity,
		RequestedAt:  now,
		UpdatedAt:    now,
	}
	if err := s.returns.Insert(ctx, request); err != nil {
		return ReturnRequest{}, translateReturnRepoError(err)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "return.requested",
		UserID:     request.UserID,
		OrderID:    order.ID,
		ReturnID:   request.ID,
		OccurredAt: now,
	})
	return request, nil
}

// Approve accepts a pending return. RefundAmount, when given, may only lower
// the frozen default.
func (s *returnService) Approve(ctx context.Context, cmd DecideReturnCommand) (ReturnRequest, error) {
	request, err := s.loadReturn(ctx, cmd.ReturnID, "")
	if err != nil {
		return ReturnRequest{}, err
	}
	if request.Status != domain.ReturnStatusPending {
		return ReturnRequest{}, fmt.Errorf("%w: only pending returns can be approved, got %s", ErrReturnInvalidState, request.Status)
	}
	if cmd.RefundAmount != nil {
		if *cmd.RefundAmount < 0 || *cmd.RefundAmount > request.RefundAmount {
			return ReturnRequest{}, fmt.Errorf("%w: refund amount must be between 0 and %d", ErrReturnInvalidInput, request.RefundAmount)
		}
		request.RefundAmount = *cmd.RefundAmount
	}

	now := s.clock()
	request.Status = domain.ReturnStatusApproved
	request.DecidedAt = &now
	request.Notes = strings.TrimSpace(cmd.Notes)
	request.UpdatedAt = now
	if err := s.returns.Update(ctx, request); err != nil {
		return ReturnRequest{}, translateReturnRepoError(err)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "return.approved",
		UserID:     request.UserID,
		OrderID:    request.OrderID,
		ReturnID:   request.ID,
		OccurredAt: now,
	})
	return request, nil
}

// Reject declines a return. Allowed while pending or approved but not once a
// pickup is scheduled.
func (s *returnService) Reject(ctx context.Context, cmd DecideReturnCommand) (ReturnRequest, error) {
	request, err := s.loadReturn(ctx, cmd.ReturnID, "")
	if err != nil {
		return ReturnRequest{}, err
	}
	if !canTransitionReturn(request.Status, domain.ReturnStatusRejected) {
		return ReturnRequest{}, fmt.Errorf("%w: cannot reject a return in status %s", ErrReturnInvalidState, request.Status)
	}

	now := s.clock()
	request.Status = domain.ReturnStatusRejected
	request.DecidedAt = &now
	request.Notes = strings.TrimSpace(cmd.Notes)
	request.UpdatedAt = now
	if err := s.returns.Update(ctx, request); err != nil {
		return ReturnRequest{}, translateReturnRepoError(err)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "return.rejected",
		UserID:     request.UserID,
		OrderID:    request.OrderID,
		ReturnID:   request.ID,
		OccurredAt: now,
	})
	return request, nil
}

// SchedulePickup books the reverse-logistics slot for an approved return.
func (s *returnService) SchedulePickup(ctx context.Context, cmd SchedulePickupCommand) (ReturnRequest, error) {
	if cmd.PickupAt.IsZero() {
		return ReturnRequest{}, fmt.Errorf("%w: pickup time is required", ErrReturnInvalidInput)
	}
	request, err := s.loadReturn(ctx, cmd.ReturnID, "")
	if err != nil {
		return ReturnRequest{}, err
	}
	if !canTransitionReturn(request.Status, domain.ReturnStatusPickupScheduled) {
		return ReturnRequest{}, fmt.Errorf("%w: cannot schedule pickup for a return in status %s", ErrReturnInvalidState, request.Status)
	}

	now := s.clock()
	pickupAt := cmd.PickupAt.UTC()
	request.Status = domain.ReturnStatusPickupScheduled
	request.PickupAt = &pickupAt
	request.UpdatedAt = now
	if err := s.returns.Update(ctx, request); err != nil {
		return ReturnRequest{}, translateReturnRepoError(err)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "return.pickup_scheduled",
		UserID:     request.UserID,
		OrderID:    request.OrderID,
		ReturnID:   request.ID,
		OccurredAt: now,
		Payload:    map[string]any{"pickup_at": pickupAt},
	})
	return request, nil
}

// Advance moves a return one operational step: picked up, received,
// inspecting, refund initiated, or completed. Initiating the refund schedules
// the gateway job; completion marks the order returned.
func (s *returnService) Advance(ctx context.Context, cmd AdvanceReturnCommand) (ReturnRequest, error) {
	if cmd.TargetStatus == "" {
		return ReturnRequest{}, fmt.Errorf("%w: target status is required", ErrReturnInvalidInput)
	}
	switch cmd.TargetStatus {
	case domain.ReturnStatusPickedUp, domain.ReturnStatusReceived, domain.ReturnStatusInspecting,
		domain.ReturnStatusRefundInitiated, domain.ReturnStatusCompleted:
	default:
		return ReturnRequest{}, fmt.Errorf("%w: %s is not an operational step", ErrReturnInvalidInput, cmd.TargetStatus)
	}

	request, err := s.loadReturn(ctx, cmd.ReturnID, "")
	if err != nil {
		return ReturnRequest{}, err
	}
	if !canTransitionReturn(request.Status, cmd.TargetStatus) {
		return ReturnRequest{}, fmt.Errorf("%w: cannot move return from %s to %s", ErrReturnInvalidState, request.Status, cmd.TargetStatus)
	}

	now := s.clock()
	request.Status = cmd.TargetStatus
	request.UpdatedAt = now
	if notes := strings.TrimSpace(cmd.Notes); notes != "" {
		request.Notes = notes
	}
	if cmd.TargetStatus == domain.ReturnStatusCompleted {
		request.CompletedAt = &now
	}
	if err := s.returns.Update(ctx, request); err != nil {
		return ReturnRequest{}, translateReturnRepoError(err)
	}

	switch cmd.TargetStatus {
	case domain.ReturnStatusRefundInitiated:
		s.scheduleReturnRefund(ctx, request)
	case domain.ReturnStatusCompleted:
		s.markOrderReturned(ctx, request)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "return." + string(cmd.TargetStatus),
		UserID:     request.UserID,
		OrderID:    request.OrderID,
		ReturnID:   request.ID,
		OccurredAt: now,
	})
	return request, nil
}

// CancelByCustomer withdraws a return that has not been decided yet.
func (s *returnService) CancelByCustomer(ctx context.Context, cmd CancelReturnCommand) (ReturnRequest, error) {
	request, err := s.loadReturn(ctx, cmd.ReturnID, cmd.UserID)
	if err != nil {
		return ReturnRequest{}, err
	}
	if request.Status != domain.ReturnStatusPending {
		return ReturnRequest{}, fmt.Errorf("%w: only pending returns can be withdrawn, got %s", ErrReturnInvalidState, request.Status)
	}

	now := s.clock()
	request.Status = domain.ReturnStatusCancelled
	request.UpdatedAt = now
	if err := s.returns.Update(ctx, request); err != nil {
		return ReturnRequest{}, translateReturnRepoError(err)
	}

	s.notifier.Dispatch(ctx, NotificationEvent{
		Event:      "return.cancelled",
		UserID:     request.UserID,
		OrderID:    request.OrderID,
		ReturnID:   request.ID,
		OccurredAt: now,
	})
	return request, nil
}

// scheduleReturnRefund queues the refund job. Scheduling is best effort and
// retried by the refund worker sweep on failure.
func (s *returnService) scheduleReturnRefund(ctx context.Context, request ReturnRequest) {
	job := RefundJob{
		OrderID:  request.OrderID,
		ReturnID: request.ID,
		Amount:   request.RefundAmount,
		Reason:   "return accepted",
		Currency: defaultCurrency,
	}
	if order, err := s.orders.FindByID(ctx, request.OrderID); err == nil {
		if intent, err := s.intents.FindByID(ctx, order.IntentID); err == nil {
			job.Currency = intent.Currency
			job.GatewayPaymentID = intent.GatewayPaymentID
			job.Provider = intent.Provider
		}
	}
	if err := s.notifier.ScheduleRefund(ctx, job); err != nil {
		s.logger(ctx, "return.refund_schedule_failed", map[string]any{
			"return_id": request.ID,
			"order_id":  request.OrderID,
			"amount":    job.Amount,
			"error":     err.Error(),
		})
	}
}

// markOrderReturned flips the parent order once the refund has landed.
func (s *returnService) markOrderReturned(ctx context.Context, request ReturnRequest) {
	order, err := s.orders.FindByID(ctx, request.OrderID)
	if err != nil {
		s.logger(ctx, "return.order_lookup_failed", map[string]any{
			"return_id": request.ID,
			"order_id":  request.OrderID,
			"error":     err.Error(),
		})
		return
	}
	if !canTransitionOrder(order.Status, domain.OrderStatusReturned) {
		s.logger(ctx, "return.order_not_returnable", map[string]any{
			"return_id":    request.ID,
			"order_id":     order.ID,
			"order_status": string(order.Status),
		})
		return
	}
	now := s.clock()
	order.Status = domain.OrderStatusReturned
	order.ReturnID = request.ID
	if order.PaymentStatus == domain.PaymentStatusRefundPending || order.PaymentStatus == domain.PaymentStatusPaid {
		order.PaymentStatus = domain.PaymentStatusRefunded
	}
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "return.order_update_failed", map[string]any{
			"return_id": request.ID,
			"order_id":  order.ID,
			"error":     err.Error(),
		})
	}
}

func (s *returnService) loadOrder(ctx context.Context, orderID, userID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrReturnInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, translateReturnRepoError(err)
	}
	if userID != "" && order.UserID != userID {
		return Order{}, fmt.Errorf("%w: order %s", ErrReturnForbidden, orderID)
	}
	return order, nil
}

func (s *returnService) loadReturn(ctx context.Context, returnID, userID string) (ReturnRequest, error) {
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}
	request, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, translateReturnRepoError(err)
	}
	if userID != "" && request.UserID != userID {
		return ReturnRequest{}, fmt.Errorf("%w: return %s", ErrReturnForbidden, returnID)
	}
	return request, nil
}

func findOrderLine(order Order, productID string) (OrderLineItem, bool) {
	for _, line := range order.Items {
		if line.ProductID == productID {
			return line, true
		}
	}
	return OrderLineItem{}, false
}

func translateReturnRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrReturnNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrReturnUnavailable, err)
		}
	}
	return err
}
