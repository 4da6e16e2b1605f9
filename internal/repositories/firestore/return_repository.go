package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/craftbazaar/api/internal/domain"
	pfirestore "github.com/craftbazaar/api/internal/platform/firestore"
	"github.com/craftbazaar/api/internal/repositories"
)

const returnsCollection = "returns"

// ReturnRepository persists return requests.
type ReturnRepository struct {
	base *pfirestore.BaseRepository[returnDocument]
}

// NewReturnRepository constructs a Firestore-backed return repository.
func NewReturnRepository(provider *pfirestore.Provider) (*ReturnRepository, error) {
	if provider == nil {
		return nil, errors.New("return repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[returnDocument](provider, returnsCollection, nil, nil)
	return &ReturnRepository{base: base}, nil
}

// Insert creates the return document. A duplicate ID surfaces as a conflict.
func (r *ReturnRepository) Insert(ctx context.Context, request domain.ReturnRequest) error {
	if r == nil || r.base == nil {
		return errors.New("return repository not initialised")
	}
	returnID := strings.TrimSpace(request.ID)
	if returnID == "" {
		return errors.New("return repository: return id is required")
	}
	ref, err := r.base.DocumentRef(ctx, returnID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeReturnDocument(request)); err != nil {
		return pfirestore.WrapError("returns.insert", err)
	}
	return nil
}

// Update replaces the stored return request.
func (r *ReturnRepository) Update(ctx context.Context, request domain.ReturnRequest) error {
	if r == nil || r.base == nil {
		return errors.New("return repository not initialised")
	}
	returnID := strings.TrimSpace(request.ID)
	if returnID == "" {
		return errors.New("return repository: return id is required")
	}
	_, err := r.base.Set(ctx, returnID, encodeReturnDocument(request))
	return err
}

// FindByID fetches a single return request.
func (r *ReturnRepository) FindByID(ctx context.Context, returnID string) (domain.ReturnRequest, error) {
	if r == nil || r.base == nil {
		return domain.ReturnRequest{}, errors.New("return repository not initialised")
	}
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return domain.ReturnRequest{}, errors.New("return repository: return id is required")
	}
	doc, err := r.base.Get(ctx, returnID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	return decodeReturnDocument(doc), nil
}

// ListByOrder returns every return raised against an order. Orders carry few
// returns, so this is unpaged.
func (r *ReturnRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.ReturnRequest, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("return repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("return repository: order id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("requestedAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.ReturnRequest, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeReturnDocument(doc))
	}
	return out, nil
}

// List returns a filtered page of return requests, most recent first.
func (r *ReturnRepository) List(ctx context.Context, filter repositories.ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.ReturnRequest]{}, errors.New("return repository not initialised")
	}

	limit := filter.Pagination.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	fetchLimit := limit + 1

	startAfter, err := decodeCursorToken(filter.Pagination.Cursor)
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, err
	}
	statuses := normaliseStatusFilter(filter.Status)
	if len(statuses) > statusFilterLimit {
		statuses = statuses[:statusFilterLimit]
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID := strings.TrimSpace(filter.UserID); userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(statuses) == 1 {
			q = q.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("requestedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, err
	}

	page := domain.CursorPage[domain.ReturnRequest]{}
	if len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		page.NextCursor = encodeCursorToken(last.Data.RequestedAt, last.ID)
		page.HasMore = true
		docs = docs[:len(docs)-1]
	}
	page.Items = make([]domain.ReturnRequest, 0, len(docs))
	for _, doc := range docs {
		page.Items = append(page.Items, decodeReturnDocument(doc))
	}
	return page, nil
}

type returnDocument struct {
	OrderID      string     `firestore:"orderId"`
	UserID       string     `firestore:"userId"`
	ProductID    string     `firestore:"productId"`
	Quantity     int64      `firestore:"quantity"`
	Status       string     `firestore:"status"`
	Reason       string     `firestore:"reason"`
	RefundAmount int64      `firestore:"refundAmount"`
	RequestedAt  time.Time  `firestore:"requestedAt"`
	DecidedAt    *time.Time `firestore:"decidedAt,omitempty"`
	PickupAt     *time.Time `firestore:"pickupAt,omitempty"`
	CompletedAt  *time.Time `firestore:"completedAt,omitempty"`
	Notes        string     `firestore:"notes,omitempty"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
}

func encodeReturnDocument(request domain.ReturnRequest) returnDocument {
	return returnDocument{
		OrderID:      request.OrderID,
		UserID:       request.UserID,
		ProductID:    request.ProductID,
		Quantity:     request.Quantity,
		Status:       string(request.Status),
		Reason:       request.Reason,
		RefundAmount: request.RefundAmount,
		RequestedAt:  request.RequestedAt.UTC(),
		DecidedAt:    request.DecidedAt,
		PickupAt:     request.PickupAt,
		CompletedAt:  request.CompletedAt,
		Notes:        request.Notes,
		UpdatedAt:    time.Now().UTC(),
	}
}

func decodeReturnDocument(doc pfirestore.Document[returnDocument]) domain.ReturnRequest {
	updatedAt := doc.Data.UpdatedAt
	if !doc.UpdateTime.IsZero() {
		updatedAt = doc.UpdateTime
	}
	return domain.ReturnRequest{
		ID:           doc.ID,
		OrderID:      doc.Data.OrderID,
		UserID:       doc.Data.UserID,
		ProductID:    doc.Data.ProductID,
		Quantity:     doc.Data.Quantity,
		Status:       domain.ReturnStatus(doc.Data.Status),
		Reason:       doc.Data.Reason,
		RefundAmount: doc.Data.RefundAmount,
		RequestedAt:  doc.Data.RequestedAt,
		DecidedAt:    doc.Data.DecidedAt,
		PickupAt:     doc.Data.PickupAt,
		CompletedAt:  doc.Data.CompletedAt,
		Notes:        doc.Data.Notes,
		UpdatedAt:    updatedAt,
	}
}

var _ repositories.ReturnRepository = (*ReturnRepository)(nil)
