package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/craftbazaar/api/internal/domain"
	pfirestore "github.com/craftbazaar/api/internal/platform/firestore"
	"github.com/craftbazaar/api/internal/repositories"
)

const ordersCollection = "orders"

// statusFilterLimit caps "in" clauses, which Firestore restricts to 10 values.
const statusFilterLimit = 10

// OrderRepository persists orders as single documents with frozen line items.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{base: base}, nil
}

// Insert creates the order document. A duplicate ID surfaces as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the stored order.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Set(ctx, orderID, encodeOrderDocument(order))
	return err
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(doc), nil
}

// FindByIntentID resolves the order created from a payment intent, used for
// idempotent order creation.
func (r *OrderRepository) FindByIntentID(ctx context.Context, intentID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.Order{}, errors.New("order repository: intent id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("intentId", "==", intentID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.find_by_intent", status.Error(codes.NotFound, "order not found"))
	}
	return decodeOrderDocument(docs[0]), nil
}

// List returns a filtered page of orders, most recent first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	fetchLimit := limit + 1

	startAfter, err := decodeCursorToken(filter.Pagination.Cursor)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
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
		if filter.DateRange.From != nil {
			q = q.Where("placedAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("placedAt", "<=", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("placedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	if len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		page.NextCursor = encodeCursorToken(last.Data.PlacedAt, last.ID)
		page.HasMore = true
		docs = docs[:len(docs)-1]
	}
	page.Items = make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		page.Items = append(page.Items, decodeOrderDocument(doc))
	}
	return page, nil
}

func normaliseStatusFilter(statuses []string) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	seen := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

type orderDocument struct {
	Number        string              `firestore:"number"`
	UserID        string              `firestore:"userId"`
	Status        string              `firestore:"status"`
	PaymentStatus string              `firestore:"paymentStatus"`
	PaymentMethod string              `firestore:"paymentMethod"`
	IntentID      string              `firestore:"intentId,omitempty"`
	Items         []orderItemDocument `firestore:"items"`
	Totals        orderTotalsDocument `firestore:"totals"`
	Shipping      addressDocument     `firestore:"shippingAddress"`
	CouponCode    string              `firestore:"couponCode,omitempty"`

	PlacedAt         time.Time  `firestore:"placedAt"`
	ConfirmedAt      *time.Time `firestore:"confirmedAt,omitempty"`
	ShippedAt        *time.Time `firestore:"shippedAt,omitempty"`
	OutForDeliveryAt *time.Time `firestore:"outForDeliveryAt,omitempty"`
	DeliveredAt      *time.Time `firestore:"deliveredAt,omitempty"`
	CancelledAt      *time.Time `firestore:"cancelledAt,omitempty"`
	CancelReason     string     `firestore:"cancelReason,omitempty"`

	ReturnID  string         `firestore:"returnId,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
	UpdatedAt time.Time      `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name,omitempty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int64  `firestore:"quantity"`
	LineTotal int64  `firestore:"lineTotal"`
	Tax       int64  `firestore:"tax"`
	Image     string `firestore:"image,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type addressDocument struct {
	Name       string `firestore:"name,omitempty"`
	Line1      string `firestore:"line1,omitempty"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city,omitempty"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
}

func addressDocumentFrom(addr domain.Address) addressDocument {
	return addressDocument{
		Name:       addr.Name,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		Name:       d.Name,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

func encodeOrderDocument(order domain.Order) orderDocument {
	now := time.Now().UTC()
	createdAt := order.CreatedAt.UTC()
	if order.CreatedAt.IsZero() {
		createdAt = now
	}
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			LineTotal: item.LineTotal,
			Tax:       item.Tax,
			Image:     item.Image,
		})
	}
	return orderDocument{
		Number:        order.Number,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: string(order.PaymentMethod),
		IntentID:      order.IntentID,
		Items:         items,
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Shipping: addressDocument{
			Name:       order.ShippingAddress.Name,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
			Phone:      order.ShippingAddress.Phone,
		},
		CouponCode:       order.CouponCode,
		PlacedAt:         order.PlacedAt.UTC(),
		ConfirmedAt:      order.ConfirmedAt,
		ShippedAt:        order.ShippedAt,
		OutForDeliveryAt: order.OutForDeliveryAt,
		DeliveredAt:      order.DeliveredAt,
		CancelledAt:      order.CancelledAt,
		CancelReason:     order.CancelReason,
		ReturnID:         order.ReturnID,
		Metadata:         cloneAnyMap(order.Metadata),
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	}
}

func decodeOrderDocument(doc pfirestore.Document[orderDocument]) domain.Order {
	items := make([]domain.OrderLineItem, 0, len(doc.Data.Items))
	for _, item := range doc.Data.Items {
		items = append(items, domain.OrderLineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			LineTotal: item.LineTotal,
			Tax:       item.Tax,
			Image:     item.Image,
		})
	}
	updatedAt := doc.Data.UpdatedAt
	if !doc.UpdateTime.IsZero() {
		updatedAt = doc.UpdateTime
	}
	return domain.Order{
		ID:            doc.ID,
		Number:        doc.Data.Number,
		UserID:        doc.Data.UserID,
		Status:        domain.OrderStatus(doc.Data.Status),
		PaymentStatus: domain.PaymentStatus(doc.Data.PaymentStatus),
		PaymentMethod: domain.PaymentMethod(doc.Data.PaymentMethod),
		IntentID:      doc.Data.IntentID,
		Items:         items,
		Totals: domain.OrderTotals{
			Subtotal: doc.Data.Totals.Subtotal,
			Discount: doc.Data.Totals.Discount,
			Shipping: doc.Data.Totals.Shipping,
			Tax:      doc.Data.Totals.Tax,
			Total:    doc.Data.Totals.Total,
		},
		ShippingAddress: domain.Address{
			Name:       doc.Data.Shipping.Name,
			Line1:      doc.Data.Shipping.Line1,
			Line2:      doc.Data.Shipping.Line2,
			City:       doc.Data.Shipping.City,
			State:      doc.Data.Shipping.State,
			PostalCode: doc.Data.Shipping.PostalCode,
			Country:    doc.Data.Shipping.Country,
			Phone:      doc.Data.Shipping.Phone,
		},
		CouponCode:       doc.Data.CouponCode,
		PlacedAt:         doc.Data.PlacedAt,
		ConfirmedAt:      doc.Data.ConfirmedAt,
		ShippedAt:        doc.Data.ShippedAt,
		OutForDeliveryAt: doc.Data.OutForDeliveryAt,
		DeliveredAt:      doc.Data.DeliveredAt,
		CancelledAt:      doc.Data.CancelledAt,
		CancelReason:     doc.Data.CancelReason,
		ReturnID:         doc.Data.ReturnID,
		Metadata:         cloneAnyMap(doc.Data.Metadata),
		CreatedAt:        doc.Data.CreatedAt,
		UpdatedAt:        updatedAt,
	}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
