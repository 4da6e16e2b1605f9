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

const couponsCollection = "coupons"

// CouponRepository reads coupon definitions. Codes are stored normalised to
// upper case so lookups are a single equality query.
type CouponRepository struct {
	base *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil, nil)
	return &CouponRepository{base: base}, nil
}

// FindByCode looks a coupon up by its normalised code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Coupon{}, errors.New("coupon repository: code is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	if len(docs) == 0 {
		return domain.Coupon{}, pfirestore.WrapError("coupons.find_by_code", status.Error(codes.NotFound, "coupon not found"))
	}
	return decodeCouponDocument(docs[0]), nil
}

// List returns a page of coupons, newest first.
func (r *CouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Coupon]{}, errors.New("coupon repository not initialised")
	}

	limit := filter.Pagination.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	fetchLimit := limit + 1

	startAfter, err := decodeCursorToken(filter.Pagination.Cursor)
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.OnlyActive {
			q = q.Where("active", "==", true)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}

	page := domain.CursorPage[domain.Coupon]{}
	if len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		page.NextCursor = encodeCursorToken(last.Data.CreatedAt, last.ID)
		page.HasMore = true
		docs = docs[:len(docs)-1]
	}
	page.Items = make([]domain.Coupon, 0, len(docs))
	for _, doc := range docs {
		page.Items = append(page.Items, decodeCouponDocument(doc))
	}
	return page, nil
}

type couponDocument struct {
	Code        string     `firestore:"code"`
	Type        string     `firestore:"type"`
	Value       int64      `firestore:"value"`
	MaxDiscount int64      `firestore:"maxDiscount,omitempty"`
	MinPurchase int64      `firestore:"minPurchase,omitempty"`
	ProductIDs  []string   `firestore:"productIds,omitempty"`
	Active      bool       `firestore:"active"`
	ActiveFrom  *time.Time `firestore:"activeFrom,omitempty"`
	ExpiresAt   *time.Time `firestore:"expiresAt,omitempty"`
	UsageLimit  int64      `firestore:"usageLimit,omitempty"`
	UsedCount   int64      `firestore:"usedCount"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

func decodeCouponDocument(doc pfirestore.Document[couponDocument]) domain.Coupon {
	return domain.Coupon{
		ID:          doc.ID,
		Code:        strings.ToUpper(strings.TrimSpace(doc.Data.Code)),
		Type:        domain.CouponType(doc.Data.Type),
		Value:       doc.Data.Value,
		MaxDiscount: doc.Data.MaxDiscount,
		MinPurchase: doc.Data.MinPurchase,
		ProductIDs:  doc.Data.ProductIDs,
		Active:      doc.Data.Active,
		ActiveFrom:  doc.Data.ActiveFrom,
		ExpiresAt:   doc.Data.ExpiresAt,
		UsageLimit:  doc.Data.UsageLimit,
		UsedCount:   doc.Data.UsedCount,
		CreatedAt:   doc.Data.CreatedAt,
		UpdatedAt:   doc.Data.UpdatedAt,
	}
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
