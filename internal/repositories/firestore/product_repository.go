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

const productsCollection = "products"

// ProductRepository reads catalog entries from Firestore.
type ProductRepository struct {
	base     *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductRepository{base: base, provider: provider}, nil
}

// FindByID fetches a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProductDocument(doc.ID, doc.Data), nil
}

// FindByIDs resolves the whole set in one batched read. Missing products are
// simply absent from the result map.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		refs = append(refs, client.Collection(productsCollection).Doc(id))
	}
	snapshots, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.find_by_ids", err)
	}
	for _, snap := range snapshots {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("products.find_by_ids", err)
		}
		out[snap.Ref.ID] = decodeProductDocument(snap.Ref.ID, doc)
	}
	return out, nil
}

// List returns a filtered page of products ordered by most recent update.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	limit := filter.Pagination.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	fetchLimit := limit + 1

	startAfter, err := decodeCursorToken(filter.Pagination.Cursor)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if category := strings.TrimSpace(filter.CategoryID); category != "" {
			q = q.Where("categoryId", "==", category)
		}
		if seller := strings.TrimSpace(filter.SellerID); seller != "" {
			q = q.Where("sellerId", "==", seller)
		}
		if filter.OnlyActive {
			q = q.Where("active", "==", true)
		}
		q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}

	page := domain.CursorPage[domain.Product]{}
	if len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		page.NextCursor = encodeCursorToken(last.Data.UpdatedAt, last.ID)
		page.HasMore = true
		docs = docs[:len(docs)-1]
	}
	page.Items = make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		page.Items = append(page.Items, decodeProductDocument(doc.ID, doc.Data))
	}
	return page, nil
}

type productDocument struct {
	Name        string    `firestore:"name"`
	Slug        string    `firestore:"slug,omitempty"`
	Description string    `firestore:"description,omitempty"`
	Price       int64     `firestore:"price"`
	Currency    string    `firestore:"currency"`
	CategoryID  string    `firestore:"categoryId,omitempty"`
	SellerID    string    `firestore:"sellerId,omitempty"`
	Images      []string  `firestore:"images,omitempty"`
	Stock       int64     `firestore:"stock"`
	Active      bool      `firestore:"active"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func decodeProductDocument(id string, doc productDocument) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        doc.Name,
		Slug:        doc.Slug,
		Description: doc.Description,
		Price:       doc.Price,
		Currency:    strings.ToUpper(strings.TrimSpace(doc.Currency)),
		CategoryID:  doc.CategoryID,
		SellerID:    doc.SellerID,
		Images:      doc.Images,
		Stock:       doc.Stock,
		Active:      doc.Active,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
