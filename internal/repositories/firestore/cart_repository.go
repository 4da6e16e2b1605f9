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

const cartsCollection = "carts"

// CartRepository stores each cart as a single document, items inline. One
// document per cart keeps reconciliation a single read and ReplaceItems a
// single conditional write.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection, nil, nil)
	return &CartRepository{base: base, provider: provider}, nil
}

// UpsertCart writes the whole cart document, replacing any previous copy.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	cartID := strings.TrimSpace(cart.ID)
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}
	if strings.TrimSpace(cart.UserID) == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc := encodeCartDocument(cart)
	result, err := r.base.Set(ctx, cartID, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	saved := cloneCart(cart)
	saved.ID = cartID
	saved.UpdatedAt = result.UpdateTime
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = doc.CreatedAt
	}
	return saved, nil
}

// GetCart loads a cart by its document ID.
func (r *CartRepository) GetCart(ctx context.Context, cartID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}
	doc, err := r.base.Get(ctx, cartID)
	if err != nil {
		return domain.Cart{}, err
	}
	return decodeCartDocument(doc), nil
}

// GetCartByUser finds the user's active cart. Each user holds at most one;
// when duplicates exist the most recently updated wins.
func (r *CartRepository) GetCartByUser(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", userID).
			OrderBy("updatedAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.Cart{}, err
	}
	if len(docs) == 0 {
		return domain.Cart{}, pfirestore.WrapError("carts.get_by_user", status.Error(codes.NotFound, "cart not found"))
	}
	return decodeCartDocument(docs[0]), nil
}

// ReplaceItems swaps the item list in one write. When expectedUpdatedAt is
// set, the write is guarded by the document's last update time so concurrent
// edits surface as a conflict instead of silently winning.
func (r *CartRepository) ReplaceItems(ctx context.Context, cartID string, items []domain.CartItem, expectedUpdatedAt *time.Time) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}

	encoded := make([]cartItemDocument, 0, len(items))
	for _, item := range items {
		encoded = append(encoded, encodeCartItem(item))
	}
	now := time.Now().UTC()
	updates := []firestore.Update{
		{Path: "items", Value: encoded},
		{Path: "updatedAt", Value: now},
	}

	var preconditions []firestore.Precondition
	if expectedUpdatedAt != nil && !expectedUpdatedAt.IsZero() {
		preconditions = append(preconditions, firestore.LastUpdateTime(expectedUpdatedAt.UTC()))
	}

	if _, err := r.base.Update(ctx, cartID, updates, preconditions...); err != nil {
		return domain.Cart{}, err
	}
	return r.GetCart(ctx, cartID)
}

// DeleteItem removes a single product line from the cart.
func (r *CartRepository) DeleteItem(ctx context.Context, cartID string, productID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return errors.New("cart repository: product id is required")
	}

	cart, err := r.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	kept := make([]domain.CartItem, 0, len(cart.Items))
	for _, item := range cart.Items {
		if item.Product.ProductID() == productID {
			continue
		}
		kept = append(kept, item)
	}
	if len(kept) == len(cart.Items) {
		return nil
	}
	_, err = r.ReplaceItems(ctx, cart.ID, kept, &cart.UpdatedAt)
	return err
}

// Delete removes the cart document entirely.
func (r *CartRepository) Delete(ctx context.Context, cartID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return errors.New("cart repository: cart id is required")
	}
	ref, err := r.base.DocumentRef(ctx, cartID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.delete", err)
	}
	return nil
}

type cartDocument struct {
	UserID     string             `firestore:"userId"`
	Currency   string             `firestore:"currency"`
	Items      []cartItemDocument `firestore:"items"`
	CouponCode string             `firestore:"couponCode,omitempty"`
	Metadata   map[string]any     `firestore:"metadata,omitempty"`
	CreatedAt  time.Time          `firestore:"createdAt"`
	UpdatedAt  time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID    string    `firestore:"productId"`
	Name         string    `firestore:"name,omitempty"`
	UnitPrice    int64     `firestore:"unitPrice"`
	Quantity     int64     `firestore:"quantity"`
	LineTotal    int64     `firestore:"lineTotal"`
	Image        string    `firestore:"image,omitempty"`
	PriceDrifted bool      `firestore:"priceDrifted,omitempty"`
	AddedAt      time.Time `firestore:"addedAt"`
}

func encodeCartDocument(cart domain.Cart) cartDocument {
	now := time.Now().UTC()
	createdAt := cart.CreatedAt.UTC()
	if cart.CreatedAt.IsZero() {
		createdAt = now
	}
	updatedAt := cart.UpdatedAt.UTC()
	if cart.UpdatedAt.IsZero() {
		updatedAt = now
	}
	items := make([]cartItemDocument, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, encodeCartItem(item))
	}
	return cartDocument{
		UserID:     strings.TrimSpace(cart.UserID),
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:      items,
		CouponCode: strings.TrimSpace(cart.CouponCode),
		Metadata:   cloneAnyMap(cart.Metadata),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
}

func encodeCartItem(item domain.CartItem) cartItemDocument {
	return cartItemDocument{
		ProductID:    item.Product.ProductID(),
		Name:         item.Name,
		UnitPrice:    item.UnitPrice,
		Quantity:     item.Quantity,
		LineTotal:    item.LineTotal,
		Image:        item.Image,
		PriceDrifted: item.PriceDrifted,
		AddedAt:      item.AddedAt,
	}
}

func decodeCartDocument(doc pfirestore.Document[cartDocument]) domain.Cart {
	items := make([]domain.CartItem, 0, len(doc.Data.Items))
	for _, item := range doc.Data.Items {
		items = append(items, domain.CartItem{
			Product:      domain.ProductRef{ID: item.ProductID},
			Name:         item.Name,
			UnitPrice:    item.UnitPrice,
			Quantity:     item.Quantity,
			LineTotal:    item.LineTotal,
			Image:        item.Image,
			PriceDrifted: item.PriceDrifted,
			AddedAt:      item.AddedAt,
		})
	}
	updatedAt := doc.Data.UpdatedAt
	if !doc.UpdateTime.IsZero() {
		updatedAt = doc.UpdateTime
	}
	return domain.Cart{
		ID:         doc.ID,
		UserID:     doc.Data.UserID,
		Currency:   strings.ToUpper(strings.TrimSpace(doc.Data.Currency)),
		Items:      items,
		CouponCode: doc.Data.CouponCode,
		Metadata:   cloneAnyMap(doc.Data.Metadata),
		CreatedAt:  doc.Data.CreatedAt,
		UpdatedAt:  updatedAt,
	}
}

func cloneCart(cart domain.Cart) domain.Cart {
	dup := cart
	if cart.Items != nil {
		dup.Items = make([]domain.CartItem, len(cart.Items))
		copy(dup.Items, cart.Items)
	}
	if cart.Metadata != nil {
		dup.Metadata = cloneAnyMap(cart.Metadata)
	}
	return dup
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

var _ repositories.CartRepository = (*CartRepository)(nil)
