package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/repositories"
)

var (
	// ErrCartInvalidInput signals malformed arguments such as missing user IDs or zero quantities.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartNotFound indicates the requested cart does not exist.
	ErrCartNotFound = errors.New("cart: not found")
	// ErrCartConflict indicates a concurrent update collided with the caller's expectation.
	ErrCartConflict = errors.New("cart: conflict")
	// ErrCartUnavailable indicates the cart store could not be reached.
	ErrCartUnavailable = errors.New("cart: store unavailable")
	// ErrCartProductNotFound indicates the referenced product does not exist in the catalog.
	ErrCartProductNotFound = errors.New("cart: product not found")
)

const (
	// maxLineQuantity bounds a single cart line, including buy-now purchases.
	maxLineQuantity int64 = 10
)

// CartServiceDeps bundles dependencies required to construct a CartService.
type CartServiceDeps struct {
	Carts       repositories.CartRepository
	Products    repositories.ProductRepository
	Coupons     CouponService
	MaxLineQty  int64
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type cartService struct {
	carts      repositories.CartRepository
	products   repositories.ProductRepository
	coupons    CouponService
	maxLineQty int64
	clock      func() time.Time
	idgen      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewCartService wires a CartService backed by the provided repositories.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("cart service: coupon service is required")
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
	maxQty := deps.MaxLineQty
	if maxQty <= 0 {
		maxQty = maxLineQuantity
	}
	return &cartService{
		carts:      deps.Carts,
		products:   deps.Products,
		coupons:    deps.Coupons,
		maxLineQty: maxQty,
		clock:      func() time.Time { return clock().UTC() },
		idgen:      idgen,
		logger:     logger,
	}, nil
}

var _ CartService = (*cartService)(nil)

func (s *cartService) GetOrCreateCart(ctx context.Context, userID string) (Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCartByUser(ctx, userID)
	if err == nil {
		return cart, nil
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		return Cart{}, translateCartRepoError(err)
	}

	now := s.clock()
	created, err := s.carts.UpsertCart(ctx, Cart{
		ID:        "crt_" + s.idgen(),
		UserID:    userID,
		Currency:  defaultCurrency,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}
	return created, nil
}

func (s *cartService) AddOrUpdateItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if cmd.Product.IsZero() {
		return Cart{}, fmt.Errorf("%w: product reference is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 || cmd.Quantity > s.maxLineQty {
		return Cart{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, s.maxLineQty)
	}

	product, err := s.resolveProduct(ctx, cmd.Product)
	if err != nil {
		return Cart{}, err
	}

	cart, err := s.GetOrCreateCart(ctx, cmd.UserID)
	if err != nil {
		return Cart{}, err
	}

	now := s.clock()
	items := cloneCartItems(cart.Items)
	if idx := indexOfCartItem(items, product.ID); idx >= 0 {
		items[idx].Quantity = cmd.Quantity
		items[idx].UnitPrice = product.Price
		items[idx].Name = product.Name
		items[idx].LineTotal = product.Price * cmd.Quantity
		items[idx].PriceDrifted = false
	} else {
		items = append(items, CartItem{
			Product:   domain.ProductRef{ID: product.ID},
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  cmd.Quantity,
			LineTotal: product.Price * cmd.Quantity,
			Image:     firstImage(product),
			AddedAt:   now,
		})
	}

	updated, err := s.carts.ReplaceItems(ctx, cart.ID, items, cmd.ExpectedUpdatedAt)
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}
	return updated, nil
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	if strings.TrimSpace(cmd.UserID) == "" || strings.TrimSpace(cmd.ProductID) == "" {
		return Cart{}, fmt.Errorf("%w: user id and product id are required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCartByUser(ctx, cmd.UserID)
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}

	items := cloneCartItems(cart.Items)
	idx := indexOfCartItem(items, cmd.ProductID)
	if idx < 0 {
		return cart, nil
	}
	items = append(items[:idx], items[idx+1:]...)

	updated, err := s.carts.ReplaceItems(ctx, cart.ID, items, nil)
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}
	return updated, nil
}

func (s *cartService) ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (Cart, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	code := NormalizeCouponCode(cmd.Code)
	if code == "" {
		return Cart{}, fmt.Errorf("%w: coupon code is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCartByUser(ctx, cmd.UserID)
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}
	if len(cart.Items) == 0 {
		return Cart{}, fmt.Errorf("%w: cannot apply a coupon to an empty cart", ErrCartInvalidInput)
	}

	subtotal, productIDs := cartSubtotal(cart)
	if _, err := s.coupons.Validate(ctx, ValidateCouponCommand{
		UserID:     cmd.UserID,
		Code:       code,
		Subtotal:   subtotal,
		ProductIDs: productIDs,
	}); err != nil {
		return Cart{}, err
	}

	cart.CouponCode = code
	cart.UpdatedAt = s.clock()
	updated, err := s.carts.UpsertCart(ctx, cart)
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}
	return updated, nil
}

func (s *cartService) RemoveCoupon(ctx context.Context, userID string) (Cart, error) {
	if strings.TrimSpace(userID) == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCartByUser(ctx, userID)
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}
	if cart.CouponCode == "" {
		return cart, nil
	}

	cart.CouponCode = ""
	cart.UpdatedAt = s.clock()
	updated, err := s.carts.UpsertCart(ctx, cart)
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}
	return updated, nil
}

// Reconcile refreshes cart lines against the catalog using a single batched
// product lookup. With BuyNow set the stored cart is bypassed entirely. When
// the catalog is unreachable the stored cart is served as-is, flagged Stale.
func (s *cartService) Reconcile(ctx context.Context, cmd ReconcileCartCommand) (ReconciledCart, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return ReconciledCart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	if cmd.BuyNow != nil {
		return s.reconcileBuyNow(ctx, cmd.UserID, *cmd.BuyNow)
	}

	cart, err := s.carts.GetCartByUser(ctx, cmd.UserID)
	if err != nil {
		return ReconciledCart{}, translateCartRepoError(err)
	}
	if len(cart.Items) == 0 {
		return ReconciledCart{Cart: cart}, nil
	}

	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.Product.ProductID())
	}

	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			s.logger(ctx, "cart.reconcile_degraded", map[string]any{
				"cart_id": cart.ID,
				"error":   err.Error(),
			})
			cart.Stale = true
			return ReconciledCart{Cart: cart}, nil
		}
		return ReconciledCart{}, translateCartRepoError(err)
	}

	result := reconcileItems(cart, products)
	result.Cart.UpdatedAt = s.clock()
	persisted, err := s.carts.UpsertCart(ctx, result.Cart)
	if err != nil {
		return ReconciledCart{}, translateCartRepoError(err)
	}
	result.Cart = persisted

	if len(result.RemovedProducts) > 0 || result.PriceDrifted {
		s.logger(ctx, "cart.reconciled", map[string]any{
			"cart_id":          result.Cart.ID,
			"removed_products": len(result.RemovedProducts),
			"price_drifted":    result.PriceDrifted,
		})
	}
	return result, nil
}

func (s *cartService) reconcileBuyNow(ctx context.Context, userID string, item BuyNowItem) (ReconciledCart, error) {
	productID := strings.TrimSpace(item.ProductID)
	if productID == "" {
		return ReconciledCart{}, fmt.Errorf("%w: buy-now product id is required", ErrCartInvalidInput)
	}
	if item.Quantity <= 0 || item.Quantity > s.maxLineQty {
		return ReconciledCart{}, fmt.Errorf("%w: buy-now quantity must be between 1 and %d", ErrCartInvalidInput, s.maxLineQty)
	}

	// Buy-now always needs a live product read; there is no frozen copy to
	// fall back to.
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return ReconciledCart{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, productID)
		}
		return ReconciledCart{}, translateCartRepoError(err)
	}
	if !product.Active {
		return ReconciledCart{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, productID)
	}

	now := s.clock()
	return ReconciledCart{
		Cart: Cart{
			ID:       "crt_" + s.idgen(),
			UserID:   userID,
			Currency: defaultCurrency,
			Items: []CartItem{{
				Product:   domain.ProductRef{ID: product.ID},
				Name:      product.Name,
				UnitPrice: product.Price,
				Quantity:  item.Quantity,
				LineTotal: product.Price * item.Quantity,
				Image:     firstImage(product),
				AddedAt:   now,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}, nil
}

// ClearItems removes the given products from the user's cart, one parallel
// delete per line. Failures are collected and surfaced as a single aggregate
// error so callers emit one broadcast rather than one per item.
func (s *cartService) ClearItems(ctx context.Context, cmd ClearCartItemsCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if len(cmd.ProductIDs) == 0 {
		return nil
	}

	cart, err := s.carts.GetCartByUser(ctx, cmd.UserID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return translateCartRepoError(err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	wg.Add(len(cmd.ProductIDs))
	for _, productID := range cmd.ProductIDs {
		productID := productID
		go func() {
			defer wg.Done()
			if err := s.carts.DeleteItem(ctx, cart.ID, productID); err != nil {
				var repoErr repositories.RepositoryError
				if errors.As(err, &repoErr) && repoErr.IsNotFound() {
					return
				}
				mu.Lock()
				failed = append(failed, productID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		s.logger(ctx, "cart.clear_items_partial_failure", map[string]any{
			"cart_id":      cart.ID,
			"failed_count": len(failed),
			"product_ids":  failed,
		})
		return fmt.Errorf("%w: failed to remove %d of %d items", ErrCartUnavailable, len(failed), len(cmd.ProductIDs))
	}
	return nil
}

// resolveProduct normalizes a ProductRef through the catalog. Embedded
// snapshots only supply the id; prices always come from the live product so a
// client cannot seed the cart with an arbitrary amount. When the catalog is
// unreachable a snapshot keeps the add working and the next reconcile
// rewrites the line.
func (s *cartService) resolveProduct(ctx context.Context, ref ProductRef) (Product, error) {
	productID := ref.ProductID()
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product reference is required", ErrCartInvalidInput)
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			switch {
			case repoErr.IsNotFound():
				return Product{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, productID)
			case repoErr.IsUnavailable() && ref.Snapshot != nil && ref.Snapshot.Price > 0:
				s.logger(ctx, "cart.resolve_degraded", map[string]any{
					"product_id": productID,
					"error":      err.Error(),
				})
				return *ref.Snapshot, nil
			}
		}
		return Product{}, translateCartRepoError(err)
	}
	if !product.Active {
		return Product{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, productID)
	}
	return product, nil
}

// reconcileItems rewrites cart lines against the fetched products. Vanished
// products are dropped; changed prices are refreshed and flagged.
func reconcileItems(cart Cart, products map[string]domain.Product) ReconciledCart {
	result := ReconciledCart{Cart: cart}
	items := make([]CartItem, 0, len(cart.Items))
	for _, item := range cart.Items {
		productID := item.Product.ProductID()
		product, ok := products[productID]
		if !ok || !product.Active {
			result.RemovedProducts = append(result.RemovedProducts, productID)
			continue
		}
		if product.Price != item.UnitPrice {
			item.PriceDrifted = true
			result.PriceDrifted = true
			item.UnitPrice = product.Price
		} else {
			item.PriceDrifted = false
		}
		item.Name = product.Name
		item.LineTotal = item.UnitPrice * item.Quantity
		item.Image = firstImage(product)
		items = append(items, item)
	}
	result.Cart.Items = items
	result.Cart.Stale = false
	return result
}

func cartSubtotal(cart Cart) (int64, []string) {
	var subtotal int64
	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		subtotal += item.UnitPrice * item.Quantity
		ids = append(ids, item.Product.ProductID())
	}
	return subtotal, ids
}

func cloneCartItems(items []CartItem) []CartItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]CartItem, len(items))
	copy(out, items)
	return out
}

func indexOfCartItem(items []CartItem, productID string) int {
	for i, item := range items {
		if item.Product.ProductID() == productID {
			return i
		}
	}
	return -1
}

func firstImage(product Product) string {
	if len(product.Images) == 0 {
		return ""
	}
	return product.Images[0]
}

func translateCartRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return err
}
