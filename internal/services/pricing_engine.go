package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrPricingInvalidInput signals bad request data such as empty carts or negative quantities.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingCurrencyMismatch is returned when cart lines use multiple currencies.
	ErrPricingCurrencyMismatch = errors.New("pricing: currency mismatch")
)

const (
	// FreeShippingThreshold is the pre-discount subtotal at which shipping becomes free.
	FreeShippingThreshold int64 = 500
	// FlatShippingFee applies below the free-shipping threshold.
	FlatShippingFee int64 = 50
	// taxRatePercent is the GST rate applied to the pre-discount subtotal.
	taxRatePercent int64 = 18

	defaultCurrency = "INR"
)

// PricingPolicy carries the deployment-tunable pricing knobs. Zero values fall
// back to the marketplace defaults above.
type PricingPolicy struct {
	FreeShippingThreshold int64
	FlatShippingFee       int64
	TaxPercent            int64
}

// PricingEngine prices reconciled carts. Tax is computed on the pre-discount
// subtotal and the final total never goes below zero.
type PricingEngine struct {
	coupons CouponService
	policy  PricingPolicy
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

type PricingEngineDeps struct {
	Coupons CouponService
	Policy  *PricingPolicy
	Now     func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if deps.Coupons == nil {
		return nil, errors.New("pricing engine: coupon service is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	policy := PricingPolicy{
		FreeShippingThreshold: FreeShippingThreshold,
		FlatShippingFee:       FlatShippingFee,
		TaxPercent:            taxRatePercent,
	}
	if deps.Policy != nil {
		if deps.Policy.FreeShippingThreshold > 0 {
			policy.FreeShippingThreshold = deps.Policy.FreeShippingThreshold
		}
		if deps.Policy.FlatShippingFee > 0 {
			policy.FlatShippingFee = deps.Policy.FlatShippingFee
		}
		if deps.Policy.TaxPercent > 0 {
			policy.TaxPercent = deps.Policy.TaxPercent
		}
	}

	return &PricingEngine{
		coupons: deps.Coupons,
		policy:  policy,
		now:     func() time.Time { return now().UTC() },
		logger:  logger,
	}, nil
}

var _ PricingService = (*PricingEngine)(nil)

// Quote prices the supplied cart. The coupon code, when present, is
// re-validated here; a code that has gone stale since it was applied is
// dropped from the quote rather than failing the pricing call.
func (e *PricingEngine) Quote(ctx context.Context, cmd QuoteCommand) (Quote, error) {
	if len(cmd.Cart.Items) == 0 {
		return Quote{}, fmt.Errorf("%w: cart has no items", ErrPricingInvalidInput)
	}

	currency := strings.TrimSpace(cmd.Cart.Currency)
	if currency == "" {
		currency = defaultCurrency
	}

	lines := make([]QuoteLine, 0, len(cmd.Cart.Items))
	productIDs := make([]string, 0, len(cmd.Cart.Items))
	var subtotal int64
	for _, item := range cmd.Cart.Items {
		productID := item.Product.ProductID()
		if productID == "" {
			return Quote{}, fmt.Errorf("%w: cart item missing product reference", ErrPricingInvalidInput)
		}
		if item.Quantity <= 0 {
			return Quote{}, fmt.Errorf("%w: quantity must be positive for product %s", ErrPricingInvalidInput, productID)
		}
		if item.UnitPrice < 0 {
			return Quote{}, fmt.Errorf("%w: negative unit price for product %s", ErrPricingInvalidInput, productID)
		}

		lineTotal := item.UnitPrice * item.Quantity
		subtotal += lineTotal
		lines = append(lines, QuoteLine{
			ProductID: productID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			LineTotal: lineTotal,
			Image:     item.Image,
		})
		productIDs = append(productIDs, productID)
	}

	shipping := int64(0)
	if subtotal < e.policy.FreeShippingThreshold {
		shipping = e.policy.FlatShippingFee
	}

	tax := roundHalfUpPercent(subtotal, e.policy.TaxPercent)
	allocateTaxByLine(lines, tax)

	var (
		discount   int64
		couponView *CouponValidation
	)
	code := strings.TrimSpace(cmd.CouponCode)
	if code == "" {
		code = strings.TrimSpace(cmd.Cart.CouponCode)
	}
	if code != "" {
		validation, err := e.coupons.Validate(ctx, ValidateCouponCommand{
			UserID:     cmd.UserID,
			Code:       code,
			Subtotal:   subtotal,
			ProductIDs: productIDs,
		})
		switch {
		case err != nil && errors.Is(err, ErrCouponInvalid):
			e.logger(ctx, "pricing.coupon_dropped", map[string]any{
				"cart_id": cmd.Cart.ID,
				"code":    code,
				"reason":  err.Error(),
			})
			couponView = &CouponValidation{Code: validation.Code, Valid: false, Reason: validation.Reason}
		case err != nil:
			return Quote{}, fmt.Errorf("pricing: validate coupon: %w", err)
		default:
			discount = validation.DiscountAmount
			couponView = &validation
		}
	}

	total := subtotal + shipping + tax - discount
	if total < 0 {
		total = 0
	}

	return Quote{
		Currency: currency,
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Tax:      tax,
		Total:    total,
		Lines:    lines,
		Coupon:   couponView,
	}, nil
}

// roundHalfUpPercent returns amount*rate% rounded half up, computed in integer
// arithmetic to keep rupee math exact.
func roundHalfUpPercent(amount, rate int64) int64 {
	if amount <= 0 {
		return 0
	}
	return (amount*rate + 50) / 100
}

// allocateTaxByLine distributes the cart tax across lines proportionally to
// their totals, handing remainder paise to the largest lines first so the
// per-line amounts always sum to the cart tax.
func allocateTaxByLine(lines []QuoteLine, tax int64) {
	if tax <= 0 || len(lines) == 0 {
		return
	}

	var base int64
	for i := range lines {
		base += lines[i].LineTotal
	}
	if base <= 0 {
		lines[0].Tax = tax
		return
	}

	order := make([]int, len(lines))
	var allocated int64
	for i := range lines {
		share := tax * lines[i].LineTotal / base
		lines[i].Tax = share
		allocated += share
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return lines[order[a]].LineTotal > lines[order[b]].LineTotal
	})

	remainder := tax - allocated
	for i := 0; remainder > 0; i = (i + 1) % len(order) {
		lines[order[i]].Tax++
		remainder--
	}
}
