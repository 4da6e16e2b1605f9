package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/craftbazaar/api/internal/domain"
	"github.com/craftbazaar/api/internal/repositories"
)

var (
	// ErrCouponInvalidInput indicates the caller supplied bad arguments.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponInvalid marks a code that cannot be applied to the cart. The
	// accompanying CouponValidation carries the customer-facing reason.
	ErrCouponInvalid = errors.New("coupon: invalid coupon code")
	// ErrCouponUnavailable indicates the coupon store could not be reached.
	ErrCouponUnavailable = errors.New("coupon: store unavailable")
)

// invalidCouponReason is the customer-facing message for codes that do not
// exist or are no longer redeemable. It deliberately does not distinguish
// unknown from expired or inactive codes.
const invalidCouponReason = "Invalid coupon code"

// CouponServiceDeps bundles dependencies required to construct the coupon validator.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
}

type couponService struct {
	repo  repositories.CouponRepository
	clock func() time.Time
}

// NewCouponService wires a CouponService backed by the provided repositories.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &couponService{
		repo:  deps.Coupons,
		clock: func() time.Time { return clock().UTC() },
	}, nil
}

// Validate checks the code against the cart snapshot. It never mutates the
// coupon or its usage counters, so calling it twice with the same inputs
// yields the same result.
func (s *couponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
	code := NormalizeCouponCode(cmd.Code)
	if code == "" {
		return CouponValidation{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if cmd.Subtotal < 0 {
		return CouponValidation{}, fmt.Errorf("%w: subtotal must not be negative", ErrCouponInvalidInput)
	}

	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			switch {
			case repoErr.IsNotFound():
				return s.invalid(code, invalidCouponReason)
			case repoErr.IsUnavailable():
				return CouponValidation{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
			}
		}
		return CouponValidation{}, fmt.Errorf("coupon: lookup %s: %w", code, err)
	}

	now := s.clock()
	if !coupon.Active {
		return s.invalid(code, invalidCouponReason)
	}
	if coupon.ActiveFrom != nil && now.Before(*coupon.ActiveFrom) {
		return s.invalid(code, invalidCouponReason)
	}
	if coupon.ExpiresAt != nil && now.After(*coupon.ExpiresAt) {
		return s.invalid(code, invalidCouponReason)
	}
	if coupon.UsageLimit > 0 && coupon.UsedCount >= coupon.UsageLimit {
		return s.invalid(code, invalidCouponReason)
	}

	if cmd.Subtotal < coupon.MinPurchase {
		return s.invalid(code, fmt.Sprintf("Minimum purchase of %d required", coupon.MinPurchase))
	}

	if len(coupon.ProductIDs) > 0 && !hasScopedProduct(coupon.ProductIDs, cmd.ProductIDs) {
		return s.invalid(code, "Coupon is not applicable to the items in your cart")
	}

	discount := discountFor(coupon, cmd.Subtotal)

	return CouponValidation{
		Code:           coupon.Code,
		Valid:          true,
		DiscountAmount: discount,
	}, nil
}

func (s *couponService) invalid(code, reason string) (CouponValidation, error) {
	return CouponValidation{Code: code, Valid: false, Reason: reason},
		fmt.Errorf("%w: %s", ErrCouponInvalid, reason)
}

// NormalizeCouponCode uppercases and trims a code so lookups and comparisons
// are case-insensitive.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func hasScopedProduct(scope, cartProducts []string) bool {
	scoped := make(map[string]struct{}, len(scope))
	for _, id := range scope {
		scoped[strings.TrimSpace(id)] = struct{}{}
	}
	for _, id := range cartProducts {
		if _, ok := scoped[strings.TrimSpace(id)]; ok {
			return true
		}
	}
	return false
}

// discountFor computes the rupee discount, never exceeding the subtotal.
func discountFor(coupon Coupon, subtotal int64) int64 {
	var discount int64
	switch coupon.Type {
	case domain.CouponTypePercent:
		discount = subtotal * coupon.Value / 100
		if coupon.MaxDiscount > 0 && discount > coupon.MaxDiscount {
			discount = coupon.MaxDiscount
		}
	default:
		// Flat is the default shape; legacy rows without a type behave the same.
		discount = coupon.Value
	}
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}
