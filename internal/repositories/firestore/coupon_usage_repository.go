package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/craftbazaar/api/internal/platform/firestore"
	"github.com/craftbazaar/api/internal/repositories"
)

const couponUsageCollection = "coupon_usage"

type couponUsageDocument struct {
	CouponID  string    `firestore:"couponId"`
	UserID    string    `firestore:"userId"`
	Count     int64     `firestore:"count"`
	OrderIDs  []string  `firestore:"orderIds,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CouponUsageRepository counts redemptions per coupon and user. One document
// per (coupon, user) pair; the coupon's aggregate usedCount is bumped in the
// same transaction so the two never drift.
type CouponUsageRepository struct {
	provider *pfirestore.Provider
	usage    *pfirestore.BaseRepository[couponUsageDocument]
	coupons  *pfirestore.BaseRepository[couponDocument]
}

// NewCouponUsageRepository constructs a Firestore-backed usage repository.
func NewCouponUsageRepository(provider *pfirestore.Provider) (*CouponUsageRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon usage repository: firestore provider is required")
	}
	return &CouponUsageRepository{
		provider: provider,
		usage:    pfirestore.NewBaseRepository[couponUsageDocument](provider, couponUsageCollection, nil, nil),
		coupons:  pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil, nil),
	}, nil
}

// IncrementUsage records one redemption transactionally.
func (r *CouponUsageRepository) IncrementUsage(ctx context.Context, couponID string, userID string, orderID string) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon usage repository not initialised")
	}
	couponID = strings.TrimSpace(couponID)
	userID = strings.TrimSpace(userID)
	if couponID == "" || userID == "" {
		return errors.New("coupon usage repository: coupon id and user id are required")
	}

	now := time.Now().UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		usageRef, err := r.usage.DocumentRef(ctx, usageDocumentID(couponID, userID))
		if err != nil {
			return err
		}
		couponRef, err := r.coupons.DocumentRef(ctx, couponID)
		if err != nil {
			return err
		}

		doc := couponUsageDocument{CouponID: couponID, UserID: userID}
		snapshot, err := tx.Get(usageRef)
		switch status.Code(err) {
		case codes.NotFound:
			// first redemption for this pair
		case codes.OK:
			if err := snapshot.DataTo(&doc); err != nil {
				return err
			}
		default:
			return err
		}

		doc.Count++
		if orderID = strings.TrimSpace(orderID); orderID != "" {
			doc.OrderIDs = append(doc.OrderIDs, orderID)
		}
		doc.UpdatedAt = now

		if err := tx.Set(usageRef, doc); err != nil {
			return err
		}
		return tx.Update(couponRef, []firestore.Update{
			{Path: "usedCount", Value: firestore.Increment(1)},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return pfirestore.WrapError("coupon_usage.increment", err)
	}
	return nil
}

// UsageCount returns how many times the user redeemed the coupon. A missing
// document means zero, not an error.
func (r *CouponUsageRepository) UsageCount(ctx context.Context, couponID string, userID string) (int64, error) {
	if r == nil || r.usage == nil {
		return 0, errors.New("coupon usage repository not initialised")
	}
	couponID = strings.TrimSpace(couponID)
	userID = strings.TrimSpace(userID)
	if couponID == "" || userID == "" {
		return 0, errors.New("coupon usage repository: coupon id and user id are required")
	}

	doc, err := r.usage.Get(ctx, usageDocumentID(couponID, userID))
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return 0, nil
		}
		return 0, err
	}
	return doc.Data.Count, nil
}

func usageDocumentID(couponID, userID string) string {
	return couponID + "_" + userID
}

var _ repositories.CouponUsageRepository = (*CouponUsageRepository)(nil)
