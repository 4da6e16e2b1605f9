package firestore

import (
	"context"
	"encoding/json"
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

const paymentIntentsCollection = "payment_intents"

// PaymentIntentRepository persists checkout attempts. The priced quote is
// stored as JSON so its shape can evolve without document migrations.
type PaymentIntentRepository struct {
	base *pfirestore.BaseRepository[paymentIntentDocument]
}

// NewPaymentIntentRepository constructs a Firestore-backed intent repository.
func NewPaymentIntentRepository(provider *pfirestore.Provider) (*PaymentIntentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment intent repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[paymentIntentDocument](provider, paymentIntentsCollection, nil, nil)
	return &PaymentIntentRepository{base: base}, nil
}

// Insert creates the intent document. A duplicate ID surfaces as a conflict.
func (r *PaymentIntentRepository) Insert(ctx context.Context, intent domain.PaymentIntent) error {
	if r == nil || r.base == nil {
		return errors.New("payment intent repository not initialised")
	}
	intentID := strings.TrimSpace(intent.ID)
	if intentID == "" {
		return errors.New("payment intent repository: intent id is required")
	}
	doc, err := encodePaymentIntentDocument(intent)
	if err != nil {
		return err
	}
	ref, err := r.base.DocumentRef(ctx, intentID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("payment_intents.insert", err)
	}
	return nil
}

// Update replaces the stored intent.
func (r *PaymentIntentRepository) Update(ctx context.Context, intent domain.PaymentIntent) error {
	if r == nil || r.base == nil {
		return errors.New("payment intent repository not initialised")
	}
	intentID := strings.TrimSpace(intent.ID)
	if intentID == "" {
		return errors.New("payment intent repository: intent id is required")
	}
	doc, err := encodePaymentIntentDocument(intent)
	if err != nil {
		return err
	}
	_, err = r.base.Set(ctx, intentID, doc)
	return err
}

// FindByID fetches a single intent.
func (r *PaymentIntentRepository) FindByID(ctx context.Context, intentID string) (domain.PaymentIntent, error) {
	if r == nil || r.base == nil {
		return domain.PaymentIntent{}, errors.New("payment intent repository not initialised")
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.PaymentIntent{}, errors.New("payment intent repository: intent id is required")
	}
	doc, err := r.base.Get(ctx, intentID)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	return decodePaymentIntentDocument(doc)
}

// FindByGatewayOrderID resolves the intent behind a gateway callback.
func (r *PaymentIntentRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.PaymentIntent, error) {
	if r == nil || r.base == nil {
		return domain.PaymentIntent{}, errors.New("payment intent repository not initialised")
	}
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if gatewayOrderID == "" {
		return domain.PaymentIntent{}, errors.New("payment intent repository: gateway order id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("gatewayOrderId", "==", gatewayOrderID).Limit(1)
	})
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if len(docs) == 0 {
		return domain.PaymentIntent{}, pfirestore.WrapError("payment_intents.find_by_gateway_order", status.Error(codes.NotFound, "payment intent not found"))
	}
	return decodePaymentIntentDocument(docs[0])
}

type paymentIntentDocument struct {
	UserID           string    `firestore:"userId"`
	CartID           string    `firestore:"cartId,omitempty"`
	Status           string    `firestore:"status"`
	Method           string    `firestore:"method"`
	Provider         string    `firestore:"provider,omitempty"`
	GatewayOrderID   string    `firestore:"gatewayOrderId,omitempty"`
	GatewayPaymentID string    `firestore:"gatewayPaymentId,omitempty"`
	Amount           int64           `firestore:"amount"`
	Currency         string          `firestore:"currency"`
	QuoteJSON        string          `firestore:"quoteJson,omitempty"`
	Shipping         addressDocument `firestore:"shippingAddress"`
	BuyNow           bool            `firestore:"buyNow,omitempty"`
	OrderID          string          `firestore:"orderId,omitempty"`
	FailureReason    string          `firestore:"failureReason,omitempty"`
	CreatedAt        time.Time       `firestore:"createdAt"`
	UpdatedAt        time.Time       `firestore:"updatedAt"`
}

func encodePaymentIntentDocument(intent domain.PaymentIntent) (paymentIntentDocument, error) {
	quoteJSON, err := json.Marshal(intent.Quote)
	if err != nil {
		return paymentIntentDocument{}, pfirestore.WrapError("payment_intents.encode", err)
	}
	now := time.Now().UTC()
	createdAt := intent.CreatedAt.UTC()
	if intent.CreatedAt.IsZero() {
		createdAt = now
	}
	return paymentIntentDocument{
		UserID:           intent.UserID,
		CartID:           intent.CartID,
		Status:           string(intent.Status),
		Method:           string(intent.Method),
		Provider:         intent.Provider,
		GatewayOrderID:   intent.GatewayOrderID,
		GatewayPaymentID: intent.GatewayPaymentID,
		Amount:           intent.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(intent.Currency)),
		QuoteJSON:        string(quoteJSON),
		Shipping:         addressDocumentFrom(intent.ShippingAddress),
		BuyNow:           intent.BuyNow,
		OrderID:          intent.OrderID,
		FailureReason:    intent.FailureReason,
		CreatedAt:        createdAt,
		UpdatedAt:        now,
	}, nil
}

func decodePaymentIntentDocument(doc pfirestore.Document[paymentIntentDocument]) (domain.PaymentIntent, error) {
	var quote domain.Quote
	if doc.Data.QuoteJSON != "" {
		if err := json.Unmarshal([]byte(doc.Data.QuoteJSON), &quote); err != nil {
			return domain.PaymentIntent{}, pfirestore.WrapError("payment_intents.decode", err)
		}
	}
	updatedAt := doc.Data.UpdatedAt
	if !doc.UpdateTime.IsZero() {
		updatedAt = doc.UpdateTime
	}
	return domain.PaymentIntent{
		ID:               doc.ID,
		UserID:           doc.Data.UserID,
		CartID:           doc.Data.CartID,
		Status:           domain.PaymentIntentStatus(doc.Data.Status),
		Method:           domain.PaymentMethod(doc.Data.Method),
		Provider:         doc.Data.Provider,
		GatewayOrderID:   doc.Data.GatewayOrderID,
		GatewayPaymentID: doc.Data.GatewayPaymentID,
		Amount:           doc.Data.Amount,
		Currency:         doc.Data.Currency,
		Quote:            quote,
		ShippingAddress:  doc.Data.Shipping.toDomain(),
		BuyNow:           doc.Data.BuyNow,
		OrderID:          doc.Data.OrderID,
		FailureReason:    doc.Data.FailureReason,
		CreatedAt:        doc.Data.CreatedAt,
		UpdatedAt:        updatedAt,
	}, nil
}

var _ repositories.PaymentIntentRepository = (*PaymentIntentRepository)(nil)
