package domain

// Quote is the priced view of a cart. Tax is computed on the pre-discount
// subtotal; Total is floored at zero when a discount exceeds the cart value.
type Quote struct {
	Currency string
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
	Lines    []QuoteLine
	Coupon   *CouponValidation
	Metadata map[string]any
}

// QuoteLine is the per-line pricing output. Tax is the line's share of the
// cart tax, remainder-distributed so that the lines always sum to Quote.Tax.
type QuoteLine struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int64
	LineTotal int64
	Tax       int64
	Image     string
}
