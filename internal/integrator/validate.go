package integrator

import "fmt"

// Reason tags why a record was rejected.
type Reason string

const (
	ReasonMissingTitle      Reason = "missing_title"
	ReasonMissingPrice      Reason = "missing_price"
	ReasonInvalidPrice      Reason = "invalid_price"
	ReasonPriceOutOfRange   Reason = "price_out_of_range"
	ReasonRatingOutOfRange  Reason = "rating_out_of_range"
	ReasonMissingProductURL Reason = "missing_product_url"
	ReasonInvalidProductURL Reason = "invalid_product_url"
)

// ValidationError is the per-record rejection. Only the first failing rule
// is reported.
type ValidationError struct {
	Reason Reason
	Field  string
	Value  string
}

func (e ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%q)", e.Field, e.Reason, e.Value)
}

// Warning is a problem that lowers data_quality_score without rejecting.
type Warning string

const (
	WarnTitleTruncated       Warning = "title_truncated"
	WarnInvalidOriginalPrice Warning = "invalid_original_price"
	WarnOriginalBelowPrice   Warning = "original_price_below_price"
	WarnInvalidReviewCount   Warning = "invalid_review_count"
	WarnInvalidSalesCount    Warning = "invalid_sales_count"
	WarnInvalidRating        Warning = "invalid_rating"
	WarnInvalidImageURL      Warning = "invalid_image_url"
	WarnCategoryUnmapped     Warning = "category_unmapped"
)

// validate applies the rejection rules in a fixed order.
func validate(n *normalized, ceiling float64) *ValidationError {
	switch {
	case n.product.Title == "":
		return &ValidationError{Reason: ReasonMissingTitle, Field: "title"}
	case n.rawPrice == "":
		return &ValidationError{Reason: ReasonMissingPrice, Field: "price"}
	case !n.priceOK:
		return &ValidationError{Reason: ReasonInvalidPrice, Field: "price", Value: n.rawPrice}
	case n.product.Price <= 0 || n.product.Price > ceiling:
		return &ValidationError{Reason: ReasonPriceOutOfRange, Field: "price", Value: n.rawPrice}
	case n.product.Rating != nil && (*n.product.Rating < 0 || *n.product.Rating > 5):
		return &ValidationError{Reason: ReasonRatingOutOfRange, Field: "rating", Value: n.rawRating}
	case n.rawURL == "":
		return &ValidationError{Reason: ReasonMissingProductURL, Field: "product_url"}
	case n.product.ProductURL == "":
		return &ValidationError{Reason: ReasonInvalidProductURL, Field: "product_url", Value: n.rawURL}
	}
	return nil
}
