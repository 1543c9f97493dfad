package domain

import "time"

type Product struct {
	ProductID        string       `json:"product_id"`
	Title            string       `json:"title"`
	Platform         Platform     `json:"platform"`
	Category         Category     `json:"category"`
	Price            float64      `json:"price"`
	OriginalPrice    *float64     `json:"original_price,omitempty"`
	Currency         string       `json:"currency"`
	Rating           *float64     `json:"rating,omitempty"`
	ReviewCount      int64        `json:"review_count"`
	SalesCount       *int64       `json:"sales_count,omitempty"`
	ProductURL       string       `json:"product_url"`
	StoreName        string       `json:"store_name,omitempty"`
	ImageURLs        []string     `json:"image_urls,omitempty"`
	Keywords         []string     `json:"keywords,omitempty"` // sorted, unique
	QualityScore     float64      `json:"quality_score"`
	DataQualityScore int          `json:"data_quality_score"`
	SourceID         string       `json:"source_id,omitempty"`
	FirstSeenAt      time.Time    `json:"first_seen_at"`
	LastUpdatedAt    time.Time    `json:"last_updated_at"`
	ScrapedAt        time.Time    `json:"scraped_at"`
	IsActive         bool         `json:"is_active"`
	HotComments      []HotComment `json:"hot_comments,omitempty"`
}

type PriceHistoryEntry struct {
	ID              int64     `json:"id"`
	ProductID       string    `json:"product_id"`
	Price           float64   `json:"price"`
	OriginalPrice   *float64  `json:"original_price,omitempty"`
	DiscountPercent int       `json:"discount_percent"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// DiscountPercent truncates toward zero; no discount when the original
// price is unknown or not above the current one.
func DiscountPercent(price float64, original *float64) int {
	if original == nil || *original <= 0 || *original <= price {
		return 0
	}
	return int((*original - price) / *original * 100)
}

type HotComment struct {
	ID              int64     `json:"id"`
	ProductID       string    `json:"product_id"`
	Text            string    `json:"text"`
	Author          string    `json:"author,omitempty"`
	AuthorFollowers int64     `json:"author_followers"`
	Likes           int64     `json:"likes"`
	Replies         int64     `json:"replies"`
	CommentedAt     time.Time `json:"commented_at,omitempty"`
	CapturedAt      time.Time `json:"captured_at"`
}

type ScrapeStatus string

func (s ScrapeStatus) String() string {
	return string(s)
}

const (
	ScrapeStatusSuccess        ScrapeStatus = "success"
	ScrapeStatusPartialFailure ScrapeStatus = "partial_failure"
	ScrapeStatusFailed         ScrapeStatus = "failed"
)

type ScrapeLogEntry struct {
	ID           int64         `json:"id"`
	TaskID       string        `json:"task_id"`
	Platform     Platform      `json:"platform"`
	Category     string        `json:"category"` // comma separated task categories
	Status       ScrapeStatus  `json:"status"`
	RecordsFound int           `json:"records_found"`
	RecordsSaved int           `json:"records_saved"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	Duration     time.Duration `json:"duration"`
}
