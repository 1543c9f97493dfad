package domain

import "time"

// RawRecord is one listing as a fetcher saw it. Every field is optional and
// kept as text; the integrator owns parsing. Fields a fetcher cannot place
// go into Extra.
type RawRecord struct {
	Title         string            `json:"title,omitempty"`
	Price         string            `json:"price,omitempty"`
	OriginalPrice string            `json:"original_price,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Rating        string            `json:"rating,omitempty"`
	ReviewCount   string            `json:"review_count,omitempty"`
	SalesCount    string            `json:"sales_count,omitempty"`
	ImageURLs     []string          `json:"image_urls,omitempty"`
	ProductURL    string            `json:"product_url,omitempty"`
	StoreName     string            `json:"store_name,omitempty"`
	Category      string            `json:"category,omitempty"` // free text from the source
	Platform      Platform          `json:"platform"`
	SourceID      string            `json:"source_id,omitempty"`
	ScrapedAt     time.Time         `json:"scraped_at"`
	Comments      []RawComment      `json:"comments,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

type RawComment struct {
	Text            string    `json:"text"`
	Author          string    `json:"author,omitempty"`
	AuthorFollowers int64     `json:"author_followers,omitempty"`
	Likes           int64     `json:"likes,omitempty"`
	Replies         int64     `json:"replies,omitempty"`
	CommentedAt     time.Time `json:"commented_at,omitempty"`
}
