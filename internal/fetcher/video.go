package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
	"apparel/catalog/internal/proxy"

	log "github.com/sirupsen/logrus"
)

const videoPageSize = 20

type videoSearchResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Items   []videoItem `json:"items"`
		HasMore bool        `json:"has_more"`
	} `json:"data"`
}

type videoItem struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Price         string         `json:"price"`
	OriginalPrice string         `json:"original_price"`
	Currency      string         `json:"currency"`
	Rating        json.Number    `json:"rating"`
	ReviewCount   json.Number    `json:"review_count"`
	Sales         json.Number    `json:"sales"`
	ShopName      string         `json:"shop_name"`
	URL           string         `json:"url"`
	Images        []string       `json:"images"`
	Category      string         `json:"category"`
	VideoID       string         `json:"video_id"`
	Comments      []videoComment `json:"comments"`
}

type videoComment struct {
	Text      string `json:"text"`
	Author    string `json:"author"`
	Followers int64  `json:"followers"`
	Likes     int64  `json:"likes"`
	Replies   int64  `json:"replies"`
	CreatedAt int64  `json:"created_at"` // unix seconds
}

// VideoPlatform pages through the shop search API of the short-video
// platform. Listings carry their hottest comments.
type VideoPlatform struct {
	src       *httpSource
	searchURL string
}

func NewVideoPlatform(cfg config.PlatformConfig, proxies proxy.Supplier) *VideoPlatform {
	src := newHTTPSource(domain.PlatformVideoPlatform, cfg, proxies)
	src.client.SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		src.client.SetAuthToken(cfg.APIKey)
	}
	return &VideoPlatform{
		src:       src,
		searchURL: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.SearchPath, "/"),
	}
}

func (v *VideoPlatform) Platform() domain.Platform {
	return domain.PlatformVideoPlatform
}

func (v *VideoPlatform) Fetch(ctx context.Context, t task.ScrapingTask) iter.Seq2[domain.RawRecord, error] {
	return func(yield func(domain.RawRecord, error) bool) {
		for _, term := range searchTerms(t) {
			for page := 1; page <= t.MaxPages; page++ {
				result, err := v.search(ctx, term, page)
				if err != nil {
					yield(domain.RawRecord{}, fmt.Errorf("search %q page %d: %w", term.Query, page, err))
					return
				}

				now := time.Now().UTC()
				for _, item := range result.Data.Items {
					rec := item.toRawRecord(now)
					if rec.Category == "" {
						rec.Category = term.Category
					}
					if !yield(rec, nil) {
						return
					}
				}

				log.Debugf("📄 %s %q page %d: %d items", v.Platform().GetPlatformName(), term.Query, page, len(result.Data.Items))
				if len(result.Data.Items) == 0 || !result.Data.HasMore {
					break
				}
			}
		}
	}
}

func (v *VideoPlatform) search(ctx context.Context, term searchTerm, page int) (*videoSearchResponse, error) {
	query := map[string]string{
		"keyword":   term.Query,
		"page":      strconv.Itoa(page),
		"page_size": strconv.Itoa(videoPageSize),
	}
	if term.Category != "" {
		query["category"] = term.Category
	}

	resp, err := v.src.get(ctx, v.searchURL, query)
	if err != nil {
		return nil, err
	}

	var out videoSearchResponse
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, ErrParse{Err: fmt.Errorf("decode search response: %w", err)}
	}

	switch out.Code {
	case 0:
		return &out, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrAuth{Err: fmt.Errorf("api code %d: %s", out.Code, out.Message)}
	case http.StatusTooManyRequests:
		v.src.tripBreaker()
		return nil, ErrRateLimited{Err: fmt.Errorf("api code %d: %s", out.Code, out.Message)}
	default:
		return nil, ErrParse{Err: fmt.Errorf("api code %d: %s", out.Code, out.Message)}
	}
}

func (i videoItem) toRawRecord(scrapedAt time.Time) domain.RawRecord {
	rec := domain.RawRecord{
		Title:         i.Title,
		Price:         i.Price,
		OriginalPrice: i.OriginalPrice,
		Currency:      i.Currency,
		Rating:        i.Rating.String(),
		ReviewCount:   i.ReviewCount.String(),
		SalesCount:    i.Sales.String(),
		ImageURLs:     i.Images,
		ProductURL:    i.URL,
		StoreName:     i.ShopName,
		Category:      i.Category,
		Platform:      domain.PlatformVideoPlatform,
		SourceID:      i.ID,
		ScrapedAt:     scrapedAt,
	}
	if i.VideoID != "" {
		rec.Extra = map[string]string{"video_id": i.VideoID}
	}
	for _, c := range i.Comments {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		comment := domain.RawComment{
			Text:            c.Text,
			Author:          c.Author,
			AuthorFollowers: c.Followers,
			Likes:           c.Likes,
			Replies:         c.Replies,
		}
		if c.CreatedAt > 0 {
			comment.CommentedAt = time.Unix(c.CreatedAt, 0).UTC()
		}
		rec.Comments = append(rec.Comments, comment)
	}
	return rec
}
