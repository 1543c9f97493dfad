package fetcher

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"apparel/catalog/internal/domain"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"
)

var defaultSelectors = map[string]string{
	"item":           "div.product-item",
	"title":          ".product-title",
	"price":          ".price-current",
	"original_price": ".price-original",
	"rating":         ".rating",
	"reviews":        ".review-count",
	"sales":          ".sales-count",
	"store":          ".store-name",
	"category":       ".product-category",
	"link":           "a.product-link",
	"image":          "img",
	"next":           "a.next-page",
}

var (
	countRegex   = regexp.MustCompile(`[\d,.]+(?:\s*[kKwW万])?`)
	blockedRegex = regexp.MustCompile(`(?i)captcha|access denied|unusual traffic`)
)

type listingPage struct {
	Items   []domain.RawRecord
	HasNext bool
}

// listingParser reads a marketplace search result page.
type listingParser struct {
	baseURL   *url.URL
	selectors map[string]string
}

func newListingParser(baseURL string, overrides map[string]string) (*listingParser, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	selectors := make(map[string]string, len(defaultSelectors))
	for k, v := range defaultSelectors {
		selectors[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(v) != "" {
			selectors[k] = v
		}
	}
	return &listingParser{baseURL: u, selectors: selectors}, nil
}

func (p *listingParser) Parse(html string) (*listingPage, error) {
	if strings.TrimSpace(html) == "" {
		return nil, ErrParse{Err: errors.New("empty page")}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, ErrParse{Err: fmt.Errorf("failed to parse HTML: %w", err)}
	}

	page := &listingPage{}
	doc.Find(p.selectors["item"]).Each(func(i int, s *goquery.Selection) {
		if rec, ok := p.extractItem(s); ok {
			page.Items = append(page.Items, rec)
		}
	})

	if len(page.Items) == 0 && blockedRegex.MatchString(doc.Find("title").Text()+" "+doc.Find("body").Text()) {
		return nil, ErrRateLimited{Err: errors.New("challenge page returned")}
	}

	page.HasNext = doc.Find(p.selectors["next"]).Length() > 0
	log.Debugf("Parsed listing page with %d items (next=%t)", len(page.Items), page.HasNext)
	return page, nil
}

func (p *listingParser) extractItem(s *goquery.Selection) (domain.RawRecord, bool) {
	text := func(key string) string {
		return strings.TrimSpace(s.Find(p.selectors[key]).First().Text())
	}

	link := s.Find(p.selectors["link"]).First()
	href, _ := link.Attr("href")
	productURL := p.resolve(href)

	title := text("title")
	if title == "" {
		title, _ = link.Attr("title")
	}
	if title == "" && productURL == "" {
		return domain.RawRecord{}, false
	}

	rating := text("rating")
	ratingNode := s.Find(p.selectors["rating"]).First()
	if v, ok := ratingNode.Attr("data-rating"); ok {
		rating = v
	}

	rec := domain.RawRecord{
		Title:         title,
		Price:         text("price"),
		OriginalPrice: text("original_price"),
		Rating:        rating,
		ReviewCount:   countRegex.FindString(text("reviews")),
		SalesCount:    countRegex.FindString(text("sales")),
		StoreName:     text("store"),
		Category:      text("category"),
		ProductURL:    productURL,
		SourceID:      p.sourceID(s, productURL),
	}
	if currency, ok := s.Attr("data-currency"); ok {
		rec.Currency = currency
	}

	s.Find(p.selectors["image"]).Each(func(i int, img *goquery.Selection) {
		src, ok := img.Attr("data-src")
		if !ok || src == "" {
			src, _ = img.Attr("src")
		}
		if src = p.resolve(src); src != "" {
			rec.ImageURLs = append(rec.ImageURLs, src)
		}
	})

	if badge := strings.TrimSpace(s.Find(".badge").First().Text()); badge != "" {
		rec.Extra = map[string]string{"badge": badge}
	}
	return rec, true
}

func (p *listingParser) sourceID(s *goquery.Selection, productURL string) string {
	for _, attr := range []string{"data-id", "data-item-id", "data-product-id"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if productURL == "" {
		return ""
	}
	u, err := url.Parse(productURL)
	if err != nil {
		return ""
	}
	if id := u.Query().Get("id"); id != "" {
		return id
	}
	return ""
}

// resolve turns relative and protocol-relative links into absolute ones.
func (p *listingParser) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return p.baseURL.Scheme + ":" + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	resolved := p.baseURL.ResolveReference(ref)
	resolved.Path = path.Clean("/" + resolved.Path)
	return resolved.String()
}
