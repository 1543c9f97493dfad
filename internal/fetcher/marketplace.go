package fetcher

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
	"apparel/catalog/internal/proxy"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

const seenCacheSize = 4096

// Marketplace scrapes the HTML search pages of the e-commerce platform.
type Marketplace struct {
	src       *httpSource
	parser    *listingParser
	searchURL string
}

func NewMarketplace(cfg config.PlatformConfig, proxies proxy.Supplier) (*Marketplace, error) {
	parser, err := newListingParser(cfg.BaseURL, cfg.Selectors)
	if err != nil {
		return nil, err
	}
	src := newHTTPSource(domain.PlatformMarketplace, cfg, proxies)
	src.client.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	return &Marketplace{
		src:       src,
		parser:    parser,
		searchURL: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.SearchPath, "/"),
	}, nil
}

func (m *Marketplace) Platform() domain.Platform {
	return domain.PlatformMarketplace
}

func (m *Marketplace) Fetch(ctx context.Context, t task.ScrapingTask) iter.Seq2[domain.RawRecord, error] {
	return func(yield func(domain.RawRecord, error) bool) {
		// The same listing shows up under several searches and pages.
		seen, err := lru.New[string, struct{}](seenCacheSize)
		if err != nil {
			yield(domain.RawRecord{}, fmt.Errorf("seen cache: %w", err))
			return
		}

		for _, term := range searchTerms(t) {
			for page := 1; page <= t.MaxPages; page++ {
				resp, err := m.src.get(ctx, m.searchURL, map[string]string{
					"q":    term.Query,
					"page": strconv.Itoa(page),
				})
				if err != nil {
					yield(domain.RawRecord{}, fmt.Errorf("search %q page %d: %w", term.Query, page, err))
					return
				}

				listing, err := m.parser.Parse(resp.String())
				if err != nil {
					yield(domain.RawRecord{}, fmt.Errorf("search %q page %d: %w", term.Query, page, err))
					return
				}

				for _, rec := range listing.Items {
					key := rec.SourceID
					if key == "" {
						key = rec.ProductURL
					}
					if key != "" {
						if seen.Contains(key) {
							continue
						}
						seen.Add(key, struct{}{})
					}

					rec.Platform = domain.PlatformMarketplace
					rec.ScrapedAt = time.Now().UTC()
					if rec.Category == "" {
						rec.Category = term.Category
					}
					if !yield(rec, nil) {
						return
					}
				}

				log.Debugf("📄 %s %q page %d: %d items", m.Platform().GetPlatformName(), term.Query, page, len(listing.Items))
				if len(listing.Items) == 0 || !listing.HasNext {
					break
				}
			}
		}
	}
}
