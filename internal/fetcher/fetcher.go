package fetcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/domain/task"
	"apparel/catalog/internal/proxy"

	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
	"resty.dev/v3"
)

// Fetcher produces the raw listings for one task. The sequence is lazy,
// finite and can be ranged over once. A non-nil error ends it.
type Fetcher interface {
	Platform() domain.Platform
	Fetch(ctx context.Context, t task.ScrapingTask) iter.Seq2[domain.RawRecord, error]
}

const defaultCooldown = time.Minute

// httpSource is the request plumbing shared by the platform fetchers:
// pacing, proxy rotation and a breaker that fails fast after the platform
// rate-limits us.
type httpSource struct {
	platform domain.Platform
	client   *resty.Client
	rl       ratelimit.Limiter
	proxies  proxy.Supplier
	cooldown time.Duration

	mu          sync.RWMutex
	blockedTill time.Time
}

func newHTTPSource(platform domain.Platform, cfg config.PlatformConfig, proxies proxy.Supplier) *httpSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.MaxRequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	cooldown := cfg.RateLimitCooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept-Language", "en-US,en;q=0.8,zh-CN;q=0.5")

	if proxies != nil {
		if proxyURL := proxies.Get(); proxyURL != "" {
			client.SetProxy(proxyURL)
			log.Infof("🔗 %s using proxy %s", platform.GetPlatformName(), proxyURL)
		}
	}

	return &httpSource{
		platform: platform,
		client:   client,
		rl:       ratelimit.New(rps),
		proxies:  proxies,
		cooldown: cooldown,
	}
}

func (s *httpSource) breakerOpen() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	remaining := time.Until(s.blockedTill)
	return remaining, remaining > 0
}

func (s *httpSource) tripBreaker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedTill = time.Now().Add(s.cooldown)
	log.Warnf("🚫 %s rate limited, requests paused until %s",
		s.platform.GetPlatformName(), s.blockedTill.Format("15:04:05"))
}

// get issues one paced GET and maps failures onto the error taxonomy.
func (s *httpSource) get(ctx context.Context, url string, query map[string]string) (*resty.Response, error) {
	if remaining, open := s.breakerOpen(); open {
		return nil, ErrRateLimited{Err: fmt.Errorf("breaker open for %v more", remaining.Round(time.Second))}
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyError(err, 0)
	}

	s.rl.Take()

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(url)
	if err != nil {
		return nil, classifyError(err, 0)
	}

	if cerr := classifyError(nil, resp.StatusCode()); cerr != nil {
		var rateLimited ErrRateLimited
		if errors.As(cerr, &rateLimited) {
			s.rotateProxy()
			s.tripBreaker()
		}
		return nil, cerr
	}
	return resp, nil
}

func (s *httpSource) rotateProxy() {
	if s.proxies == nil || s.proxies.Len() < 2 {
		return
	}
	if next := s.proxies.Get(); next != "" {
		log.Infof("🔄 Switching %s to proxy %s", s.platform.GetPlatformName(), next)
		s.client.SetProxy(next)
	}
}

type searchTerm struct {
	Query    string
	Category string // category hint copied onto records that carry none
}

// searchTerms expands a task into the searches a platform understands:
// every category combined with every keyword, or each on its own when the
// other list is empty.
func searchTerms(t task.ScrapingTask) []searchTerm {
	switch {
	case len(t.Categories) == 0:
		out := make([]searchTerm, 0, len(t.Keywords))
		for _, k := range t.Keywords {
			out = append(out, searchTerm{Query: k})
		}
		return out
	case len(t.Keywords) == 0:
		out := make([]searchTerm, 0, len(t.Categories))
		for _, c := range t.Categories {
			out = append(out, searchTerm{Query: c, Category: c})
		}
		return out
	}
	out := make([]searchTerm, 0, len(t.Categories)*len(t.Keywords))
	for _, c := range t.Categories {
		for _, k := range t.Keywords {
			out = append(out, searchTerm{Query: c + " " + k, Category: c})
		}
	}
	return out
}
