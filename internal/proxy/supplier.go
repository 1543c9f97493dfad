package proxy

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"resty.dev/v3"
)

// Supplier hands out proxy URLs in round-robin order. Get returns "" when
// no proxy is configured.
type Supplier interface {
	Get() string
	Len() int
}

type supplier struct {
	proxies []string
	current int
	mutex   sync.Mutex
}

const probeParallelism = 16

// NewSupplier probes every proxy against testURL and keeps the ones that
// answer. An empty testURL skips probing.
func NewSupplier(ctx context.Context, proxies []string, testURL string) Supplier {
	if len(proxies) == 0 || testURL == "" {
		return &supplier{proxies: append([]string(nil), proxies...)}
	}

	log.Infof("🔄 Probing %d proxies against %s", len(proxies), testURL)

	working := make([]bool, len(proxies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)
	for i, proxyURL := range proxies {
		g.Go(func() error {
			working[i] = probe(gctx, proxyURL, testURL)
			return nil
		})
	}
	_ = g.Wait()

	valid := make([]string, 0, len(proxies))
	for i, ok := range working {
		if ok {
			valid = append(valid, proxies[i])
		}
	}

	log.Infof("✅ Proxy supplier ready with %d of %d proxies", len(valid), len(proxies))
	return &supplier{proxies: valid}
}

func (p *supplier) Get() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.proxies) == 0 {
		return ""
	}

	proxy := p.proxies[p.current]
	p.current = (p.current + 1) % len(p.proxies)
	return proxy
}

func (p *supplier) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.proxies)
}

func probe(ctx context.Context, proxyURL, testURL string) bool {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(0).
		SetProxy(proxyURL)

	resp, err := client.R().
		SetContext(ctx).
		Head(testURL)
	if err != nil {
		log.Debugf("❌ Proxy %s failed: %v", proxyURL, err)
		return false
	}
	if resp.IsError() {
		log.Debugf("❌ Proxy %s answered %s", proxyURL, resp.Status())
		return false
	}
	return true
}
