// Package collyfetcher implements crawl.FetchClient using gocolly, for
// deployments that fetch directly instead of going through a proxy vendor.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrapeq/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher wraps a base Colly collector. Each Fetch clones the base so
// per-call state never leaks between jobs.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: c}
}

// Fetch executes a single HTTP GET. Vendor-style params are accepted for
// interface compatibility but ignored; direct fetches have no proxy knobs.
func (f *Fetcher) Fetch(ctx context.Context, target string, _ map[string]any) (crawl.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return crawl.FetchResult{}, err
	}

	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		result   crawl.FetchResult
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		result = crawl.FetchResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       r.Body,
			Metadata:   responseMetadata(r),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch %s: %w", target, err)
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("fetch %s: status %d: %w", target, r.StatusCode, err)
		}
	})

	start := time.Now()
	if err := collector.Visit(target); err != nil {
		return crawl.FetchResult{}, fmt.Errorf("visit %s: %w", target, err)
	}
	collector.Wait()
	if fetchErr != nil {
		return crawl.FetchResult{}, fetchErr
	}
	result.Duration = time.Since(start)
	return result, nil
}

func responseMetadata(r *colly.Response) map[string]string {
	if r.Headers == nil {
		return nil
	}
	meta := make(map[string]string)
	for _, key := range []string{"Content-Type", "Last-Modified", "Etag"} {
		if v := r.Headers.Get(key); v != "" {
			meta[key] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// newHTTPTransport builds a transport with conservative pooling so many
// workers in one process do not exhaust file descriptors.
func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
