// Package scrapingbee implements crawl.FetchClient against the ScrapingBee
// proxy API. The client owns retry/backoff for transient failures; any
// error it returns is terminal for the job.
package scrapingbee

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawl"
)

// DefaultBaseURL is the public ScrapingBee endpoint.
const DefaultBaseURL = "https://app.scrapingbee.com/api/v1/"

// Config controls the client.
type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     BackoffPolicy
}

// Client calls the proxy vendor over plain HTTP. Submission params are
// passed through as query parameters unmodified, so callers can use any
// vendor knob (render_js, premium_proxy, country_code, ...) without this
// package knowing about it.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a Client. A missing API key is deferred to Fetch time so the
// binary can start without vendor credentials in dev setups.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Fetch retrieves the URL through the proxy, retrying transient failures
// (network errors and vendor 5xx) with jittered exponential backoff.
func (c *Client) Fetch(ctx context.Context, target string, params map[string]any) (crawl.FetchResult, error) {
	if c.cfg.APIKey == "" {
		return crawl.FetchResult{}, fmt.Errorf("scrapingbee: no API key configured")
	}

	reqURL, err := c.buildURL(target, params)
	if err != nil {
		return crawl.FetchResult{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.cfg.Backoff.Delay(attempt-1)); err != nil {
				return crawl.FetchResult{}, err
			}
		}
		start := time.Now()
		result, retryable, err := c.doRequest(ctx, reqURL, target)
		if err == nil {
			result.Duration = time.Since(start)
			return result, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
		c.logger.Warn("scrapingbee request failed, retrying",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return crawl.FetchResult{}, fmt.Errorf("scrapingbee fetch %s: %w", target, lastErr)
}

// doRequest performs one attempt. The bool reports whether the failure is
// worth retrying.
func (c *Client) doRequest(ctx context.Context, reqURL, target string) (crawl.FetchResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return crawl.FetchResult{}, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crawl.FetchResult{}, true, fmt.Errorf("proxy request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return crawl.FetchResult{}, true, fmt.Errorf("read proxy response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return crawl.FetchResult{
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       body,
			Metadata:   vendorMetadata(resp.Header),
		}, false, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return crawl.FetchResult{}, true, fmt.Errorf("proxy returned %d: %s", resp.StatusCode, truncate(body, 200))
	default:
		// 4xx means the vendor rejected the request itself; retrying the
		// same parameters cannot help.
		return crawl.FetchResult{}, false, fmt.Errorf("proxy returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

func (c *Client) buildURL(target string, params map[string]any) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := base.Query()
	q.Set("api_key", c.cfg.APIKey)
	q.Set("url", target)
	for k, v := range params {
		q.Set(k, fmt.Sprintf("%v", v))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// vendorMetadata keeps the Spb-* response headers ScrapingBee uses to
// report resolved URL and credit cost.
func vendorMetadata(h http.Header) map[string]string {
	meta := make(map[string]string)
	for _, key := range []string{"Spb-Resolved-Url", "Spb-Cost", "Spb-Initial-Status-Code", "Content-Type"} {
		if v := h.Get(key); v != "" {
			meta[key] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
