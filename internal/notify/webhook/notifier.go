// Package webhook delivers completion events to per-job callback URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/scrapeq/internal/crawl"
)

// Notifier POSTs the completion event as JSON to the job's callback URL.
// Delivery is best-effort; the worker logs failures and moves on.
type Notifier struct {
	httpClient *http.Client
}

// New builds a Notifier. Timeout defaults to ten seconds so a dead
// callback endpoint cannot stall a worker between jobs.
func New(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{httpClient: &http.Client{Timeout: timeout}}
}

// Notify delivers one event. Any non-2xx response is an error.
func (n *Notifier) Notify(ctx context.Context, event crawl.CompletionEvent) error {
	if event.CallbackURL == "" {
		return fmt.Errorf("completion event has no callback url")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
