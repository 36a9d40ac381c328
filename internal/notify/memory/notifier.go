// Package memory contains an in-memory notifier for tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/scrapeq/internal/crawl"
)

// Notifier records delivered events for inspection.
type Notifier struct {
	mu     sync.RWMutex
	events []crawl.CompletionEvent
	err    error
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Fail makes every subsequent Notify return err.
func (n *Notifier) Fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, event crawl.CompletionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

// Events returns the recorded deliveries.
func (n *Notifier) Events() []crawl.CompletionEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]crawl.CompletionEvent, len(n.events))
	copy(out, n.events)
	return out
}
