// Package dispatcher fans out worker loops inside one process.
package dispatcher

import (
	"context"
	"sync"

	"github.com/JakeFAU/scrapeq/internal/worker"
)

// Dispatcher runs a pool of workers against the shared store. Each worker
// keeps its own identity; cross-process scaling needs no coordination
// beyond the store's atomic pop, so this pool is purely a convenience for
// packing several loops into a single deployment unit.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Run starts all workers and blocks until the context finishes and every
// loop has drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
