// Package dispatcher manages worker fan-out over the fire queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/worker"
)

// Dispatcher fans out queued fires to a pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// NewPool creates a Dispatcher with n workers sharing handler.
func NewPool(queue harvest.FireQueue, n int, handler worker.Handler, logger *zap.Logger) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	workers := make([]*worker.Worker, n)
	for i := range workers {
		workers[i] = worker.New(i+1, queue, handler, logger)
	}
	return New(workers)
}

// Run starts all workers and blocks until every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}
