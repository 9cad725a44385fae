// Package worker runs the dequeue loop that hands fires to a handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/queue/memory"
)

// Handler processes one fire.
type Handler interface {
	Handle(ctx context.Context, fire harvest.Fire)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, fire harvest.Fire)

// Handle calls f(ctx, fire).
func (f HandlerFunc) Handle(ctx context.Context, fire harvest.Fire) { f(ctx, fire) }

// Worker consumes fires one at a time.
type Worker struct {
	id      int
	queue   harvest.FireQueue
	handler Handler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, queue harvest.FireQueue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		handler: handler,
		logger:  logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming fires until the context finishes or the queue closes.
// A fire that was dequeued is handled to completion even if ctx ends meanwhile.
func (w *Worker) Run(ctx context.Context) {
	for {
		fire, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued fire", zap.Int("job_id", fire.JobID), zap.Bool("manual", fire.Manual))
		w.handle(context.WithoutCancel(ctx), fire)
	}
}

func (w *Worker) handle(ctx context.Context, fire harvest.Fire) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("fire handler panicked",
				zap.Int("job_id", fire.JobID),
				zap.Error(fmt.Errorf("panic: %v", r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	w.handler.Handle(ctx, fire)
}
