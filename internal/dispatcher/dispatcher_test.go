package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/queue/memory"
	"github.com/JakeFAU/prl-harvester/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin dequeuing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	dispatch := NewPool(queue, 2, worker.HandlerFunc(func(context.Context, harvest.Fire) {}), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherSpreadsFires verifies several workers drain the same queue.
func TestDispatcherSpreadsFires(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(10)
	var handled atomic.Int32
	dispatch := NewPool(q, 3, worker.HandlerFunc(func(context.Context, harvest.Fire) {
		handled.Add(1)
	}), nil)
	for i := 1; i <= 6; i++ {
		require.NoError(t, q.TryEnqueue(harvest.Fire{JobID: i}))
	}
	q.Close()
	dispatch.Run(context.Background())
	require.EqualValues(t, 6, handled.Load())
}

// TestDispatcherWithoutWorkersReturns verifies Run does not block on an empty pool.
func TestDispatcherWithoutWorkersReturns(t *testing.T) {
	t.Parallel()

	New(nil).Run(context.Background())
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Dequeue(ctx context.Context) (harvest.Fire, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return harvest.Fire{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}
