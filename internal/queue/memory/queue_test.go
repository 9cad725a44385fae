package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

func TestQueueTryEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan harvest.Fire, 1)
	errCh := make(chan error, 1)

	go func() {
		fire, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- fire
	}()

	require.NoError(t, q.TryEnqueue(harvest.Fire{JobID: 1, Generation: 3}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, 1, got.JobID)
		require.EqualValues(t, 3, got.Generation)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return fire")
	}
}

func TestQueueTryEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.TryEnqueue(harvest.Fire{JobID: 1}))
	require.ErrorIs(t, q.TryEnqueue(harvest.Fire{JobID: 2}), ErrFull)
	require.Equal(t, 1, q.Len())
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.TryEnqueue(harvest.Fire{JobID: 1}))
	q.Close()
	q.Close()

	fire, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fire.JobID)
	_, err = q.Dequeue(context.Background())
	require.True(t, errors.Is(err, ErrClosed))
	require.ErrorIs(t, q.TryEnqueue(harvest.Fire{}), ErrClosed)
}
