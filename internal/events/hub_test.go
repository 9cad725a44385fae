package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleResult(1))
	hub.Emit(sampleResult(2))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleResult(1))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleResult(1))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 0, hub.dropped.Load())
}

func TestHubFlushOnCloseAndDiscardInvalid(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Kind: KindJobResult})
	hub.Emit(Failure(3, harvest.Errorf(harvest.KindFetch, "list sets", "connection refused"), time.Now(), time.Second))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, KindJobError, batches[0][0].Kind)
	require.Equal(t, "fetch", batches[0][0].ErrorKind)
	require.True(t, sink.closed)

	// Emits after Close are ignored.
	hub.Emit(sampleResult(4))
	require.Len(t, sink.Batches(), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleResult(1).Validate())
	require.Error(t, Event{Kind: KindJobResult, JobID: 1, TS: time.Now()}.Validate())
	require.Error(t, Event{Kind: KindJobError, JobID: 1, TS: time.Now()}.Validate())
	require.Error(t, Event{Kind: "other", JobID: 1, TS: time.Now()}.Validate())
	require.Error(t, Failure(0, errors.New("x"), time.Now(), 0).Validate())
	require.Equal(t, "success", sampleResult(1).Status())
	require.Equal(t, "error", Failure(1, errors.New("x"), time.Now(), 0).Status())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func sampleResult(jobID int) Event {
	now := time.Now()
	return Result(harvest.JobResult{JobID: jobID, StartTime: now, RecordCount: 5}, now, time.Second)
}
