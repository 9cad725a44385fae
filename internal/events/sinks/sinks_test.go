package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/prl-harvester/internal/events"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/publisher/memory"
)

func batch() []events.Event {
	now := time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)
	ok := events.Result(harvest.JobResult{JobID: 1, StartTime: now, RecordCount: 5, DeletedRecordCount: 2}, now, time.Second)
	ok.ID = "evt-1"
	failed := events.Failure(2, harvest.Errorf(harvest.KindFetch, "list sets", "connection refused"), now, time.Second)
	failed.ID = "evt-2"
	return []events.Event{ok, failed}
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), batch()))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	require.Equal(t, "harvest succeeded", entries[0].Message)
	require.EqualValues(t, 5, entries[0].ContextMap()["records"])
	require.Equal(t, "harvest failed", entries[1].Message)
	require.Equal(t, "fetch", entries[1].ContextMap()["error_kind"])
}

func TestPublishSink(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "harvest-results")
	require.NoError(t, sink.Consume(context.Background(), batch()))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "harvest-results", msgs[0].Topic)
	evt, ok := msgs[1].Payload.(events.Event)
	require.True(t, ok)
	require.Equal(t, events.KindJobError, evt.Kind)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPublishSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	err := NewPublishSink(failingPublisher{}, "t").Consume(context.Background(), batch())
	require.Error(t, err)
	require.Contains(t, err.Error(), "job 1")
	require.Contains(t, err.Error(), "job 2")
}

func TestMetricsSink(t *testing.T) {
	beforeOK := counterValue(t, "harvester_jobs_total", "status", "success")
	beforeDeleted := counterValue(t, "harvester_records_total", "kind", "deleted")

	require.NoError(t, NewMetricsSink().Consume(context.Background(), batch()))

	require.InDelta(t, 1, counterValue(t, "harvester_jobs_total", "status", "success")-beforeOK, 1e-9)
	require.InDelta(t, 2, counterValue(t, "harvester_records_total", "kind", "deleted")-beforeDeleted, 1e-9)
}

func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
