package sinks

import (
	"context"

	"github.com/JakeFAU/prl-harvester/internal/events"
	"github.com/JakeFAU/prl-harvester/internal/metrics"
)

// MetricsSink counts runs and records.
type MetricsSink struct{}

// NewMetricsSink returns a MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume records job outcomes, durations and record counts.
func (MetricsSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		metrics.ObserveJob(evt.Status(), evt.Duration)
		if evt.Result != nil {
			metrics.ObserveRecords(evt.Result.RecordCount, evt.Result.DeletedRecordCount)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (MetricsSink) Close(context.Context) error {
	return nil
}
