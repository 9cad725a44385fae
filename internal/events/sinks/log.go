package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/events"
)

// LogSink writes one structured log line per run event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("runs")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event_id", evt.ID),
			zap.Int("job_id", evt.JobID),
			zap.Bool("manual", evt.Manual),
			zap.Duration("dur", evt.Duration),
		}
		if evt.Result != nil {
			s.logger.Info("harvest succeeded", append(fields,
				zap.Time("start_time", evt.Result.StartTime),
				zap.Int("records", evt.Result.RecordCount),
				zap.Int("deleted_records", evt.Result.DeletedRecordCount),
			)...)
			continue
		}
		s.logger.Error("harvest failed", append(fields,
			zap.String("error_kind", evt.ErrorKind),
			zap.String("error", evt.Error),
		)...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
