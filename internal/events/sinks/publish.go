package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/prl-harvester/internal/events"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

// PublishSink forwards each event to a topic.
type PublishSink struct {
	publisher harvest.Publisher
	topic     string
}

// NewPublishSink builds a sink publishing to topic.
func NewPublishSink(publisher harvest.Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic}
}

// Consume publishes every event, continuing past failures.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish event for job %d: %w", evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
