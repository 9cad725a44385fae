package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

// Kind tells a successful run apart from a failed one.
type Kind string

// Supported event kinds.
const (
	KindJobResult Kind = "job_result"
	KindJobError  Kind = "job_error"
)

// Event is the outcome of one harvest run.
type Event struct {
	ID        string             `json:"id"`
	Kind      Kind               `json:"kind"`
	JobID     int                `json:"jobID"`
	TS        time.Time          `json:"ts"`
	Manual    bool               `json:"manual"`
	Duration  time.Duration      `json:"durationNanos"`
	Result    *harvest.JobResult `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorKind string             `json:"errorKind,omitempty"`
}

// Result builds the event for a successful run.
func Result(res harvest.JobResult, ts time.Time, dur time.Duration) Event {
	return Event{
		Kind:     KindJobResult,
		JobID:    res.JobID,
		TS:       ts,
		Duration: dur,
		Result:   &res,
	}
}

// Failure builds the event for a failed run.
func Failure(jobID int, err error, ts time.Time, dur time.Duration) Event {
	evt := Event{
		Kind:      KindJobError,
		JobID:     jobID,
		TS:        ts,
		Duration:  dur,
		ErrorKind: harvest.KindOf(err).String(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	return evt
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID <= 0 {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobResult:
		if e.Result == nil {
			return errors.New("job result event requires a result")
		}
	case KindJobError:
		if e.Error == "" {
			return errors.New("job error event requires an error")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Status labels the event for metrics and logs.
func (e Event) Status() string {
	if e.Kind == KindJobResult {
		return "success"
	}
	return "error"
}
