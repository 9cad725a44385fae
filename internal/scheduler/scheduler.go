// Package scheduler keeps one cron trigger per harvest job and runs jobs when
// their triggers fire.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/dispatcher"
	"github.com/JakeFAU/prl-harvester/internal/events"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/metrics"
	"github.com/JakeFAU/prl-harvester/internal/queue/memory"
)

const (
	defaultWorkers    = 4
	defaultQueueDepth = 64
)

// Skip reasons recorded when a fire does not lead to a run.
const (
	skipUnscheduled = "unscheduled"
	skipSuperseded  = "superseded"
	skipOverlap     = "overlap"
	skipClosed      = "closed"
	skipQueueFull   = "queue_full"
)

// Runner executes one harvest of a job.
type Runner interface {
	Run(ctx context.Context, job harvest.Job) (harvest.JobResult, error)
}

// JobStore is the part of the schedule store the scheduler needs.
type JobStore interface {
	ListJobs(ctx context.Context) ([]harvest.Job, error)
	SetLastSuccessfulRun(ctx context.Context, id int, at time.Time) error
}

// Config tunes dispatch.
type Config struct {
	Workers    int
	QueueDepth int
	// Location interprets cron expressions; nil means time.Local.
	Location *time.Location
}

// Deps are the scheduler's collaborators. They are fixed for its lifetime.
type Deps struct {
	Executor Runner
	Store    JobStore
	Events   events.Emitter
	Clock    harvest.Clock
	IDs      harvest.IDGenerator
	Logger   *zap.Logger
}

type state int

const (
	stateStopped state = iota
	stateRunning
	stateClosed
)

type trigger struct {
	entryID    cron.EntryID
	expr       string
	schedule   cron.Schedule
	snapshot   []byte
	generation uint64
}

// Scheduler owns the trigger table. All methods are safe for concurrent use.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	cron       *cron.Cron
	queue      *memory.Queue
	dispatcher *dispatcher.Dispatcher

	mu       sync.RWMutex
	state    state
	triggers map[int]*trigger
	running  map[int]bool
	lastGen  uint64

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

// New builds a stopped Scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	if deps.Events == nil {
		deps.Events = events.EmitterFunc(func(events.Event) {})
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		cfg:  cfg,
		deps: deps,
		log:  logger,
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		queue:    memory.NewQueue(cfg.QueueDepth),
		triggers: make(map[int]*trigger),
		running:  make(map[int]bool),
	}
	s.dispatcher = dispatcher.NewPool(s.queue, cfg.Workers, s, logger)
	return s
}

// Start schedules every stored job, then starts cron and the dispatch workers.
// Jobs whose expression no longer parses are logged and skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	if st != stateStopped {
		return harvest.Errorf(harvest.KindScheduling, "start scheduler", "scheduler is not stopped")
	}

	jobs, err := s.deps.Store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate jobs: %w", err)
	}
	scheduled := 0
	for _, job := range jobs {
		if err := s.ScheduleOrReplace(job, true); err != nil {
			s.log.Error("skipping job with invalid schedule",
				zap.Intp("job_id", job.ID),
				zap.String("expression", job.ScheduleCronExpression),
				zap.Error(err),
			)
			continue
		}
		scheduled++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateStopped {
		return harvest.Errorf(harvest.KindScheduling, "start scheduler", "scheduler is not stopped")
	}
	dispatchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.dispatchCancel = cancel
	s.dispatchDone = make(chan struct{})
	go func() {
		defer close(s.dispatchDone)
		s.dispatcher.Run(dispatchCtx)
	}()
	s.cron.Start()
	s.state = stateRunning
	s.log.Info("scheduler started", zap.Int("jobs", len(jobs)), zap.Int("scheduled", scheduled), zap.Int("workers", s.cfg.Workers))
	return nil
}

// ScheduleOrReplace installs a trigger for job. With allowReplace false an
// existing trigger is an error; otherwise it is swapped atomically and the old
// trigger never fires again. Nothing runs immediately.
func (s *Scheduler) ScheduleOrReplace(job harvest.Job, allowReplace bool) error {
	const op = "schedule job"
	if job.ID == nil {
		return harvest.Errorf(harvest.KindValidation, op, "job has no id")
	}
	jobID := *job.ID
	sched, err := Parse(job.ScheduleCronExpression)
	if err != nil {
		return harvest.E(harvest.KindScheduling, op, err)
	}
	snapshot, err := json.Marshal(job)
	if err != nil {
		return harvest.E(harvest.KindInternal, op, fmt.Errorf("snapshot job %d: %w", jobID, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return harvest.Errorf(harvest.KindScheduling, op, "scheduler is closed")
	}
	prev, exists := s.triggers[jobID]
	if exists && !allowReplace {
		return harvest.Errorf(harvest.KindScheduling, op, "job %d is already scheduled", jobID)
	}

	s.lastGen++
	gen := s.lastGen
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(jobID, gen) }))
	if exists {
		s.cron.Remove(prev.entryID)
	}
	s.triggers[jobID] = &trigger{
		entryID:    entryID,
		expr:       job.ScheduleCronExpression,
		schedule:   sched,
		snapshot:   snapshot,
		generation: gen,
	}
	metrics.SetTriggers(len(s.triggers))
	s.log.Debug("trigger installed", zap.Int("job_id", jobID), zap.String("expression", job.ScheduleCronExpression), zap.Bool("replaced", exists))
	return nil
}

// Unschedule removes the job's trigger. A run already in progress finishes.
func (s *Scheduler) Unschedule(jobID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[jobID]
	if !ok {
		return harvest.Errorf(harvest.KindNotFound, "unschedule job", "job %d is not scheduled", jobID)
	}
	s.cron.Remove(t.entryID)
	delete(s.triggers, jobID)
	metrics.SetTriggers(len(s.triggers))
	return nil
}

// RunNow queues a manual run of a scheduled job.
func (s *Scheduler) RunNow(_ context.Context, jobID int) error {
	const op = "run job now"
	s.mu.RLock()
	t, ok := s.triggers[jobID]
	st := s.state
	var gen uint64
	if ok {
		gen = t.generation
	}
	s.mu.RUnlock()
	if !ok {
		return harvest.Errorf(harvest.KindNotFound, op, "job %d is not scheduled", jobID)
	}
	if st != stateRunning {
		return harvest.Errorf(harvest.KindScheduling, op, "scheduler is not running")
	}
	fire := harvest.Fire{JobID: jobID, Generation: gen, FiredAt: s.deps.Clock.Now(), Manual: true}
	if err := s.queue.TryEnqueue(fire); err != nil {
		return harvest.E(harvest.KindScheduling, op, err)
	}
	return nil
}

// Triggers lists live triggers ordered by job id.
func (s *Scheduler) Triggers() []harvest.TriggerInfo {
	now := s.deps.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.TriggerInfo, 0, len(s.triggers))
	for id, t := range s.triggers {
		out = append(out, harvest.TriggerInfo{
			JobID:      id,
			Expression: t.expr,
			Next:       t.schedule.Next(now.In(s.cfg.Location)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Running reports whether Start has completed and Close has not been called.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == stateRunning
}

// Close removes every trigger and stops cron, then stops dispatching. Queued
// fires are dropped; runs in progress finish and Close waits for them unless
// ctx ends first.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	alreadyClosed := s.state == stateClosed
	s.state = stateClosed
	for id, t := range s.triggers {
		s.cron.Remove(t.entryID)
		delete(s.triggers, id)
	}
	cancel, done := s.dispatchCancel, s.dispatchDone
	s.mu.Unlock()
	metrics.SetTriggers(0)

	if !alreadyClosed {
		s.cron.Stop()
		if cancel != nil {
			cancel()
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler close wait: %w", ctx.Err())
		}
	}
	s.queue.Close()
	if !alreadyClosed {
		s.log.Info("scheduler closed")
	}
	return nil
}

func (s *Scheduler) fire(jobID int, gen uint64) {
	fire := harvest.Fire{JobID: jobID, Generation: gen, FiredAt: s.deps.Clock.Now()}
	if err := s.queue.TryEnqueue(fire); err != nil {
		reason := skipQueueFull
		if errors.Is(err, memory.ErrClosed) {
			reason = skipClosed
		}
		metrics.ObserveSkippedFire(reason)
		s.log.Warn("dropping fire", zap.Int("job_id", jobID), zap.String("reason", reason))
	}
}

// Handle runs the job behind fire. It implements worker.Handler.
func (s *Scheduler) Handle(ctx context.Context, fire harvest.Fire) {
	job, gen, ok := s.claim(fire)
	if !ok {
		return
	}
	defer s.release(fire.JobID)

	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	log := s.log.With(zap.Int("job_id", fire.JobID), zap.Bool("manual", fire.Manual))
	started := s.deps.Clock.Now()
	result, err := s.deps.Executor.Run(ctx, job)
	if err == nil {
		err = s.recordSuccess(ctx, fire.JobID, gen, job, result)
	}
	dur := s.deps.Clock.Now().Sub(started)

	var evt events.Event
	if err != nil {
		log.Warn("harvest run failed", zap.String("error_kind", harvest.KindOf(err).String()), zap.Error(err))
		evt = events.Failure(fire.JobID, err, s.deps.Clock.Now(), dur)
	} else {
		evt = events.Result(result, s.deps.Clock.Now(), dur)
	}
	evt.Manual = fire.Manual
	if s.deps.IDs != nil {
		if id, idErr := s.deps.IDs.NewID(); idErr == nil {
			evt.ID = id
		}
	}
	s.deps.Events.Emit(evt)
}

// claim marks the job as running and returns its snapshot, or reports why the
// fire is skipped.
func (s *Scheduler) claim(fire harvest.Fire) (harvest.Job, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason := ""
	t, ok := s.triggers[fire.JobID]
	switch {
	case s.state == stateClosed:
		reason = skipClosed
	case !ok:
		reason = skipUnscheduled
	case t.generation != fire.Generation:
		reason = skipSuperseded
	case s.running[fire.JobID]:
		reason = skipOverlap
	}
	if reason != "" {
		metrics.ObserveSkippedFire(reason)
		s.log.Debug("skipping fire", zap.Int("job_id", fire.JobID), zap.String("reason", reason))
		return harvest.Job{}, 0, false
	}
	var job harvest.Job
	if err := json.Unmarshal(t.snapshot, &job); err != nil {
		s.log.Error("corrupt job snapshot", zap.Int("job_id", fire.JobID), zap.Error(err))
		return harvest.Job{}, 0, false
	}
	s.running[fire.JobID] = true
	return job, t.generation, true
}

func (s *Scheduler) release(jobID int) {
	s.mu.Lock()
	delete(s.running, jobID)
	s.mu.Unlock()
}

// recordSuccess persists the run's start time unless the trigger was replaced
// or removed while the run was in flight. The store write happens under s.mu
// so a concurrent ScheduleOrReplace cannot interleave with it. Runs finishing
// during Close still record.
func (s *Scheduler) recordSuccess(ctx context.Context, jobID int, gen uint64, job harvest.Job, result harvest.JobResult) error {
	start := result.StartTime
	job.LastSuccessfulRun = &start
	snapshot, err := json.Marshal(job)
	if err != nil {
		return harvest.E(harvest.KindInternal, "snapshot job", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[jobID]
	switch {
	case ok && t.generation != gen:
		s.log.Info("not recording run of replaced trigger", zap.Int("job_id", jobID), zap.String("reason", skipSuperseded))
		return nil
	case !ok && s.state != stateClosed:
		s.log.Info("not recording run of removed trigger", zap.Int("job_id", jobID), zap.String("reason", skipUnscheduled))
		return nil
	}
	if err := s.deps.Store.SetLastSuccessfulRun(ctx, jobID, start); err != nil {
		return fmt.Errorf("record last successful run: %w", err)
	}
	if ok {
		t.snapshot = snapshot
	}
	return nil
}
