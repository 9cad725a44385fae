// Package service keeps the schedule store, the scheduler and the search index
// consistent when institutions and jobs change.
package service

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/events"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

// Scheduler is the part of the job scheduler the service drives.
type Scheduler interface {
	ScheduleOrReplace(job harvest.Job, allowReplace bool) error
	Unschedule(jobID int) error
	RunNow(ctx context.Context, jobID int) error
	Triggers() []harvest.TriggerInfo
}

// Runner executes one harvest of a job.
type Runner interface {
	Run(ctx context.Context, job harvest.Job) (harvest.JobResult, error)
}

// Deps are the service's collaborators.
type Deps struct {
	Store     harvest.ScheduleStore
	Scheduler Scheduler
	Source    harvest.MetadataSource
	Index     harvest.SearchIndex
	Runner    Runner
	Events    events.Emitter
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
	Logger    *zap.Logger
}

// Service implements the institution and job operations exposed by the API and CLI.
type Service struct {
	deps Deps
	log  *zap.Logger
}

// New builds a Service.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.EmitterFunc(func(events.Event) {})
	}
	return &Service{deps: deps, log: logger.Named("service")}
}

// GetInstitution returns one institution.
func (s *Service) GetInstitution(ctx context.Context, id int) (harvest.Institution, error) {
	return s.deps.Store.GetInstitution(ctx, id)
}

// ListInstitutions returns every institution.
func (s *Service) ListInstitutions(ctx context.Context) ([]harvest.Institution, error) {
	return s.deps.Store.ListInstitutions(ctx)
}

// AddInstitutions stores and indexes insts. Nothing is stored unless all of
// them validate, and stored institutions are removed again if indexing fails.
func (s *Service) AddInstitutions(ctx context.Context, insts []harvest.Institution) ([]harvest.Institution, error) {
	if len(insts) == 0 {
		return nil, harvest.Errorf(harvest.KindValidation, "add institutions", "no institutions given")
	}
	for i, inst := range insts {
		if err := inst.Validate(); err != nil {
			return nil, fmt.Errorf("institution %d: %w", i, err)
		}
	}

	added := make([]harvest.Institution, 0, len(insts))
	docs := make([]harvest.IndexDocument, 0, len(insts))
	for _, inst := range insts {
		inst.ID = nil
		inst = inst.Normalized()
		id, err := s.deps.Store.AddInstitution(ctx, inst)
		if err != nil {
			s.removeInstitutions(ctx, added)
			return nil, fmt.Errorf("store institution %q: %w", inst.Name, err)
		}
		stored := inst.WithID(id)
		added = append(added, stored)
		docs = append(docs, stored.IndexDocument())
	}

	if err := s.writeIndex(ctx, func(ctx context.Context) error {
		return s.deps.Index.AddDocuments(ctx, docs)
	}); err != nil {
		s.removeInstitutions(ctx, added)
		return nil, err
	}
	s.log.Info("institutions added", zap.Int("count", len(added)))
	return added, nil
}

func (s *Service) removeInstitutions(ctx context.Context, insts []harvest.Institution) {
	ctx = context.WithoutCancel(ctx)
	for _, inst := range insts {
		if err := s.deps.Store.RemoveInstitution(ctx, *inst.ID); err != nil {
			s.log.Error("undo institution insert failed", zap.Int("institution_id", *inst.ID), zap.Error(err))
		}
	}
}

// UpdateInstitution replaces the stored institution and re-indexes its document.
func (s *Service) UpdateInstitution(ctx context.Context, id int, inst harvest.Institution) (harvest.Institution, error) {
	if err := inst.Validate(); err != nil {
		return harvest.Institution{}, err
	}
	inst = inst.Normalized().WithID(id)
	if err := s.deps.Store.UpdateInstitution(ctx, id, inst); err != nil {
		return harvest.Institution{}, fmt.Errorf("update institution %d: %w", id, err)
	}
	if err := s.writeIndex(ctx, func(ctx context.Context) error {
		return s.deps.Index.AddDocuments(ctx, []harvest.IndexDocument{inst.IndexDocument()})
	}); err != nil {
		return harvest.Institution{}, err
	}
	return inst, nil
}

// RemoveInstitution removes the institution, its jobs and every document it owns.
func (s *Service) RemoveInstitution(ctx context.Context, id int) error {
	inst, err := s.deps.Store.GetInstitution(ctx, id)
	if err != nil {
		return fmt.Errorf("get institution %d: %w", id, err)
	}
	jobs, err := s.deps.Store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.InstitutionID != id {
			continue
		}
		if err := s.deps.Store.RemoveJob(ctx, *job.ID); err != nil {
			return fmt.Errorf("remove job %d: %w", *job.ID, err)
		}
		s.unschedule(*job.ID)
	}
	if err := s.deps.Store.RemoveInstitution(ctx, id); err != nil {
		return fmt.Errorf("remove institution %d: %w", id, err)
	}
	return s.writeIndex(ctx, func(ctx context.Context) error {
		q := harvest.Query{Must: []harvest.Term{{Field: "institutionName", Value: inst.Name}}}
		if err := s.deps.Index.DeleteByQuery(ctx, q); err != nil {
			return err
		}
		return s.deps.Index.DeleteByIDs(ctx, []string{harvest.InstitutionDocumentID(id)})
	})
}

// GetJob returns one job.
func (s *Service) GetJob(ctx context.Context, id int) (harvest.Job, error) {
	return s.deps.Store.GetJob(ctx, id)
}

// ListJobs returns every job.
func (s *Service) ListJobs(ctx context.Context) ([]harvest.Job, error) {
	return s.deps.Store.ListJobs(ctx)
}

// AddJob validates job against its institution and repository, stores it and
// schedules it. The job is removed again if it cannot be scheduled.
func (s *Service) AddJob(ctx context.Context, job harvest.Job) (harvest.Job, error) {
	if err := job.Validate(); err != nil {
		return harvest.Job{}, err
	}
	if _, err := s.institutionFor(ctx, job); err != nil {
		return harvest.Job{}, err
	}
	if err := s.checkRepository(ctx, job); err != nil {
		return harvest.Job{}, err
	}

	job.ID = nil
	job.LastSuccessfulRun = nil
	id, err := s.deps.Store.AddJob(ctx, job)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("store job: %w", err)
	}
	job = job.WithID(id)
	if err := s.deps.Scheduler.ScheduleOrReplace(job, false); err != nil {
		if rmErr := s.deps.Store.RemoveJob(context.WithoutCancel(ctx), id); rmErr != nil {
			s.log.Error("undo job insert failed", zap.Int("job_id", id), zap.Error(rmErr))
		}
		return harvest.Job{}, fmt.Errorf("schedule job %d: %w", id, err)
	}
	s.log.Info("job added", zap.Int("job_id", id), zap.String("schedule", job.ScheduleCronExpression))
	return job, nil
}

// UpdateJob replaces a job and its trigger. The stored last successful run is
// kept unless the update widens what is harvested. Documents of sets the job no
// longer harvests are deleted.
func (s *Service) UpdateJob(ctx context.Context, id int, job harvest.Job) (harvest.Job, error) {
	if err := job.Validate(); err != nil {
		return harvest.Job{}, err
	}
	prev, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	if prev.InstitutionID != job.InstitutionID {
		return harvest.Job{}, harvest.Errorf(harvest.KindValidation, "update job", "institutionID cannot change")
	}
	inst, err := s.institutionFor(ctx, job)
	if err != nil {
		return harvest.Job{}, err
	}
	if err := s.checkRepository(ctx, job); err != nil {
		return harvest.Job{}, err
	}

	job = job.WithID(id)
	job.LastSuccessfulRun = prev.LastSuccessfulRun
	if widens(prev, job) {
		job.LastSuccessfulRun = nil
	}
	if err := s.deps.Store.UpdateJob(ctx, id, job); err != nil {
		return harvest.Job{}, fmt.Errorf("update job %d: %w", id, err)
	}
	if err := s.deps.Scheduler.ScheduleOrReplace(job, true); err != nil {
		if rbErr := s.deps.Store.UpdateJob(context.WithoutCancel(ctx), id, prev); rbErr != nil {
			s.log.Error("restore job failed", zap.Int("job_id", id), zap.Error(rbErr))
		}
		return harvest.Job{}, fmt.Errorf("schedule job %d: %w", id, err)
	}

	if dropped := droppedSets(prev, job); len(dropped) > 0 {
		if err := s.deleteSetDocuments(ctx, inst.Name, dropped); err != nil {
			return harvest.Job{}, err
		}
	}
	return job, nil
}

// RemoveJob removes the job, its trigger and the documents it harvested.
func (s *Service) RemoveJob(ctx context.Context, id int) error {
	job, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job %d: %w", id, err)
	}
	inst, err := s.deps.Store.GetInstitution(ctx, job.InstitutionID)
	if err != nil {
		return fmt.Errorf("get institution %d: %w", job.InstitutionID, err)
	}
	if err := s.deps.Store.RemoveJob(ctx, id); err != nil {
		return fmt.Errorf("remove job %d: %w", id, err)
	}
	s.unschedule(id)

	sets := job.Sets
	if len(sets) == 0 {
		all, err := s.deps.Source.ListSets(ctx, job.RepositoryBaseURL)
		if err != nil {
			s.log.Warn("cannot list sets, leaving documents in place", zap.Int("job_id", id), zap.Error(err))
			return nil
		}
		sets = harvest.SetSpecs(all)
	}
	if len(sets) == 0 {
		return nil
	}
	return s.deleteSetDocuments(ctx, inst.Name, sets)
}

// RunJobNow queues an immediate run of a scheduled job.
func (s *Service) RunJobNow(ctx context.Context, id int) error {
	return s.deps.Scheduler.RunNow(ctx, id)
}

// Triggers lists the live triggers.
func (s *Service) Triggers() []harvest.TriggerInfo {
	return s.deps.Scheduler.Triggers()
}

// HarvestOnce runs a stored job synchronously, records its success and emits
// the run event.
func (s *Service) HarvestOnce(ctx context.Context, id int) (harvest.JobResult, error) {
	job, err := s.deps.Store.GetJob(ctx, id)
	if err != nil {
		return harvest.JobResult{}, fmt.Errorf("get job %d: %w", id, err)
	}
	started := s.deps.Clock.Now()
	result, err := s.deps.Runner.Run(ctx, job)
	if err == nil {
		if setErr := s.deps.Store.SetLastSuccessfulRun(ctx, id, result.StartTime); setErr != nil {
			err = fmt.Errorf("record last successful run: %w", setErr)
		}
	}
	now := s.deps.Clock.Now()
	evt := events.Result(result, now, now.Sub(started))
	if err != nil {
		evt = events.Failure(id, err, now, now.Sub(started))
	}
	if s.deps.IDs != nil {
		if eid, idErr := s.deps.IDs.NewID(); idErr == nil {
			evt.ID = eid
		}
	}
	evt.Manual = true
	s.deps.Events.Emit(evt)
	if err != nil {
		return harvest.JobResult{}, err
	}
	return result, nil
}

func (s *Service) unschedule(id int) {
	if err := s.deps.Scheduler.Unschedule(id); err != nil {
		s.log.Warn("job had no trigger", zap.Int("job_id", id), zap.Error(err))
	}
}

func (s *Service) institutionFor(ctx context.Context, job harvest.Job) (harvest.Institution, error) {
	inst, err := s.deps.Store.GetInstitution(ctx, job.InstitutionID)
	if harvest.IsKind(err, harvest.KindNotFound) {
		return harvest.Institution{}, harvest.Errorf(harvest.KindValidation, "check job", "institution %d does not exist", job.InstitutionID)
	}
	if err != nil {
		return harvest.Institution{}, fmt.Errorf("get institution %d: %w", job.InstitutionID, err)
	}
	return inst, nil
}

// checkRepository confirms the repository serves the job's format and sets.
func (s *Service) checkRepository(ctx context.Context, job harvest.Job) error {
	const op = "check repository"
	formats, err := s.deps.Source.ListMetadataFormats(ctx, job.RepositoryBaseURL)
	if err != nil {
		return fetchErr(op, err)
	}
	if !slices.Contains(formats, job.MetadataPrefix) {
		return harvest.Errorf(harvest.KindValidation, op, "repository does not support metadataPrefix %q", job.MetadataPrefix)
	}
	if len(job.Sets) == 0 {
		return nil
	}
	sets, err := s.deps.Source.ListSets(ctx, job.RepositoryBaseURL)
	if err != nil {
		return fetchErr(op, err)
	}
	known := harvest.SetNames(sets)
	for _, spec := range job.Sets {
		if _, ok := known[spec]; !ok {
			return harvest.Errorf(harvest.KindValidation, op, "repository has no set %q", spec)
		}
	}
	return nil
}

func fetchErr(op string, err error) error {
	if harvest.KindOf(err) == harvest.KindInternal {
		return harvest.E(harvest.KindFetch, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) deleteSetDocuments(ctx context.Context, institution string, sets []string) error {
	q := harvest.Query{Must: []harvest.Term{{Field: "institutionName", Value: institution}}}
	for _, spec := range sets {
		q.Should = append(q.Should, harvest.Term{Field: "set_spec", Value: spec})
	}
	return s.writeIndex(ctx, func(ctx context.Context) error {
		return s.deps.Index.DeleteByQuery(ctx, q)
	})
}

// writeIndex applies write and commits, rolling back on failure.
func (s *Service) writeIndex(ctx context.Context, write func(context.Context) error) error {
	err := write(ctx)
	if err == nil {
		err = s.deps.Index.Commit(ctx)
	}
	if err == nil {
		return nil
	}
	if rbErr := s.deps.Index.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
		s.log.Warn("index rollback failed", zap.Error(rbErr))
	}
	if harvest.IsKind(err, harvest.KindIndex) {
		return err
	}
	return harvest.E(harvest.KindIndex, "write index", err)
}

// widens reports whether next harvests records prev did not: a new repository
// or a set that was not harvested before.
func widens(prev, next harvest.Job) bool {
	if prev.RepositoryBaseURL != next.RepositoryBaseURL {
		return true
	}
	if len(prev.Sets) == 0 {
		return false
	}
	if len(next.Sets) == 0 {
		return true
	}
	for _, spec := range next.Sets {
		if !slices.Contains(prev.Sets, spec) {
			return true
		}
	}
	return false
}

// droppedSets lists the sets a selective job stopped harvesting.
func droppedSets(prev, next harvest.Job) []string {
	if len(prev.Sets) == 0 || len(next.Sets) == 0 {
		return nil
	}
	var dropped []string
	for _, spec := range prev.Sets {
		if !slices.Contains(next.Sets, spec) {
			dropped = append(dropped, spec)
		}
	}
	return dropped
}
