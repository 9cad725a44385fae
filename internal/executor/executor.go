// Package executor runs one harvest job end to end: discover sets, list
// records, transform them and write the result to the search index.
package executor

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/transform"
)

const (
	defaultMaxBatchSize         = 500
	defaultTransformConcurrency = 8
)

// RecordTransformer converts one raw record into a search document.
type RecordTransformer interface {
	Transform(ctx context.Context, rec harvest.RawRecord, src transform.Source) (harvest.Document, error)
}

// InstitutionGetter looks up the institution a job belongs to.
type InstitutionGetter interface {
	GetInstitution(ctx context.Context, id int) (harvest.Institution, error)
}

// Config tunes batching and fan-out.
type Config struct {
	MaxBatchSize         int
	TransformConcurrency int
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Source       harvest.MetadataSource
	Institutions InstitutionGetter
	Index        harvest.SearchIndex
	Transformer  RecordTransformer
	Clock        harvest.Clock
	Logger       *zap.Logger
}

// Executor runs harvest jobs.
type Executor struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New builds an Executor.
func New(cfg Config, deps Deps) *Executor {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.TransformConcurrency <= 0 {
		cfg.TransformConcurrency = defaultTransformConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, deps: deps, log: logger.Named("executor")}
}

var tracer = otel.Tracer("github.com/JakeFAU/prl-harvester/internal/executor")

// Run harvests job once. It never updates the job's last successful run; that
// is left to the caller once the result is known.
func (e *Executor) Run(ctx context.Context, job harvest.Job) (harvest.JobResult, error) {
	ctx, span := tracer.Start(ctx, "harvest.run")
	defer span.End()
	if job.ID != nil {
		span.SetAttributes(attribute.Int("harvest.job_id", *job.ID))
	}
	span.SetAttributes(attribute.String("harvest.repository", job.RepositoryBaseURL))

	result, err := e.run(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, harvest.KindOf(err).String())
		return harvest.JobResult{}, err
	}
	span.SetAttributes(
		attribute.Int("harvest.records", result.RecordCount),
		attribute.Int("harvest.deleted_records", result.DeletedRecordCount),
	)
	return result, nil
}

func (e *Executor) run(ctx context.Context, job harvest.Job) (harvest.JobResult, error) {
	const op = "run job"
	if job.ID == nil {
		return harvest.JobResult{}, harvest.Errorf(harvest.KindValidation, op, "job has no id")
	}
	jobID := *job.ID
	base, err := url.Parse(job.RepositoryBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return harvest.JobResult{}, harvest.Errorf(harvest.KindValidation, op, "invalid repository url %q", job.RepositoryBaseURL)
	}
	log := e.log.With(zap.Int("job_id", jobID), zap.String("repository", job.RepositoryBaseURL))

	var (
		sets []harvest.Set
		inst harvest.Institution
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		found, err := e.deps.Source.ListSets(gctx, job.RepositoryBaseURL)
		if err != nil {
			if harvest.KindOf(err) == harvest.KindInternal {
				return harvest.E(harvest.KindFetch, "list sets", err)
			}
			return err
		}
		sets = found
		return nil
	})
	g.Go(func() error {
		found, err := e.deps.Institutions.GetInstitution(gctx, job.InstitutionID)
		if err != nil {
			return fmt.Errorf("get institution %d: %w", job.InstitutionID, err)
		}
		inst = found
		return nil
	})
	if err := g.Wait(); err != nil {
		return harvest.JobResult{}, err
	}

	targets := job.Sets
	if len(targets) == 0 {
		targets = harvest.SetSpecs(sets)
	}

	start := e.deps.Clock.Now()
	records, err := e.deps.Source.ListRecords(ctx, job.RepositoryBaseURL, targets, job.MetadataPrefix, job.LastSuccessfulRun)
	if err != nil {
		return harvest.JobResult{}, err
	}

	var (
		live    []harvest.RawRecord
		deleted []string
	)
	for _, rec := range records {
		if rec.Deleted {
			deleted = append(deleted, rec.Identifier)
			continue
		}
		live = append(live, rec)
	}
	log.Debug("records listed", zap.Int("live", len(live)), zap.Int("deleted", len(deleted)), zap.Int("sets", len(targets)))

	src := transform.Source{
		InstitutionName:   inst.Name,
		RepositoryBaseURL: base,
		SetNames:          harvest.SetNames(sets),
	}
	docs, err := e.transformAll(ctx, live, src)
	if err != nil {
		return harvest.JobResult{}, err
	}

	if err := e.write(ctx, docs, deleted); err != nil {
		if rbErr := e.deps.Index.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			log.Warn("index rollback failed", zap.Error(rbErr))
		}
		return harvest.JobResult{}, harvest.E(harvest.KindIndex, "write index", err)
	}

	result := harvest.JobResult{
		JobID:              jobID,
		StartTime:          start,
		RecordCount:        len(live),
		DeletedRecordCount: len(deleted),
	}
	log.Info("harvest run complete", zap.Int("records", result.RecordCount), zap.Int("deleted_records", result.DeletedRecordCount))
	return result, nil
}

func (e *Executor) transformAll(ctx context.Context, records []harvest.RawRecord, src transform.Source) ([]harvest.IndexDocument, error) {
	docs := make([]harvest.IndexDocument, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.TransformConcurrency)
	for i, rec := range records {
		g.Go(func() error {
			doc, err := e.deps.Transformer.Transform(gctx, rec, src)
			if err != nil {
				return fmt.Errorf("transform %s: %w", rec.Identifier, err)
			}
			docs[i] = doc.IndexDocument()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (e *Executor) write(ctx context.Context, docs []harvest.IndexDocument, deleted []string) error {
	if len(docs) == 0 && len(deleted) == 0 {
		return nil
	}
	for start := 0; start < len(docs); start += e.cfg.MaxBatchSize {
		end := min(start+e.cfg.MaxBatchSize, len(docs))
		if err := e.deps.Index.AddDocuments(ctx, docs[start:end]); err != nil {
			return fmt.Errorf("add documents: %w", err)
		}
	}
	if len(deleted) > 0 {
		if err := e.deps.Index.DeleteByIDs(ctx, deleted); err != nil {
			return fmt.Errorf("delete documents: %w", err)
		}
	}
	if err := e.deps.Index.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
