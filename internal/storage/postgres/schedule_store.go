// Package postgres persists institutions and harvest jobs in Postgres.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

//go:embed schema.sql
var schemaSQL string

const (
	instColumns = `id, name, description, location, email, phone, webContact, website`
	jobColumns  = `id, institutionID, repositoryBaseURL, metadataPrefix, sets, lastSuccessfulRun, scheduleCronExpression`

	getInstitution    = `SELECT ` + instColumns + ` FROM institutions WHERE id = $1`
	listInstitutions  = `SELECT ` + instColumns + ` FROM institutions ORDER BY name, id`
	insertInstitution = `INSERT INTO institutions (name, description, location, email, phone, webContact, website)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	updateInstitution = `UPDATE institutions SET name = $2, description = $3, location = $4, email = $5,
phone = $6, webContact = $7, website = $8 WHERE id = $1`
	deleteInstitution = `DELETE FROM institutions WHERE id = $1`

	getJob    = `SELECT ` + jobColumns + ` FROM harvestjobs WHERE id = $1`
	listJobs  = `SELECT ` + jobColumns + ` FROM harvestjobs ORDER BY institutionID, id`
	insertJob = `INSERT INTO harvestjobs (institutionID, repositoryBaseURL, metadataPrefix, sets, lastSuccessfulRun, scheduleCronExpression)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	updateJob = `UPDATE harvestjobs SET repositoryBaseURL = $3, metadataPrefix = $4, sets = $5,
lastSuccessfulRun = $6, scheduleCronExpression = $7 WHERE id = $1 AND institutionID = $2`
	deleteJob         = `DELETE FROM harvestjobs WHERE id = $1`
	setLastSuccessful = `UPDATE harvestjobs SET lastSuccessfulRun = $2 WHERE id = $1`
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ScheduleStore implements harvest.ScheduleStore on Postgres.
type ScheduleStore struct {
	pool Pool
}

// NewScheduleStore connects to Postgres using cfg.
func NewScheduleStore(ctx context.Context, cfg Config) (*ScheduleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ScheduleStore{pool: pool}, nil
}

// NewScheduleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewScheduleStoreWithPool(pool Pool) (*ScheduleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ScheduleStore{pool: pool}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *ScheduleStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ScheduleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// GetInstitution fetches an institution by id.
func (s *ScheduleStore) GetInstitution(ctx context.Context, id int) (harvest.Institution, error) {
	inst, err := scanInstitution(s.pool.QueryRow(ctx, getInstitution, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Institution{}, harvest.Errorf(harvest.KindNotFound, "get institution", "institution %d not found", id)
	}
	if err != nil {
		return harvest.Institution{}, harvest.E(harvest.KindInternal, "get institution", err)
	}
	return inst, nil
}

// ListInstitutions returns every institution ordered by name.
func (s *ScheduleStore) ListInstitutions(ctx context.Context) ([]harvest.Institution, error) {
	rows, err := s.pool.Query(ctx, listInstitutions)
	if err != nil {
		return nil, harvest.E(harvest.KindInternal, "list institutions", err)
	}
	defer rows.Close()
	var out []harvest.Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, harvest.E(harvest.KindInternal, "list institutions", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, harvest.E(harvest.KindInternal, "list institutions", err)
	}
	return out, nil
}

// AddInstitution inserts inst and returns its new id.
func (s *ScheduleStore) AddInstitution(ctx context.Context, inst harvest.Institution) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, insertInstitution,
		inst.Name, inst.Description, inst.Location, inst.Email, inst.Phone, inst.WebContact, inst.Website,
	).Scan(&id)
	if err != nil {
		return 0, harvest.E(harvest.KindInternal, "add institution", err)
	}
	return id, nil
}

// UpdateInstitution replaces the institution stored under id.
func (s *ScheduleStore) UpdateInstitution(ctx context.Context, id int, inst harvest.Institution) error {
	tag, err := s.pool.Exec(ctx, updateInstitution,
		id, inst.Name, inst.Description, inst.Location, inst.Email, inst.Phone, inst.WebContact, inst.Website,
	)
	return affected("update institution", "institution", id, tag, err)
}

// RemoveInstitution deletes the institution; its jobs go with it.
func (s *ScheduleStore) RemoveInstitution(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, deleteInstitution, id)
	return affected("remove institution", "institution", id, tag, err)
}

// GetJob fetches a job by id.
func (s *ScheduleStore) GetJob(ctx context.Context, id int) (harvest.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, getJob, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, harvest.Errorf(harvest.KindNotFound, "get job", "job %d not found", id)
	}
	if err != nil {
		return harvest.Job{}, harvest.E(harvest.KindInternal, "get job", err)
	}
	return job, nil
}

// ListJobs returns every job ordered by institution.
func (s *ScheduleStore) ListJobs(ctx context.Context) ([]harvest.Job, error) {
	rows, err := s.pool.Query(ctx, listJobs)
	if err != nil {
		return nil, harvest.E(harvest.KindInternal, "list jobs", err)
	}
	defer rows.Close()
	var out []harvest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, harvest.E(harvest.KindInternal, "list jobs", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, harvest.E(harvest.KindInternal, "list jobs", err)
	}
	return out, nil
}

// AddJob inserts job and returns its new id.
func (s *ScheduleStore) AddJob(ctx context.Context, job harvest.Job) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, insertJob,
		job.InstitutionID, job.RepositoryBaseURL, job.MetadataPrefix, job.Sets,
		job.LastSuccessfulRun, job.ScheduleCronExpression,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return 0, harvest.Errorf(harvest.KindNotFound, "add job", "institution %d not found", job.InstitutionID)
		}
		return 0, harvest.E(harvest.KindInternal, "add job", err)
	}
	return id, nil
}

// UpdateJob replaces the job stored under id. The job's institution cannot change.
func (s *ScheduleStore) UpdateJob(ctx context.Context, id int, job harvest.Job) error {
	tag, err := s.pool.Exec(ctx, updateJob,
		id, job.InstitutionID, job.RepositoryBaseURL, job.MetadataPrefix, job.Sets,
		job.LastSuccessfulRun, job.ScheduleCronExpression,
	)
	return affected("update job", "job", id, tag, err)
}

// RemoveJob deletes the job stored under id.
func (s *ScheduleStore) RemoveJob(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, deleteJob, id)
	return affected("remove job", "job", id, tag, err)
}

// SetLastSuccessfulRun records when the job last completed.
func (s *ScheduleStore) SetLastSuccessfulRun(ctx context.Context, id int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, setLastSuccessful, id, at.UTC())
	return affected("set last successful run", "job", id, tag, err)
}

func affected(op, what string, id int, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return harvest.E(harvest.KindInternal, op, err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.Errorf(harvest.KindNotFound, op, "%s %d not found", what, id)
	}
	return nil
}

func scanInstitution(row pgx.Row) (harvest.Institution, error) {
	var (
		inst harvest.Institution
		id   int
	)
	if err := row.Scan(&id, &inst.Name, &inst.Description, &inst.Location,
		&inst.Email, &inst.Phone, &inst.WebContact, &inst.Website); err != nil {
		return harvest.Institution{}, fmt.Errorf("scan institution: %w", err)
	}
	return inst.WithID(id), nil
}

func scanJob(row pgx.Row) (harvest.Job, error) {
	var (
		job harvest.Job
		id  int
	)
	if err := row.Scan(&id, &job.InstitutionID, &job.RepositoryBaseURL, &job.MetadataPrefix,
		&job.Sets, &job.LastSuccessfulRun, &job.ScheduleCronExpression); err != nil {
		return harvest.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job.WithID(id), nil
}
