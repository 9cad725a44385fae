// Package memory provides in-memory storage for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

// ScheduleStore implements harvest.ScheduleStore in memory. Ids are assigned
// sequentially from 1 and removing an institution removes its jobs.
type ScheduleStore struct {
	mu           sync.RWMutex
	institutions map[int]harvest.Institution
	jobs         map[int]harvest.Job
	nextInstID   int
	nextJobID    int
}

// NewScheduleStore constructs an empty ScheduleStore.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{
		institutions: make(map[int]harvest.Institution),
		jobs:         make(map[int]harvest.Job),
		nextInstID:   1,
		nextJobID:    1,
	}
}

// GetInstitution fetches an institution by id.
func (s *ScheduleStore) GetInstitution(_ context.Context, id int) (harvest.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.institutions[id]
	if !ok {
		return harvest.Institution{}, institutionNotFound("get institution", id)
	}
	return copyInstitution(inst), nil
}

// ListInstitutions returns every institution ordered by name.
func (s *ScheduleStore) ListInstitutions(_ context.Context) ([]harvest.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Institution, 0, len(s.institutions))
	for _, inst := range s.institutions {
		out = append(out, copyInstitution(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return *out[i].ID < *out[j].ID
	})
	return out, nil
}

// AddInstitution stores inst under a new id.
func (s *ScheduleStore) AddInstitution(_ context.Context, inst harvest.Institution) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextInstID
	s.nextInstID++
	s.institutions[id] = copyInstitution(inst.WithID(id))
	return id, nil
}

// UpdateInstitution replaces the institution stored under id.
func (s *ScheduleStore) UpdateInstitution(_ context.Context, id int, inst harvest.Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.institutions[id]; !ok {
		return institutionNotFound("update institution", id)
	}
	s.institutions[id] = copyInstitution(inst.WithID(id))
	return nil
}

// RemoveInstitution deletes the institution and its jobs.
func (s *ScheduleStore) RemoveInstitution(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.institutions[id]; !ok {
		return institutionNotFound("remove institution", id)
	}
	delete(s.institutions, id)
	for jobID, job := range s.jobs {
		if job.InstitutionID == id {
			delete(s.jobs, jobID)
		}
	}
	return nil
}

// GetJob fetches a job by id.
func (s *ScheduleStore) GetJob(_ context.Context, id int) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return harvest.Job{}, jobNotFound("get job", id)
	}
	return job.Clone(), nil
}

// ListJobs returns every job ordered by institution, then id.
func (s *ScheduleStore) ListJobs(_ context.Context) ([]harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstitutionID != out[j].InstitutionID {
			return out[i].InstitutionID < out[j].InstitutionID
		}
		return *out[i].ID < *out[j].ID
	})
	return out, nil
}

// AddJob stores job under a new id. The institution must exist.
func (s *ScheduleStore) AddJob(_ context.Context, job harvest.Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.institutions[job.InstitutionID]; !ok {
		return 0, institutionNotFound("add job", job.InstitutionID)
	}
	id := s.nextJobID
	s.nextJobID++
	s.jobs[id] = job.WithID(id).Clone()
	return id, nil
}

// UpdateJob replaces the job stored under id. The institution cannot change.
func (s *ScheduleStore) UpdateJob(_ context.Context, id int, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[id]
	if !ok || current.InstitutionID != job.InstitutionID {
		return jobNotFound("update job", id)
	}
	s.jobs[id] = job.WithID(id).Clone()
	return nil
}

// RemoveJob deletes the job stored under id.
func (s *ScheduleStore) RemoveJob(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return jobNotFound("remove job", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetLastSuccessfulRun records when the job last completed.
func (s *ScheduleStore) SetLastSuccessfulRun(_ context.Context, id int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobNotFound("set last successful run", id)
	}
	ts := at
	job.LastSuccessfulRun = &ts
	s.jobs[id] = job
	return nil
}

func copyInstitution(inst harvest.Institution) harvest.Institution {
	cp := inst
	if inst.ID != nil {
		id := *inst.ID
		cp.ID = &id
	}
	cp.Email = copyString(inst.Email)
	cp.Phone = copyString(inst.Phone)
	cp.WebContact = copyString(inst.WebContact)
	return cp
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func institutionNotFound(op string, id int) error {
	return harvest.E(harvest.KindNotFound, op, fmt.Errorf("institution %d not found", id))
}

func jobNotFound(op string, id int) error {
	return harvest.E(harvest.KindNotFound, op, fmt.Errorf("job %d not found", id))
}
