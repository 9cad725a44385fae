package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind harvest.Kind) int {
	switch kind {
	case harvest.KindValidation:
		return http.StatusBadRequest
	case harvest.KindNotFound:
		return http.StatusNotFound
	case harvest.KindScheduling:
		return http.StatusConflict
	case harvest.KindFetch, harvest.KindIndex:
		return http.StatusBadGateway
	case harvest.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := harvest.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("error_kind", kind.String()),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}

func pathID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, harvest.Errorf(harvest.KindValidation, "parse id", "invalid id %q", raw)
	}
	return id, nil
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return harvest.Errorf(harvest.KindValidation, "decode body", "invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) listInstitutions(w http.ResponseWriter, r *http.Request) {
	insts, err := s.svc.ListInstitutions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if insts == nil {
		insts = []harvest.Institution{}
	}
	writeJSON(w, http.StatusOK, insts)
}

func (s *Server) addInstitutions(w http.ResponseWriter, r *http.Request) {
	var insts []harvest.Institution
	if err := decode(r, &insts); err != nil {
		s.fail(w, r, err)
		return
	}
	added, err := s.svc.AddInstitutions(r.Context(), insts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) getInstitution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	inst, err := s.svc.GetInstitution(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) updateInstitution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var inst harvest.Institution
	if err := decode(r, &inst); err != nil {
		s.fail(w, r, err)
		return
	}
	updated, err := s.svc.UpdateInstitution(r.Context(), id, inst)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) removeInstitution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.RemoveInstitution(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListJobs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []harvest.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// decodeJob reads a job body. The run watermark is owned by the harvester and
// is ignored when clients send it.
func decodeJob(r *http.Request) (harvest.Job, error) {
	var job harvest.Job
	if err := decode(r, &job); err != nil {
		return harvest.Job{}, err
	}
	job.LastSuccessfulRun = nil
	return job, nil
}

func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	job, err := decodeJob(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	added, err := s.svc.AddJob(r.Context(), job)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.svc.GetJob(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := decodeJob(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	updated, err := s.svc.UpdateJob(r.Context(), id, job)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.RemoveJob(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.RunJobNow(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"jobID": id})
}

func (s *Server) listTriggers(w http.ResponseWriter, _ *http.Request) {
	triggers := s.svc.Triggers()
	if triggers == nil {
		triggers = []harvest.TriggerInfo{}
	}
	writeJSON(w, http.StatusOK, triggers)
}
