package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/jobs"
)

// IdempotencyKeyHeader names the client-chosen job deduplication key.
const IdempotencyKeyHeader = "Idempotency-Key"

type submitJobResponse struct {
	JobID  string           `json:"jobId"`
	Status domain.JobStatus `json:"status,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get(IdempotencyKeyHeader)
	if idemKey == "" {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, "Idempotency-Key header is required.")
		return
	}

	var req domain.JobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, "Request body must be a JSON job request")
		return
	}

	job, created, err := s.deps.Jobs.Submit(r.Context(), idemKey, req)
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest), errors.Is(err, jobs.ErrMissingIdempotencyKey):
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	case err != nil:
		s.writeRouteError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, submitJobResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, r, http.StatusNotFound, errNotFound, "Job not found")
		return
	}
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
