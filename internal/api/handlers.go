package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"transcription-engine/internal/config"
	"transcription-engine/internal/domain"
	"transcription-engine/internal/history"
	"transcription-engine/internal/jobs"
	"transcription-engine/internal/orchestrator"
)

// AddJobsRequest is the body of POST /v1/jobs.
type AddJobsRequest struct {
	Paths []string `json:"paths"`
}

// AddJobsResponse lists the created job ids.
type AddJobsResponse struct {
	IDs []string `json:"ids"`
}

// StartResponse reports the job picked by POST /v1/processing/start.
type StartResponse struct {
	JobID   string `json:"jobId,omitempty"`
	Started bool   `json:"started"`
}

// SetSettingRequest is the body of PUT /v1/settings/{key}.
type SetSettingRequest struct {
	Value   any  `json:"value"`
	Persist bool `json:"persist"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": s.engine.Running()})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list := s.engine.Jobs()
	if list == nil {
		list = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) addJobs(w http.ResponseWriter, r *http.Request) {
	var req AddJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "paths are required")
		return
	}
	ids := s.engine.AddJobs(req.Paths)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusCreated, AddJobsResponse{IDs: ids})
}

func (s *Server) clearJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.engine.ClearJobs()})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.engine.Job(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, jobs.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveJob(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resubmit(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.Resubmit(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, AddJobsResponse{IDs: []string{id}})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	id, started, err := s.engine.StartProcessing()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, StartResponse{JobID: id, Started: started})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": s.engine.CancelProcessing()})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil && r.URL.Query().Get("since") != "" {
		writeError(w, http.StatusBadRequest, "since must be an integer")
		return
	}
	list := s.engine.Events(since)
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) environment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Environment(r.Context()))
}

func (s *Server) refreshEnvironment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.RefreshEnvironment(r.Context()))
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Diagnostics(r.Context()))
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	s.engine.ProvisionAccelerator()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Models())
}

func (s *Server) formats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Formats())
}

func (s *Server) settings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Settings())
}

func (s *Server) setSetting(w http.ResponseWriter, r *http.Request) {
	var req SetSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.SetConfig(mux.Vars(r)["key"], req.Value, req.Persist); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Settings())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	entries, err := s.engine.History(r.Context(), limit, domain.JobStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobActive),
		errors.Is(err, orchestrator.ErrJobAlreadyRunning),
		errors.Is(err, orchestrator.ErrJobNotFinished):
		return http.StatusConflict
	case errors.Is(err, config.ErrUnknownKey):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
