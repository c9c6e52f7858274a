package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/docpackd/internal/controller"
	"git.home.luguber.info/inful/docpackd/internal/logfields"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), r.URL.Query().Get("repository"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []state.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctrl.Status(r.Context(), chi.URLParam(r, "id"))
	if stderrors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobLogs streams a job's log as server-sent events: the persisted
// entries replay first, then live entries follow for jobs still running.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.ctrl.Status(r.Context(), jobID)
	if stderrors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(e state.LogEntry) {
		data, _ := json.Marshal(e)
		fmt.Fprintf(w, "data: %s\n\n", data)
	}

	// Live subscription is taken before the persisted replay so entries
	// appended during the replay are not lost; duplicates are filtered by seq.
	var live <-chan state.LogEntry
	var cancel func()
	if !job.Status.Terminal() {
		live, cancel = s.hub.Subscribe(jobID)
		defer cancel()
	}

	entries, err := s.store.GetLogs(r.Context(), jobID, 0, 0)
	if err != nil {
		s.logger.Warn("Failed to read persisted logs", logfields.JobID(jobID), logfields.Error(err))
	}
	var lastSeq int64
	for _, e := range entries {
		write(e)
		lastSeq = e.Seq
	}
	flusher.Flush()

	if live == nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= lastSeq {
				continue
			}
			write(e)
			flusher.Flush()
		}
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Cancel(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

type enqueueRequest struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
	Forced     bool   `json:"forced"`
}

func (s *Server) handleEnqueueBuild(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := s.ctrl.Enqueue(r.Context(), req.Repository, req.Branch, req.Commit,
		controller.EnqueueOptions{Trigger: state.TriggerManual, Forced: req.Forced})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	case stderrors.Is(err, controller.ErrAlreadyBuilding):
		writeError(w, http.StatusConflict, "an active build already exists for this branch")
	case stderrors.Is(err, controller.ErrFrozen):
		writeError(w, http.StatusConflict, "branch lineage is frozen; use forced to override")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.store.ListBranches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list branches")
		return
	}
	if branches == nil {
		branches = []state.BranchState{}
	}
	writeJSON(w, http.StatusOK, branches)
}

type freezeRequest struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Frozen     bool   `json:"frozen"`
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.lineage.SetFrozen(r.Context(), req.Repository, req.Branch, req.Frozen)
	if stderrors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "branch not tracked")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update freeze flag")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"frozen": req.Frozen})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repository")
	branch := r.URL.Query().Get("branch")
	if repo == "" || branch == "" {
		writeError(w, http.StatusBadRequest, "repository and branch query parameters are required")
		return
	}
	versions, err := s.lineage.List(r.Context(), repo, branch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}
	if versions == nil {
		versions = []state.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.lineage.Get(r.Context(), chi.URLParam(r, "id"))
	if stderrors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "version not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load version")
		return
	}
	writeJSON(w, http.StatusOK, v)
}
