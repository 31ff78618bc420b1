// Package web exposes the operator REST API: job history lookups and the
// administrative operations (forced evaluation, queue management, release
// branch lifecycle). All /api routes require the configured bearer token.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/jobs"
	"github.com/jogman/gwfbot/internal/registry"
	"github.com/jogman/gwfbot/internal/store/pg"
)

// Repos is the registry surface the API consumes.
type Repos interface {
	Lookup(fullName string) (*registry.ManagedRepo, bool)
	Names() []string
}

// Server holds the API dependencies.
type Server struct {
	repos  Repos
	store  *pg.JobStore // nil without a database
	token  string
	logger *slog.Logger
}

// NewMux registers the API routes. store may be nil.
func NewMux(repos Repos, store *pg.JobStore, token string, logger *slog.Logger) *http.ServeMux {
	s := &Server{repos: repos, store: store, token: token, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /api/auth", s.auth(s.whoami))
	mux.HandleFunc("GET /api/jobs", s.auth(s.listJobs))
	mux.HandleFunc("GET /api/jobs/{id}", s.auth(s.getJob))
	mux.HandleFunc("POST /api/pull-requests/{id}", s.auth(s.evaluatePullRequest))
	mux.HandleFunc("POST /api/gwf/branches/{branch...}", s.auth(s.createBranch))
	mux.HandleFunc("DELETE /api/gwf/branches/{branch...}", s.auth(s.deleteBranch))
	mux.HandleFunc("POST /api/gwf/queues", s.auth(s.rebuildQueues))
	mux.HandleFunc("PATCH /api/gwf/queues", s.auth(s.forceMerge))
	mux.HandleFunc("DELETE /api/gwf/queues", s.auth(s.deleteQueues))
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wraps a handler with bearer token authentication. With no token
// configured the API is disabled outright.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			http.Error(w, "api disabled", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) whoami(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"repositories":  s.repos.Names(),
	})
}

// jobView is the JSON rendering of a job.
type jobView struct {
	ID       string `json:"id"`
	Repo     string `json:"repo"`
	Kind     string `json:"kind"`
	PR       int    `json:"pr,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Status   string `json:"status"`
	Outcome  string `json:"outcome,omitempty"`
	Created  string `json:"created_at"`
	Started  string `json:"started_at,omitempty"`
	Finished string `json:"finished_at,omitempty"`
}

func viewOf(j *jobs.Job) jobView {
	v := jobView{
		ID:      j.ID.String(),
		Repo:    j.Repo,
		Kind:    string(j.Kind),
		PR:      j.PR,
		Commit:  j.Commit,
		Branch:  j.Branch,
		Status:  string(j.Status),
		Outcome: j.Outcome,
		Created: j.CreatedAt.Format(time.RFC3339),
	}
	if !j.StartedAt.IsZero() {
		v.Started = j.StartedAt.Format(time.RFC3339)
	}
	if !j.FinishedAt.IsZero() {
		v.Finished = j.FinishedAt.Format(time.RFC3339)
	}
	return v
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "job history disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.store.List(r.Context(), r.URL.Query().Get("repo"), limit)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	views := make([]jobView, 0, len(list))
	for i := range list {
		views = append(views, viewOf(&list[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "job history disabled", http.StatusServiceUnavailable)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, pg.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get job", "id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

// repoOf resolves the target repository from the ?repo query parameter.
// With a single managed repository the parameter may be omitted.
func (s *Server) repoOf(w http.ResponseWriter, r *http.Request) (*registry.ManagedRepo, bool) {
	name := r.URL.Query().Get("repo")
	if name == "" {
		names := s.repos.Names()
		if len(names) != 1 {
			http.Error(w, "repo parameter required", http.StatusBadRequest)
			return nil, false
		}
		name = names[0]
	}
	m, ok := s.repos.Lookup(name)
	if !ok {
		http.Error(w, "unmanaged repository", http.StatusNotFound)
		return nil, false
	}
	return m, true
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, m *registry.ManagedRepo, job *jobs.Job) {
	m.Enqueue(r.Context(), job)
	writeJSON(w, http.StatusAccepted, map[string]string{"job": job.ID.String()})
}

func (s *Server) evaluatePullRequest(w http.ResponseWriter, r *http.Request) {
	m, ok := s.repoOf(w, r)
	if !ok {
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid pull request id", http.StatusBadRequest)
		return
	}
	job := jobs.New(m.Settings.FullName(), jobs.KindPullRequest)
	job.PR = id
	s.enqueue(w, r, m, job)
}

// branchRequest is the optional body of branch creation calls.
type branchRequest struct {
	Commit string `json:"commit"`
}

func (s *Server) createBranch(w http.ResponseWriter, r *http.Request) {
	m, ok := s.repoOf(w, r)
	if !ok {
		return
	}
	branch := r.PathValue("branch")
	if _, valid := gwf.ParseDestination(branch); !valid {
		http.Error(w, "not a destination branch name", http.StatusBadRequest)
		return
	}

	var body branchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	job := jobs.New(m.Settings.FullName(), jobs.KindCreateBranch)
	job.Branch = branch
	job.Commit = body.Commit
	s.enqueue(w, r, m, job)
}

func (s *Server) deleteBranch(w http.ResponseWriter, r *http.Request) {
	m, ok := s.repoOf(w, r)
	if !ok {
		return
	}
	branch := r.PathValue("branch")
	if _, valid := gwf.ParseDestination(branch); !valid {
		http.Error(w, "not a destination branch name", http.StatusBadRequest)
		return
	}
	job := jobs.New(m.Settings.FullName(), jobs.KindDeleteBranch)
	job.Branch = branch
	s.enqueue(w, r, m, job)
}

func (s *Server) forceMerge(w http.ResponseWriter, r *http.Request) {
	m, ok := s.repoOf(w, r)
	if !ok {
		return
	}
	s.enqueue(w, r, m, jobs.New(m.Settings.FullName(), jobs.KindForceMerge))
}

func (s *Server) rebuildQueues(w http.ResponseWriter, r *http.Request) {
	m, ok := s.repoOf(w, r)
	if !ok {
		return
	}
	s.enqueue(w, r, m, jobs.New(m.Settings.FullName(), jobs.KindQueueRebuild))
}

func (s *Server) deleteQueues(w http.ResponseWriter, r *http.Request) {
	m, ok := s.repoOf(w, r)
	if !ok {
		return
	}
	s.enqueue(w, r, m, jobs.New(m.Settings.FullName(), jobs.KindDeleteQueues))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
