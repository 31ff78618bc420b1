// Package webhook receives GitHub webhook deliveries and turns them into
// jobs on the owning repository's dispatcher. Signature validation uses
// the HMAC-SHA256 scheme of the X-Hub-Signature-256 header.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/jogman/gwfbot/internal/jobs"
)

// Target is a destination for decoded jobs. The registry implements it.
type Target interface {
	Enqueue(ctx context.Context, job *jobs.Job) bool
}

// Lookup resolves an "owner/slug" repository key to its job target.
type Lookup interface {
	Lookup(fullName string) (Target, bool)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(fullName string) (Target, bool)

func (f LookupFunc) Lookup(fullName string) (Target, bool) { return f(fullName) }

// Handler validates, decodes and routes webhook deliveries. Events on
// unmanaged repositories and event types the robot does not react to are
// acknowledged and dropped.
func Handler(secret string, repos Lookup, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if !ValidSignature(body, r.Header.Get("X-Hub-Signature-256"), secret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		event := r.Header.Get("X-GitHub-Event")
		job, repo, err := Decode(event, body)
		if err != nil {
			logger.Warn("malformed webhook payload", "event", event, "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if job == nil {
			w.WriteHeader(http.StatusOK)
			return
		}

		target, ok := repos.Lookup(repo)
		if !ok {
			logger.Debug("webhook for unmanaged repository", "repo", repo)
			w.WriteHeader(http.StatusOK)
			return
		}

		if target.Enqueue(r.Context(), job) {
			logger.Info("webhook accepted", "event", event, "job", job.String())
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// payload is the superset of the webhook fields the robot consumes.
type payload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`

	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`

	Issue struct {
		Number      int             `json:"number"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`

	SHA string `json:"sha"` // status events

	CheckSuite struct {
		HeadSHA string `json:"head_sha"`
	} `json:"check_suite"`
}

// Decode maps one delivery to a job, or to nil for events the robot
// ignores. The returned string is the repository key.
func Decode(event string, body []byte) (*jobs.Job, string, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, "", err
	}
	repo := p.Repository.FullName
	if repo == "" {
		return nil, "", nil
	}

	switch event {
	case "pull_request":
		switch p.Action {
		case "opened", "reopened", "synchronize", "edited", "closed", "ready_for_review":
			job := jobs.New(repo, jobs.KindPullRequest)
			job.PR = p.PullRequest.Number
			return job, repo, nil
		}
	case "pull_request_review":
		job := jobs.New(repo, jobs.KindPullRequest)
		job.PR = p.PullRequest.Number
		return job, repo, nil
	case "issue_comment":
		// Comments on plain issues carry no pull_request object.
		if p.Action == "created" && p.Issue.PullRequest != nil {
			job := jobs.New(repo, jobs.KindPullRequest)
			job.PR = p.Issue.Number
			return job, repo, nil
		}
	case "status":
		job := jobs.New(repo, jobs.KindBuildStatus)
		job.Commit = p.SHA
		return job, repo, nil
	case "check_suite":
		if p.Action == "completed" {
			job := jobs.New(repo, jobs.KindBuildStatus)
			job.Commit = p.CheckSuite.HeadSHA
			return job, repo, nil
		}
	}
	return nil, repo, nil
}
