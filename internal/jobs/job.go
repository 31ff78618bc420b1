// Package jobs defines the unit of work the robot executes and the per
// repository dispatcher that serializes execution. Every external event
// (webhook delivery, API request, poll) becomes a job; jobs for the same
// repository never run concurrently.
package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names what triggered a job and what the handler should do.
type Kind string

const (
	// KindPullRequest re-evaluates one pull request end to end.
	KindPullRequest Kind = "pull_request"
	// KindCommit re-evaluates the pull requests carrying a commit.
	KindCommit Kind = "commit"
	// KindBuildStatus reacts to a CI status landing on a commit.
	KindBuildStatus Kind = "build_status"
	// KindQueueRebuild tears the queues down and re-enqueues every
	// pull request that was queued.
	KindQueueRebuild Kind = "queue_rebuild"
	// KindForceMerge promotes the queues ignoring build statuses.
	KindForceMerge Kind = "force_merge"
	// KindDeleteQueues removes every queue branch.
	KindDeleteQueues Kind = "delete_queues"
	// KindCreateBranch creates a destination branch.
	KindCreateBranch Kind = "create_branch"
	// KindDeleteBranch deletes a destination branch.
	KindDeleteBranch Kind = "delete_branch"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one unit of work. The payload fields that apply depend on the
// kind; unused ones stay zero.
type Job struct {
	ID   uuid.UUID
	Repo string // owner/slug
	Kind Kind

	PR     int    // pull request id, when the kind targets one
	Commit string // commit sha, for commit and build status jobs
	Branch string // branch name, for branch jobs

	Status  Status
	Outcome string // short human-readable result, set when finished

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// New returns a queued job with a fresh id.
func New(repo string, kind Kind) *Job {
	return &Job{
		ID:        uuid.New(),
		Repo:      repo,
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// String identifies the job in logs.
func (j *Job) String() string {
	switch {
	case j.PR != 0:
		return fmt.Sprintf("%s(pr=%d)", j.Kind, j.PR)
	case j.Commit != "":
		return fmt.Sprintf("%s(commit=%s)", j.Kind, j.Commit)
	case j.Branch != "":
		return fmt.Sprintf("%s(branch=%s)", j.Kind, j.Branch)
	default:
		return string(j.Kind)
	}
}

// samePending reports whether two queued jobs would do the same work, so
// the dispatcher can drop the duplicate.
func samePending(a, b *Job) bool {
	return a.Kind == b.Kind && a.PR == b.PR && a.Commit == b.Commit && a.Branch == b.Branch
}
