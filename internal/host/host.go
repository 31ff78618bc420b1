// Package host abstracts the git-host REST API surface the robot consumes.
// The interface enables testing the gating, integration and queue logic
// entirely with an in-memory mock; the GitHub implementation lives in
// github.go.
package host

import (
	"context"
	"errors"
	"time"
)

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PROpen     PRState = "open"
	PRMerged   PRState = "merged"
	PRDeclined PRState = "declined"
)

// PullRequest is the host-independent view of a pull request.
type PullRequest struct {
	ID          int
	Title       string
	Description string
	Author      string
	Source      string // source branch name
	Destination string // destination branch name
	SourceSHA   string // current tip of the source branch
	State       PRState
}

// Comment is a pull request comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// ReviewState is the outcome of a review.
type ReviewState string

const (
	ReviewApproved         ReviewState = "approved"
	ReviewChangesRequested ReviewState = "changes_requested"
)

// Review is a pull request review. Only the latest review per author is
// reported.
type Review struct {
	Author string
	State  ReviewState
}

// BuildStatus is the aggregated CI outcome for one commit.
type BuildStatus string

const (
	BuildSuccessful BuildStatus = "SUCCESSFUL"
	BuildFailed     BuildStatus = "FAILED"
	BuildInProgress BuildStatus = "INPROGRESS"
	BuildNotStarted BuildStatus = "NOTSTARTED"
)

// Client is the git-host API surface consumed by the robot. All methods
// accept a context for cancellation and return an error on failure.
type Client interface {
	// GetPullRequest returns a pull request by number.
	GetPullRequest(ctx context.Context, id int) (*PullRequest, error)

	// ListOpenPullRequests returns all open pull requests.
	ListOpenPullRequests(ctx context.Context) ([]PullRequest, error)

	// CreatePullRequest opens a new pull request from src to dst.
	CreatePullRequest(ctx context.Context, title, body, src, dst string) (*PullRequest, error)

	// DeclinePullRequest closes a pull request without merging it.
	DeclinePullRequest(ctx context.Context, id int) error

	// ListComments returns a pull request's comments in creation order,
	// ties broken by id.
	ListComments(ctx context.Context, prID int) ([]Comment, error)

	// CreateComment posts a comment on a pull request.
	CreateComment(ctx context.Context, prID int, body string) (*Comment, error)

	// ListReviews returns the latest review per reviewer.
	ListReviews(ctx context.Context, prID int) ([]Review, error)

	// GetBuildStatus returns the build outcome for a commit, keyed by the
	// configured build key or the aggregated check suites.
	GetBuildStatus(ctx context.Context, sha string) (BuildStatus, error)

	// CloneURL returns an authenticated clone URL for the repository.
	// Credentials embedded in the URL may expire; callers must not cache
	// it beyond a single job.
	CloneURL(ctx context.Context) (string, error)

	// SupportsAuthorApproval reports whether the host lets authors approve
	// their own pull request. When false the author-approval check is
	// skipped entirely.
	SupportsAuthorApproval() bool
}

// TransientError wraps a host failure worth retrying (rate limit, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient host error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable host failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
