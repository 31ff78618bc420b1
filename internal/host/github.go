package host

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v84/github"
)

// GitHubClient implements Client against the GitHub REST API using
// go-github. Authentication is either a personal access token or a GitHub
// App installation (ghinstallation transport).
type GitHubClient struct {
	gh       *github.Client
	owner    string
	repo     string
	buildKey string // commit-status context; empty means aggregated check suites

	appTransport *ghinstallation.Transport // nil with token auth
	token        string                    // empty with app auth
}

var _ Client = (*GitHubClient)(nil)

// NewGitHubTokenClient builds a client authenticated with a personal access
// token.
func NewGitHubTokenClient(owner, repo, token, buildKey string) *GitHubClient {
	return &GitHubClient{
		gh:       github.NewClient(nil).WithAuthToken(token),
		owner:    owner,
		repo:     repo,
		buildKey: buildKey,
		token:    token,
	}
}

// NewGitHubAppClient builds a client authenticated as a GitHub App
// installation. The installation token is also used for git clone URLs.
func NewGitHubAppClient(owner, repo string, appID, installationID int64, keyPath, buildKey string) (*GitHubClient, error) {
	tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load GitHub App key: %w", err)
	}

	return &GitHubClient{
		gh:           github.NewClient(&http.Client{Transport: tr}),
		owner:        owner,
		repo:         repo,
		buildKey:     buildKey,
		appTransport: tr,
	}, nil
}

// classify wraps rate-limit and server errors as transient so the dispatcher
// retries them with backoff.
func classify(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) {
		return &TransientError{Err: err}
	}
	if _, ok := err.(*github.RateLimitError); ok {
		return &TransientError{Err: err}
	}
	if _, ok := err.(*github.AbuseRateLimitError); ok {
		return &TransientError{Err: err}
	}
	return err
}

func convertPR(pr *github.PullRequest) *PullRequest {
	state := PROpen
	if pr.GetState() == "closed" {
		if pr.GetMerged() {
			state = PRMerged
		} else {
			state = PRDeclined
		}
	}

	return &PullRequest{
		ID:          pr.GetNumber(),
		Title:       pr.GetTitle(),
		Description: pr.GetBody(),
		Author:      pr.GetUser().GetLogin(),
		Source:      pr.GetHead().GetRef(),
		Destination: pr.GetBase().GetRef(),
		SourceSHA:   pr.GetHead().GetSHA(),
		State:       state,
	}
}

func (c *GitHubClient) GetPullRequest(ctx context.Context, id int) (*PullRequest, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, id)
	if err != nil {
		return nil, classify(resp, err)
	}
	return convertPR(pr), nil
}

func (c *GitHubClient) ListOpenPullRequests(ctx context.Context) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, classify(resp, err)
		}
		for _, pr := range prs {
			out = append(out, *convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, title, body, src, dst string) (*PullRequest, error) {
	pr, resp, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(src),
		Base:  github.Ptr(dst),
	})
	if err != nil {
		return nil, classify(resp, err)
	}
	return convertPR(pr), nil
}

func (c *GitHubClient) DeclinePullRequest(ctx context.Context, id int) error {
	_, resp, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, id, &github.PullRequest{
		State: github.Ptr("closed"),
	})
	return classify(resp, err)
}

func (c *GitHubClient) ListComments(ctx context.Context, prID int) ([]Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []Comment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, prID, opts)
		if err != nil {
			return nil, classify(resp, err)
		}
		for _, cm := range comments {
			out = append(out, Comment{
				ID:        cm.GetID(),
				Author:    cm.GetUser().GetLogin(),
				Body:      cm.GetBody(),
				CreatedAt: cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (c *GitHubClient) CreateComment(ctx context.Context, prID int, body string) (*Comment, error) {
	cm, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, prID, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return nil, classify(resp, err)
	}
	return &Comment{
		ID:        cm.GetID(),
		Author:    cm.GetUser().GetLogin(),
		Body:      cm.GetBody(),
		CreatedAt: cm.GetCreatedAt().Time,
	}, nil
}

func (c *GitHubClient) ListReviews(ctx context.Context, prID int) ([]Review, error) {
	opts := &github.ListOptions{PerPage: 100}

	latest := map[string]ReviewState{}
	var order []string
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.repo, prID, opts)
		if err != nil {
			return nil, classify(resp, err)
		}
		for _, r := range reviews {
			var state ReviewState
			switch r.GetState() {
			case "APPROVED":
				state = ReviewApproved
			case "CHANGES_REQUESTED":
				state = ReviewChangesRequested
			default:
				continue // comments and dismissals carry no verdict
			}
			author := r.GetUser().GetLogin()
			if _, seen := latest[author]; !seen {
				order = append(order, author)
			}
			latest[author] = state
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	out := make([]Review, 0, len(order))
	for _, author := range order {
		out = append(out, Review{Author: author, State: latest[author]})
	}
	return out, nil
}

// GetBuildStatus reads the commit status matching the configured build key,
// or, when no build key is set, the aggregated check-suite outcome.
func (c *GitHubClient) GetBuildStatus(ctx context.Context, sha string) (BuildStatus, error) {
	if c.buildKey != "" {
		return c.statusByKey(ctx, sha)
	}
	return c.checkSuiteStatus(ctx, sha)
}

func (c *GitHubClient) statusByKey(ctx context.Context, sha string) (BuildStatus, error) {
	opts := &github.ListOptions{PerPage: 100}
	for {
		statuses, resp, err := c.gh.Repositories.ListStatuses(ctx, c.owner, c.repo, sha, opts)
		if err != nil {
			return BuildNotStarted, classify(resp, err)
		}
		for _, s := range statuses {
			if s.GetContext() != c.buildKey {
				continue
			}
			// Statuses are newest first; the first match wins.
			switch s.GetState() {
			case "success":
				return BuildSuccessful, nil
			case "failure", "error":
				return BuildFailed, nil
			default:
				return BuildInProgress, nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return BuildNotStarted, nil
}

func (c *GitHubClient) checkSuiteStatus(ctx context.Context, sha string) (BuildStatus, error) {
	opts := &github.ListCheckSuiteOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	worst := BuildNotStarted
	any := false
	for {
		suites, resp, err := c.gh.Checks.ListCheckSuitesForRef(ctx, c.owner, c.repo, sha, opts)
		if err != nil {
			return BuildNotStarted, classify(resp, err)
		}
		for _, s := range suites.CheckSuites {
			// Suites with no check runs report neither status nor
			// conclusion worth aggregating.
			if s.GetStatus() == "" {
				continue
			}
			any = true
			switch {
			case s.GetStatus() != "completed":
				if worst != BuildFailed {
					worst = BuildInProgress
				}
			case s.GetConclusion() == "success" || s.GetConclusion() == "neutral" || s.GetConclusion() == "skipped":
				if worst == BuildNotStarted {
					worst = BuildSuccessful
				}
			default:
				worst = BuildFailed
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if !any {
		return BuildNotStarted, nil
	}
	return worst, nil
}

func (c *GitHubClient) CloneURL(ctx context.Context) (string, error) {
	token := c.token
	if c.appTransport != nil {
		t, err := c.appTransport.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("installation token: %w", err)
		}
		token = t
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, c.owner, c.repo), nil
}

// SupportsAuthorApproval is false on GitHub: authors cannot review their own
// pull request, so the author-approval gate is skipped.
func (c *GitHubClient) SupportsAuthorApproval() bool { return false }
