// Package merge drives a pull request through the whole workflow: it
// collects the repository facts, runs the gating checks, maintains the
// integration branches and the queues, and posts the outcome on the pull
// request. One Robot instance serves one repository and is only ever
// invoked from that repository's dispatcher.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/gitrepo"
	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/integrate"
	"github.com/jogman/gwfbot/internal/jobs"
	"github.com/jogman/gwfbot/internal/message"
	"github.com/jogman/gwfbot/internal/mq"
	"github.com/jogman/gwfbot/internal/tracker"
)

// Robot executes jobs for one repository.
type Robot struct {
	settings *config.Settings
	client   host.Client
	tracker  tracker.Client
	ws       *gitrepo.Workspace
	msg      *message.Messenger
	logger   *slog.Logger

	engine  *integrate.Engine
	manager *mq.Manager

	// requeue hands a follow-up job back to the dispatcher. Set by the
	// registry once the dispatcher exists.
	requeue func(ctx context.Context, job *jobs.Job) bool
}

// New builds a robot for one repository.
func New(settings *config.Settings, client host.Client, trk tracker.Client, ws *gitrepo.Workspace, msg *message.Messenger, logger *slog.Logger) *Robot {
	logger = logger.With("repo", settings.FullName())
	return &Robot{
		settings: settings,
		client:   client,
		tracker:  trk,
		ws:       ws,
		msg:      msg,
		logger:   logger,
		engine:   integrate.NewEngine(ws, settings, logger),
		manager:  mq.NewManager(ws, settings, logger),
	}
}

// SetRequeue wires the dispatcher's enqueue function.
func (r *Robot) SetRequeue(fn func(ctx context.Context, job *jobs.Job) bool) {
	r.requeue = fn
}

// Handle executes one job. It is the repository dispatcher's handler.
func (r *Robot) Handle(ctx context.Context, job *jobs.Job) error {
	if err := r.ws.Lock(ctx); err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	defer r.ws.Unlock()

	if err := r.ws.Fetch(ctx); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	switch job.Kind {
	case jobs.KindPullRequest:
		return r.handlePullRequest(ctx, job)
	case jobs.KindCommit:
		return r.handleCommit(ctx, job)
	case jobs.KindBuildStatus:
		return r.handleBuildStatus(ctx, job)
	case jobs.KindQueueRebuild:
		return r.rebuildQueues(ctx, job)
	case jobs.KindForceMerge:
		return r.promoteQueues(ctx, job, true)
	case jobs.KindDeleteQueues:
		return r.deleteQueues(ctx, job)
	case jobs.KindCreateBranch:
		return r.createBranch(ctx, job)
	case jobs.KindDeleteBranch:
		return r.deleteBranch(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// handlePullRequest resolves the job's pull request and evaluates it. An
// event on an integration pull request is redirected to its parent.
func (r *Robot) handlePullRequest(ctx context.Context, job *jobs.Job) error {
	pr, err := r.client.GetPullRequest(ctx, job.PR)
	if err != nil {
		return err
	}

	if integ, ok := gwf.ParseIntegration(pr.Source); ok {
		parent, err := r.findOpenPR(ctx, integ.Source)
		if err != nil {
			return err
		}
		if parent == nil {
			job.Outcome = "no parent pull request"
			return nil
		}
		pr = parent
	}

	return r.evaluate(ctx, job, pr)
}

// handleCommit evaluates every open pull request whose source tip is the
// job's commit.
func (r *Robot) handleCommit(ctx context.Context, job *jobs.Job) error {
	open, err := r.client.ListOpenPullRequests(ctx)
	if err != nil {
		return err
	}

	matched := false
	for i := range open {
		if open[i].SourceSHA != job.Commit {
			continue
		}
		matched = true
		if err := r.evaluate(ctx, job, &open[i]); err != nil {
			return err
		}
	}
	if !matched {
		job.Outcome = "no matching pull request"
	}
	return nil
}

// handleBuildStatus reacts to a CI status on a commit. A status on a queue
// item tip triggers promotion; a status on an integration or source tip
// re-evaluates the pull requests concerned.
func (r *Robot) handleBuildStatus(ctx context.Context, job *jobs.Job) error {
	refs, err := r.ws.LsRemote(ctx)
	if err != nil {
		return err
	}

	var sources []string
	for name, sha := range refs {
		if sha != job.Commit {
			continue
		}
		if _, ok := gwf.ParseQueueItem(name); ok {
			return r.promoteQueues(ctx, job, false)
		}
		if integ, ok := gwf.ParseIntegration(name); ok {
			sources = append(sources, integ.Source)
			continue
		}
		sources = append(sources, name)
	}

	evaluated := false
	for _, src := range sources {
		pr, err := r.findOpenPR(ctx, src)
		if err != nil {
			return err
		}
		if pr == nil {
			continue
		}
		evaluated = true
		if err := r.evaluate(ctx, job, pr); err != nil {
			return err
		}
	}
	if !evaluated {
		job.Outcome = "status on unmanaged commit"
	}
	return nil
}

// findOpenPR returns the open pull request whose source is the named
// branch, or nil.
func (r *Robot) findOpenPR(ctx context.Context, source string) (*host.PullRequest, error) {
	open, err := r.client.ListOpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].Source == source && !strings.HasPrefix(open[i].Source, "w/") {
			return &open[i], nil
		}
	}
	return nil, nil
}

// liveDestinations parses the remote refs into the set of destination
// branches the robot manages.
func (r *Robot) liveDestinations(ctx context.Context) ([]gwf.Destination, error) {
	refs, err := r.ws.LsRemote(ctx)
	if err != nil {
		return nil, err
	}
	var out []gwf.Destination
	for name := range refs {
		if d, ok := gwf.ParseDestination(name); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// createBranch materializes a new destination branch. The start point is
// the job's commit when given, else the tip of the newest development
// branch.
func (r *Robot) createBranch(ctx context.Context, job *jobs.Job) error {
	if _, ok := gwf.ParseDestination(job.Branch); !ok {
		return fmt.Errorf("%s is not a destination branch name", job.Branch)
	}
	exists, err := r.ws.RemoteBranchExists(ctx, job.Branch)
	if err != nil {
		return err
	}
	if exists {
		job.Outcome = "branch already exists"
		return nil
	}

	start := job.Commit
	if start == "" {
		dests, err := r.liveDestinations(ctx)
		if err != nil {
			return err
		}
		var newest *gwf.Destination
		for i := range dests {
			if dests[i].Kind != gwf.KindDevelopment {
				continue
			}
			if newest == nil || newest.Less(dests[i]) {
				newest = &dests[i]
			}
		}
		if newest == nil {
			return fmt.Errorf("no development branch to start %s from", job.Branch)
		}
		start = "origin/" + newest.Name
	}

	if err := r.ws.BranchFrom(ctx, job.Branch, start); err != nil {
		return err
	}
	if err := r.ws.Push(ctx, false, job.Branch); err != nil {
		return fmt.Errorf("push %s: %w", job.Branch, err)
	}
	job.Outcome = "branch created"
	return nil
}

// deleteBranch retires a destination branch: its tip is preserved under a
// version tag, then the branch is removed. Refused while anything is
// queued.
func (r *Robot) deleteBranch(ctx context.Context, job *jobs.Job) error {
	dst, ok := gwf.ParseDestination(job.Branch)
	if !ok {
		return fmt.Errorf("%s is not a destination branch name", job.Branch)
	}
	exists, err := r.ws.RemoteBranchExists(ctx, job.Branch)
	if err != nil {
		return err
	}
	if !exists {
		job.Outcome = "branch already gone"
		return nil
	}

	dests, err := r.liveDestinations(ctx)
	if err != nil {
		return err
	}
	coll, err := r.manager.Build(ctx, dests)
	if err != nil {
		return err
	}
	if !coll.Empty() {
		return fmt.Errorf("cannot delete %s while pull requests are queued", job.Branch)
	}

	if err := r.ws.CreateTag(ctx, dst.Version(), "origin/"+job.Branch); err != nil {
		return fmt.Errorf("tag %s: %w", dst.Version(), err)
	}
	if err := r.ws.PushTags(ctx); err != nil {
		return fmt.Errorf("push tags: %w", err)
	}
	if err := r.ws.PushDelete(ctx, job.Branch); err != nil {
		return fmt.Errorf("delete %s: %w", job.Branch, err)
	}
	job.Outcome = "branch retired as " + dst.Version()
	return nil
}
