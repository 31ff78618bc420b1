// Package integrate maintains the w/<version>/<src> integration branches
// that stage a pull request's changeset against every destination of its
// cascade.
package integrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/gitrepo"
	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/host"
)

// Branch is one materialized integration branch.
type Branch struct {
	Name    string
	Dst     gwf.Destination
	Tip     string
	Created bool // materialized during this run
}

// Conflict reports a failed integration merge. OnFeature is set when the
// conflict is between the source branch and the pull request's own
// destination, and is therefore fixable on the feature branch.
type Conflict struct {
	Integration string
	OnFeature   bool
	Previous    string // branch to merge when resolving on the integration branch
}

// Result is the outcome of an Update run. At most one of HistoryMismatch
// and Conflict is set; when either is, Branches holds the state reached so
// far and nothing was pushed past the failure point.
type Result struct {
	Branches        []Branch
	HistoryMismatch string
	Conflict        *Conflict
}

// Tips returns branch name to tip sha for all materialized branches.
func (r *Result) Tips() map[string]string {
	out := make(map[string]string, len(r.Branches))
	for _, b := range r.Branches {
		out[b.Name] = b.Tip
	}
	return out
}

// Engine drives integration branch maintenance inside a locked, fetched
// workspace.
type Engine struct {
	ws       *gitrepo.Workspace
	settings *config.Settings
	logger   *slog.Logger
}

// NewEngine builds an engine over an already locked workspace.
func NewEngine(ws *gitrepo.Workspace, settings *config.Settings, logger *slog.Logger) *Engine {
	return &Engine{ws: ws, settings: settings, logger: logger}
}

// Update creates or refreshes the integration branch of every destination
// in the cascade, in order. The first branch merges the source and the pull
// request's own destination; every later branch merges its destination and
// the previous integration branch. A merge conflict or a history mismatch
// stops the run and is reported in the Result, not as an error.
func (e *Engine) Update(ctx context.Context, src string, cascade gwf.Cascade, noOctopus bool) (*Result, error) {
	res := &Result{}

	prev := "origin/" + src
	for i, dst := range cascade.Branches {
		name := gwf.IntegrationName(dst, src)
		exists, err := e.ws.RemoteBranchExists(ctx, name)
		if err != nil {
			return nil, err
		}

		if exists {
			if err := e.ws.Checkout(ctx, name, "origin/"+name); err != nil {
				return nil, err
			}
		} else {
			if err := e.ws.Checkout(ctx, name, "origin/"+dst.Name); err != nil {
				return nil, err
			}
		}

		if i == 0 && exists {
			mismatch, err := e.historyMismatch(ctx, name, src, dst.Name)
			if err != nil {
				return nil, err
			}
			if mismatch {
				res.HistoryMismatch = name
				return res, nil
			}
		}

		err = e.ws.RobustMerge(ctx, name, noOctopus, "origin/"+dst.Name, prev)
		if gitrepo.IsMergeConflict(err) {
			res.Conflict = &Conflict{
				Integration: name,
				OnFeature:   i == 0,
				Previous:    strings.TrimPrefix(prev, "origin/"),
			}
			return res, nil
		}
		if err != nil {
			return nil, err
		}

		tip, err := e.ws.SHA(ctx, name)
		if err != nil {
			return nil, err
		}
		res.Branches = append(res.Branches, Branch{
			Name: name, Dst: dst, Tip: tip, Created: !exists,
		})
		prev = name
	}

	var names []string
	for _, b := range res.Branches {
		names = append(names, b.Name)
	}
	if err := e.ws.Push(ctx, false, names...); err != nil {
		return nil, fmt.Errorf("push integration branches: %w", err)
	}
	return res, nil
}

// historyMismatch reports whether the first integration branch carries a
// commit that belongs to neither the source nor the destination branch.
func (e *Engine) historyMismatch(ctx context.Context, name, src, dst string) (bool, error) {
	commits, err := e.ws.CommitsIn(ctx, "origin/"+name, "origin/"+dst)
	if err != nil {
		return false, err
	}
	for _, c := range commits {
		onSource, err := e.ws.IsAncestor(ctx, c.SHA, "origin/"+src)
		if err != nil {
			return false, err
		}
		if !onSource {
			return true, nil
		}
	}
	return false, nil
}

// PullRequests ensures an integration pull request exists for every
// integration branch except the first, whose review surface is the parent
// pull request itself. Returns the ids of all child pull requests and
// whether any was created in this run.
func (e *Engine) PullRequests(ctx context.Context, client host.Client, parent *host.PullRequest, res *Result) ([]int, bool, error) {
	if len(res.Branches) < 2 {
		return nil, false, nil
	}

	open, err := client.ListOpenPullRequests(ctx)
	if err != nil {
		return nil, false, err
	}
	bySource := map[string]int{}
	for _, pr := range open {
		bySource[pr.Source] = pr.ID
	}

	var ids []int
	created := false
	for _, b := range res.Branches[1:] {
		if id, ok := bySource[b.Name]; ok {
			ids = append(ids, id)
			continue
		}
		title := fmt.Sprintf("INTEGRATION [PR#%d > %s] %s", parent.ID, b.Dst.Version(), parent.Title)
		body := fmt.Sprintf(
			"This pull request was created automatically to stage #%d on `%s`.\n\n"+
				"Do not edit or merge it manually; it is managed by @%s.",
			parent.ID, b.Dst.Name, e.settings.Robot)
		pr, err := client.CreatePullRequest(ctx, title, body, b.Name, b.Dst.Name)
		if err != nil {
			return nil, false, fmt.Errorf("create integration pull request for %s: %w", b.Name, err)
		}
		e.logger.Info("created integration pull request", "pr", pr.ID, "branch", b.Name)
		ids = append(ids, pr.ID)
		created = true
	}
	return ids, created, nil
}

// ErrLossyReset is returned by Reset when an integration branch carries
// commits not authored by the robot and force is not set.
var ErrLossyReset = errors.New("reset would lose user commits on integration branches")

// ResetResult reports what a reset removed.
type ResetResult struct {
	Deleted        []string
	CouldntDecline []int
}

// Reset deletes the pull request's integration branches and declines the
// matching integration pull requests. Without force, the reset is refused
// with ErrLossyReset when any integration branch carries a commit that is
// on neither the source branch nor its destination and was not authored by
// the robot.
func (e *Engine) Reset(ctx context.Context, client host.Client, src string, cascade gwf.Cascade, force bool) (*ResetResult, error) {
	var branches []Branch
	for _, dst := range cascade.Branches {
		name := gwf.IntegrationName(dst, src)
		exists, err := e.ws.RemoteBranchExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if exists {
			branches = append(branches, Branch{Name: name, Dst: dst})
		}
	}
	if len(branches) == 0 {
		return &ResetResult{}, nil
	}

	if !force {
		for _, b := range branches {
			lossy, err := e.hasUserCommits(ctx, b.Name, src, b.Dst.Name)
			if err != nil {
				return nil, err
			}
			if lossy {
				return nil, ErrLossyReset
			}
		}
	}

	res := &ResetResult{}
	for _, b := range branches {
		res.Deleted = append(res.Deleted, b.Name)
	}
	if err := e.ws.PushDelete(ctx, res.Deleted...); err != nil {
		return nil, fmt.Errorf("delete integration branches: %w", err)
	}

	open, err := client.ListOpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}
	for _, pr := range open {
		if _, ok := gwf.ParseIntegration(pr.Source); !ok {
			continue
		}
		if !strings.HasSuffix(pr.Source, "/"+src) {
			continue
		}
		if err := client.DeclinePullRequest(ctx, pr.ID); err != nil {
			e.logger.Warn("could not decline integration pull request", "pr", pr.ID, "error", err)
			res.CouldntDecline = append(res.CouldntDecline, pr.ID)
		}
	}
	return res, nil
}

// hasUserCommits reports whether the integration branch carries commits
// that are on neither src nor dst and were not committed by the robot.
func (e *Engine) hasUserCommits(ctx context.Context, name, src, dst string) (bool, error) {
	commits, err := e.ws.CommitsIn(ctx, "origin/"+name, "origin/"+dst, "origin/"+src)
	if err != nil {
		return false, err
	}
	for _, c := range commits {
		if c.Author != e.settings.RobotEmail {
			return true, nil
		}
	}
	return false, nil
}

// CleanupDeclined removes the integration data left behind by a pull
// request that was closed without being merged.
func (e *Engine) CleanupDeclined(ctx context.Context, client host.Client, src string, cascade gwf.Cascade) error {
	_, err := e.Reset(ctx, client, src, cascade, true)
	return err
}

// MergeDirect fast-forwards every destination to its integration tip, in
// cascade order, then deletes the integration branches. Used when queues
// are disabled.
func (e *Engine) MergeDirect(ctx context.Context, res *Result) error {
	for _, b := range res.Branches {
		if err := e.ws.Checkout(ctx, b.Dst.Name, "origin/"+b.Dst.Name); err != nil {
			return err
		}
		if err := e.ws.Merge(ctx, b.Dst.Name, b.Name); err != nil {
			return fmt.Errorf("merge %s into %s: %w", b.Name, b.Dst.Name, err)
		}
	}

	var names []string
	for _, b := range res.Branches {
		names = append(names, b.Dst.Name)
	}
	if err := e.ws.Push(ctx, false, names...); err != nil {
		return fmt.Errorf("push destinations: %w", err)
	}

	var wnames []string
	for _, b := range res.Branches {
		wnames = append(wnames, b.Name)
	}
	if err := e.ws.PushDelete(ctx, wnames...); err != nil {
		e.logger.Warn("could not prune integration branches", "error", err)
	}
	return nil
}
