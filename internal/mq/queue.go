// Package mq implements the merge queue. Queue state lives entirely in git
// branches: one q/<version> lane per destination and one
// q/w/<pr>/<version>/<src> item branch per queued pull request and lane.
// The collection is rebuilt from the remote refs on every run.
package mq

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/gitrepo"
	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/integrate"
)

// Item is one queued pull request's contribution to a lane.
type Item struct {
	PR     int
	Branch string
	Src    string
	Tip    string
}

// Lane is the queue of one destination branch.
type Lane struct {
	Dst    gwf.Destination
	Branch string
	Tip    string
	Items  []Item // oldest first
}

// Collection is the full queue state, lanes in cascade order.
type Collection struct {
	Lanes []Lane
}

// Empty reports whether nothing is queued.
func (c *Collection) Empty() bool {
	for _, l := range c.Lanes {
		if len(l.Items) > 0 {
			return false
		}
	}
	return true
}

// PRs returns the queued pull request ids in admission order, read from the
// last lane (which sees every queued pull request).
func (c *Collection) PRs() []int {
	if len(c.Lanes) == 0 {
		return nil
	}
	var out []int
	for _, it := range c.Lanes[len(c.Lanes)-1].Items {
		if !slices.Contains(out, it.PR) {
			out = append(out, it.PR)
		}
	}
	return out
}

// OutOfOrderError reports an incoherent queue state. No promotion happens
// until an operator rebuilds or deletes the queues.
type OutOfOrderError struct {
	Problems []string
}

func (e *OutOfOrderError) Error() string {
	return "queue out of order: " + strings.Join(e.Problems, "; ")
}

// ConflictError reports that a pull request's integration branches conflict
// with already-queued content.
type ConflictError struct {
	Lane string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("queue conflict on %s: %v", e.Lane, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Manager manipulates the queues inside a locked, fetched workspace.
type Manager struct {
	ws       *gitrepo.Workspace
	settings *config.Settings
	logger   *slog.Logger
}

// NewManager builds a manager over an already locked workspace.
func NewManager(ws *gitrepo.Workspace, settings *config.Settings, logger *slog.Logger) *Manager {
	return &Manager{ws: ws, settings: settings, logger: logger}
}

// Build collects the q/* refs and assembles the queue collection. lanes on
// versions without a matching destination are reported as out of order by
// Validate, not here.
func (m *Manager) Build(ctx context.Context, destinations []gwf.Destination) (*Collection, error) {
	refs, err := m.ws.LsRemote(ctx)
	if err != nil {
		return nil, err
	}

	byVersion := map[string]*Lane{}
	var order []string
	laneFor := func(version string) *Lane {
		if l, ok := byVersion[version]; ok {
			return l
		}
		l := &Lane{}
		byVersion[version] = l
		order = append(order, version)
		return l
	}

	for name, sha := range refs {
		if item, ok := gwf.ParseQueueItem(name); ok {
			l := laneFor(item.Version)
			l.Items = append(l.Items, Item{
				PR: item.PRID, Branch: name, Src: item.Source, Tip: sha,
			})
			continue
		}
		if version, ok := gwf.ParseQueueLane(name); ok {
			l := laneFor(version)
			l.Branch = name
			l.Tip = sha
		}
	}

	coll := &Collection{}
	for _, dst := range destinations {
		l, ok := byVersion[dst.Version()]
		if !ok {
			continue
		}
		l.Dst = dst
		if err := m.sortItems(ctx, l.Items); err != nil {
			return nil, err
		}
		coll.Lanes = append(coll.Lanes, *l)
		delete(byVersion, dst.Version())
	}

	// Lanes with no live destination still block the queue; surface them
	// so validation fails loudly instead of silently dropping items.
	for _, version := range order {
		if l, ok := byVersion[version]; ok {
			coll.Lanes = append(coll.Lanes, *l)
		}
	}
	return coll, nil
}

// sortItems orders items oldest first by git ancestry.
func (m *Manager) sortItems(ctx context.Context, items []Item) error {
	var sortErr error
	slices.SortStableFunc(items, func(a, b Item) int {
		if a.Tip == b.Tip {
			return 0
		}
		ok, err := m.ws.IsAncestor(ctx, a.Tip, b.Tip)
		if err != nil {
			sortErr = err
			return 0
		}
		if ok {
			return -1
		}
		return 1
	})
	return sortErr
}

// Validate checks the queue collection for coherence. Horizontal: within a
// lane, items are strictly ancestral, the lane tip carries the newest item
// and the lane includes its destination. Vertical: every lane's pull
// request sequence is a subsequence of the last lane's, and the later
// lane's item for a pull request includes the earlier lane's.
func (m *Manager) Validate(ctx context.Context, coll *Collection) error {
	if len(coll.Lanes) == 0 {
		return nil
	}

	var problems []string
	note := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, l := range coll.Lanes {
		if l.Dst.Name == "" {
			note("lane %s has no matching destination branch", l.Branch)
			continue
		}
		if l.Branch == "" {
			note("missing lane branch q/%s", l.Dst.Version())
			continue
		}

		prev := "origin/" + l.Dst.Name
		for _, it := range l.Items {
			ok, err := m.ws.IsAncestor(ctx, prev, it.Tip)
			if err != nil {
				return err
			}
			if !ok {
				note("%s does not include %s", it.Branch, prev)
			}
			prev = it.Tip
		}

		switch {
		case len(l.Items) == 0:
			ok, err := m.ws.IsAncestor(ctx, "origin/"+l.Dst.Name, l.Tip)
			if err != nil {
				return err
			}
			if !ok {
				note("empty lane %s is behind %s", l.Branch, l.Dst.Name)
			}
		default:
			newest := l.Items[len(l.Items)-1]
			if l.Tip != newest.Tip {
				note("lane %s does not point at %s", l.Branch, newest.Branch)
			}
		}
	}

	last := coll.Lanes[len(coll.Lanes)-1]
	lastPRs := prSequence(last.Items)
	for _, l := range coll.Lanes[:len(coll.Lanes)-1] {
		if !isSubsequence(prSequence(l.Items), lastPRs) {
			note("lane %s order disagrees with %s", l.Branch, last.Branch)
		}
		for _, it := range l.Items {
			later := findItem(last.Items, it.PR)
			if later == nil {
				continue
			}
			ok, err := m.ws.IsAncestor(ctx, it.Tip, later.Tip)
			if err != nil {
				return err
			}
			if !ok {
				note("%s not included in %s", it.Branch, later.Branch)
			}
		}
	}

	if len(problems) > 0 {
		return &OutOfOrderError{Problems: problems}
	}
	return nil
}

func prSequence(items []Item) []int {
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, it.PR)
	}
	return out
}

func isSubsequence(sub, full []int) bool {
	i := 0
	for _, v := range full {
		if i < len(sub) && sub[i] == v {
			i++
		}
	}
	return i == len(sub)
}

func findItem(items []Item, pr int) *Item {
	for i := range items {
		if items[i].PR == pr {
			return &items[i]
		}
	}
	return nil
}

// InQueue reports whether the pull request already has queue items.
func (m *Manager) InQueue(ctx context.Context, prID int) (bool, error) {
	refs, err := m.ws.LsRemote(ctx)
	if err != nil {
		return false, err
	}
	prefix := fmt.Sprintf("q/w/%d/", prID)
	for name := range refs {
		if strings.HasPrefix(name, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// Add admits a pull request into the queues: one item branch per
// integration branch, each lane fast-forwarded to its new item. A merge
// failure aborts the whole admission with a ConflictError and pushes
// nothing.
func (m *Manager) Add(ctx context.Context, prID int, src string, wbranches []integrate.Branch) error {
	var toPush []string

	prevItem := ""
	for i, w := range wbranches {
		laneName := gwf.QueueName(w.Dst)
		exists, err := m.ws.RemoteBranchExists(ctx, laneName)
		if err != nil {
			return err
		}
		start := "origin/" + laneName
		if !exists {
			start = "origin/" + w.Dst.Name
		}
		if err := m.ws.Checkout(ctx, laneName, start); err != nil {
			return err
		}

		heads := []string{w.Name}
		if i > 0 && prevItem != "" {
			heads = append(heads, prevItem)
		}
		if err := m.ws.Merge(ctx, laneName, heads...); err != nil {
			if gitrepo.IsMergeConflict(err) {
				return &ConflictError{Lane: laneName, Err: err}
			}
			return err
		}

		itemName := gwf.QueueItemName(prID, w.Dst, src)
		if err := m.ws.BranchFrom(ctx, itemName, laneName); err != nil {
			return err
		}
		toPush = append(toPush, laneName, itemName)
		prevItem = itemName
	}

	if err := m.ws.Push(ctx, false, toPush...); err != nil {
		return fmt.Errorf("push queue branches: %w", err)
	}
	m.logger.Info("queued pull request", "pr", prID, "lanes", len(wbranches))
	return nil
}

// Promoted describes one pull request merged out of the queue.
type Promoted struct {
	PR       int
	Branches []string // destinations that advanced
}

// TipFailure identifies a queue item whose build failed.
type TipFailure struct {
	PR     int
	Branch string
	Commit string
}

// Mergeable returns the pull requests whose queued content can be promoted
// given the build statuses on lane tips, oldest first, along with the
// items whose builds failed. With force set, build statuses are ignored
// and everything is mergeable.
func (m *Manager) Mergeable(ctx context.Context, client host.Client, coll *Collection, force bool) ([]int, []TipFailure, error) {
	if force {
		return coll.PRs(), nil, nil
	}

	// Work on a copy: the lookup removes failed suffixes until every lane
	// tip is green.
	lanes := make([]Lane, len(coll.Lanes))
	for i, l := range coll.Lanes {
		lanes[i] = l
		lanes[i].Items = slices.Clone(l.Items)
	}

	var failures []TipFailure
	for {
		failedPR := 0
		for _, l := range lanes {
			if len(l.Items) == 0 {
				continue
			}
			tip := l.Items[len(l.Items)-1]
			status, err := client.GetBuildStatus(ctx, tip.Tip)
			if err != nil {
				return nil, nil, err
			}
			if status == host.BuildFailed {
				failures = append(failures, TipFailure{PR: tip.PR, Branch: tip.Branch, Commit: tip.Tip})
			}
			if status != host.BuildSuccessful {
				failedPR = tip.PR
				break
			}
		}
		if failedPR == 0 {
			break
		}
		// Drop the failed pull request and everything queued after it.
		// Lanes the failed pull request never reached stay untouched.
		for i := range lanes {
			if findItem(lanes[i].Items, failedPR) == nil {
				continue
			}
			items := lanes[i].Items
			for len(items) > 0 {
				last := items[len(items)-1]
				items = items[:len(items)-1]
				if last.PR == failedPR {
					break
				}
			}
			lanes[i].Items = items
		}
	}

	trimmed := &Collection{Lanes: lanes}
	return trimmed.PRs(), failures, nil
}

// Promote fast-forwards each destination to its newest mergeable item,
// deletes the consumed item branches, and reports the merged pull
// requests. The caller must have validated the collection first.
func (m *Manager) Promote(ctx context.Context, coll *Collection, mergeable []int) ([]Promoted, error) {
	if len(mergeable) == 0 {
		return nil, nil
	}

	byPR := map[int]*Promoted{}
	var order []int

	var dstPush, itemDelete []string
	for _, l := range coll.Lanes {
		var newest *Item
		for i := range l.Items {
			if slices.Contains(mergeable, l.Items[i].PR) {
				newest = &l.Items[i]
			} else {
				break
			}
		}
		if newest == nil {
			continue
		}

		if err := m.ws.Checkout(ctx, l.Dst.Name, "origin/"+l.Dst.Name); err != nil {
			return nil, err
		}
		if err := m.ws.Merge(ctx, l.Dst.Name, newest.Tip); err != nil {
			return nil, fmt.Errorf("fast-forward %s: %w", l.Dst.Name, err)
		}
		dstPush = append(dstPush, l.Dst.Name)

		for i := range l.Items {
			it := l.Items[i]
			if !slices.Contains(mergeable, it.PR) {
				break
			}
			itemDelete = append(itemDelete, it.Branch)
			p, ok := byPR[it.PR]
			if !ok {
				p = &Promoted{PR: it.PR}
				byPR[it.PR] = p
				order = append(order, it.PR)
			}
			p.Branches = append(p.Branches, l.Dst.Name)
		}
	}

	if err := m.ws.Push(ctx, false, dstPush...); err != nil {
		return nil, fmt.Errorf("push destinations: %w", err)
	}
	if err := m.ws.PushDelete(ctx, itemDelete...); err != nil {
		m.logger.Warn("could not prune queue item branches", "error", err)
	}

	out := make([]Promoted, 0, len(order))
	for _, pr := range order {
		out = append(out, *byPR[pr])
	}
	return out, nil
}

// Delete removes every queue branch and returns the pull requests that
// were queued, so the caller can re-enqueue evaluation jobs for them.
func (m *Manager) Delete(ctx context.Context) ([]int, error) {
	refs, err := m.ws.LsRemote(ctx)
	if err != nil {
		return nil, err
	}

	var prs []int
	var branches []string
	for name := range refs {
		if item, ok := gwf.ParseQueueItem(name); ok {
			branches = append(branches, name)
			if !slices.Contains(prs, item.PRID) {
				prs = append(prs, item.PRID)
			}
			continue
		}
		if _, ok := gwf.ParseQueueLane(name); ok {
			branches = append(branches, name)
		}
	}
	if len(branches) == 0 {
		return nil, nil
	}

	if err := m.ws.PushDelete(ctx, branches...); err != nil {
		return nil, fmt.Errorf("delete queue branches: %w", err)
	}
	slices.Sort(prs)
	m.logger.Info("deleted queues", "branches", len(branches), "prs", len(prs))
	return prs, nil
}
