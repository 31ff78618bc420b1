package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// MergeConflictError is returned when a merge cannot complete cleanly. Files
// lists the paths left unmerged before the merge was aborted.
type MergeConflictError struct {
	Into  string
	Heads []string
	Files []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of %s into %s conflicts on %d file(s)",
		strings.Join(e.Heads, "+"), e.Into, len(e.Files))
}

// IsMergeConflict reports whether err is a merge conflict.
func IsMergeConflict(err error) bool {
	var mc *MergeConflictError
	return errors.As(err, &mc)
}

// Commit is one entry from a rev-list query.
type Commit struct {
	SHA    string
	Author string
}

// Workspace is a cached local clone of one managed repository. A single
// writer owns it for the duration of a job; the flock guards against a second
// robot process sharing the same cache directory.
type Workspace struct {
	run  *runner
	lock *flock.Flock

	remoteURL string
	lsCache   map[string]string // ref name -> sha, invalidated on fetch/push
}

// Open clones (or reuses) the cache directory for remoteURL and configures
// the robot's committer identity. The URL may embed credentials; they are
// redacted from all logs.
func Open(ctx context.Context, cacheDir, remoteURL, robotName, robotEmail string) (*Workspace, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	ws := &Workspace{
		run:       newRunner(cacheDir),
		lock:      flock.New(filepath.Join(cacheDir, ".gwfbot.lock")),
		remoteURL: remoteURL,
	}

	if _, err := os.Stat(filepath.Join(cacheDir, ".git")); err != nil {
		if _, err := ws.run.run(ctx, "init", "."); err != nil {
			return nil, err
		}
		if _, err := ws.run.run(ctx, "remote", "add", "origin", remoteURL); err != nil {
			return nil, err
		}
	} else if _, err := ws.run.run(ctx, "remote", "set-url", "origin", remoteURL); err != nil {
		return nil, err
	}

	if _, err := ws.run.run(ctx, "config", "user.name", robotName); err != nil {
		return nil, err
	}
	if _, err := ws.run.run(ctx, "config", "user.email", robotEmail); err != nil {
		return nil, err
	}

	return ws, nil
}

// Lock takes the exclusive workspace lock. It blocks until acquired or the
// context is cancelled.
func (ws *Workspace) Lock(ctx context.Context) error {
	ok, err := ws.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock workspace: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock workspace: not acquired")
	}
	return nil
}

// Unlock releases the workspace lock.
func (ws *Workspace) Unlock() {
	if err := ws.lock.Unlock(); err != nil {
		slog.Warn("failed to unlock workspace", "error", err)
	}
}

// Fetch updates all remote-tracking refs and tags, pruning deleted branches.
// It invalidates the ls-remote cache.
func (ws *Workspace) Fetch(ctx context.Context) error {
	ws.lsCache = nil
	_, err := ws.run.run(ctx, "fetch", "--prune", "--tags", "--force", "origin",
		"+refs/heads/*:refs/remotes/origin/*")
	return err
}

// LsRemote returns the remote's branch heads (name -> sha). Results are
// cached until the next Fetch or Push.
func (ws *Workspace) LsRemote(ctx context.Context) (map[string]string, error) {
	if ws.lsCache != nil {
		return ws.lsCache, nil
	}

	out, err := ws.run.run(ctx, "ls-remote", "--heads", "origin")
	if err != nil {
		return nil, err
	}

	refs := make(map[string]string)
	for line := range strings.Lines(out) {
		sha, ref, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok {
			continue
		}
		refs[strings.TrimPrefix(ref, "refs/heads/")] = sha
	}

	ws.lsCache = refs
	return refs, nil
}

// RemoteBranchExists reports whether the named branch exists on the remote.
func (ws *Workspace) RemoteBranchExists(ctx context.Context, name string) (bool, error) {
	refs, err := ws.LsRemote(ctx)
	if err != nil {
		return false, err
	}
	_, ok := refs[name]
	return ok, nil
}

// SHA resolves a local rev (branch, origin/branch, tag, sha) to a full sha.
func (ws *Workspace) SHA(ctx context.Context, rev string) (string, error) {
	out, err := ws.run.run(ctx, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Checkout switches the worktree to the named local branch, creating or
// resetting it to start.
func (ws *Workspace) Checkout(ctx context.Context, name, start string) error {
	_, err := ws.run.run(ctx, "checkout", "-B", name, start)
	return err
}

// CheckoutDetached moves HEAD off any branch so branch deletion is safe.
func (ws *Workspace) CheckoutDetached(ctx context.Context, rev string) error {
	_, err := ws.run.run(ctx, "checkout", "--detach", rev)
	return err
}

// DeleteLocalBranch removes a local branch if it exists.
func (ws *Workspace) DeleteLocalBranch(ctx context.Context, name string) error {
	out, err := ws.run.run(ctx, "branch", "-D", name)
	if err != nil && !strings.Contains(out, "not found") {
		return err
	}
	return nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (ws *Workspace) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := ws.run.run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) && ee.status == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CommitsIn lists commits reachable from rev but not from any of the
// excluded revs, oldest first. Merge commits are skipped so that the
// robot's own integration merges never count as foreign history.
func (ws *Workspace) CommitsIn(ctx context.Context, rev string, exclude ...string) ([]Commit, error) {
	args := []string{"log", "--reverse", "--no-merges", "--format=%H\t%ae", rev}
	for _, ex := range exclude {
		args = append(args, "^"+ex)
	}

	out, err := ws.run.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var commits []Commit
	for line := range strings.Lines(out) {
		sha, author, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok {
			continue
		}
		commits = append(commits, Commit{SHA: sha, Author: author})
	}
	return commits, nil
}

// CountCommits returns the number of commits reachable from rev but not from
// base.
func (ws *Workspace) CountCommits(ctx context.Context, rev, base string) (int, error) {
	out, err := ws.run.run(ctx, "rev-list", "--count", rev, "^"+base)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &n); err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// Tags returns all tag names.
func (ws *Workspace) Tags(ctx context.Context) ([]string, error) {
	out, err := ws.run.run(ctx, "tag", "--list")
	if err != nil {
		return nil, err
	}
	var tags []string
	for line := range strings.Lines(out) {
		if t := strings.TrimSpace(line); t != "" {
			tags = append(tags, t)
		}
	}
	return tags, nil
}

// CreateTag creates a lightweight tag at rev.
func (ws *Workspace) CreateTag(ctx context.Context, name, rev string) error {
	_, err := ws.run.run(ctx, "tag", name, rev)
	return err
}

// Merge merges heads into the checked-out branch. With more than one head
// this is an octopus merge. On conflict the merge is aborted and a
// *MergeConflictError is returned.
func (ws *Workspace) Merge(ctx context.Context, into string, heads ...string) error {
	if err := ws.Checkout(ctx, into, into); err != nil {
		return err
	}

	args := append([]string{"merge", "--no-edit"}, heads...)
	if _, err := ws.run.run(ctx, args...); err != nil {
		files := ws.unmergedFiles(ctx)
		ws.abortMerge(ctx)
		return &MergeConflictError{Into: into, Heads: heads, Files: files}
	}
	return nil
}

// RobustMerge merges heads into the branch using an octopus merge, falling
// back to consecutive two-way merges when the octopus fails or is disabled.
// With both strategies allowed, the one producing fewer conflicted files
// wins; the branch is restored between attempts.
func (ws *Workspace) RobustMerge(ctx context.Context, into string, noOctopus bool, heads ...string) error {
	if len(heads) < 2 || noOctopus {
		return ws.consecutiveMerge(ctx, into, heads)
	}

	before, err := ws.SHA(ctx, into)
	if err != nil {
		return err
	}

	octErr := ws.Merge(ctx, into, heads...)
	if octErr == nil {
		return nil
	}
	if !IsMergeConflict(octErr) {
		return octErr
	}

	if err := ws.resetBranch(ctx, into, before); err != nil {
		return err
	}

	consErr := ws.consecutiveMerge(ctx, into, heads)
	if consErr == nil {
		return nil
	}

	var oct, cons *MergeConflictError
	if errors.As(octErr, &oct) && errors.As(consErr, &cons) && len(oct.Files) < len(cons.Files) {
		if err := ws.resetBranch(ctx, into, before); err != nil {
			return err
		}
		return octErr
	}
	return consErr
}

func (ws *Workspace) consecutiveMerge(ctx context.Context, into string, heads []string) error {
	for _, h := range heads {
		if err := ws.Merge(ctx, into, h); err != nil {
			return err
		}
	}
	return nil
}

func (ws *Workspace) resetBranch(ctx context.Context, name, sha string) error {
	_, err := ws.run.run(ctx, "checkout", "-B", name, sha)
	return err
}

func (ws *Workspace) unmergedFiles(ctx context.Context) []string {
	out, err := ws.run.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for line := range strings.Lines(out) {
		if f := strings.TrimSpace(line); f != "" {
			files = append(files, f)
		}
	}
	return files
}

func (ws *Workspace) abortMerge(ctx context.Context) {
	if _, err := ws.run.run(ctx, "merge", "--abort"); err != nil {
		// No merge in progress is fine.
		slog.Debug("merge --abort", "error", err)
	}
}

// Push updates the named branches on the remote. Integration and queue-item
// branches are pushed with --force-with-lease; destination branches never
// are — the queue manager only ever fast-forwards them.
func (ws *Workspace) Push(ctx context.Context, forceWithLease bool, branches ...string) error {
	if len(branches) == 0 {
		return nil
	}

	ws.lsCache = nil
	args := []string{"push"}
	if forceWithLease {
		args = append(args, "--force-with-lease")
	}
	args = append(args, "origin")
	for _, b := range branches {
		args = append(args, "refs/heads/"+b+":refs/heads/"+b)
	}
	_, err := ws.run.run(ctx, args...)
	return err
}

// PushDelete removes branches on the remote.
func (ws *Workspace) PushDelete(ctx context.Context, branches ...string) error {
	if len(branches) == 0 {
		return nil
	}

	ws.lsCache = nil
	args := []string{"push", "origin"}
	for _, b := range branches {
		args = append(args, ":refs/heads/"+b)
	}
	_, err := ws.run.run(ctx, args...)
	return err
}

// PushTags pushes all local tags.
func (ws *Workspace) PushTags(ctx context.Context) error {
	ws.lsCache = nil
	_, err := ws.run.run(ctx, "push", "origin", "--tags")
	return err
}

// TrackRemote creates or resets a local branch to its remote-tracking ref.
func (ws *Workspace) TrackRemote(ctx context.Context, name string) error {
	return ws.Checkout(ctx, name, "origin/"+name)
}

// BranchFrom creates or resets a local branch at the given start point
// without requiring a remote-tracking ref.
func (ws *Workspace) BranchFrom(ctx context.Context, name, start string) error {
	return ws.Checkout(ctx, name, start)
}
