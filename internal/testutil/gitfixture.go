// Package testutil provides shared test infrastructure: throwaway git
// repositories with a bare "origin" and a seeding clone, so workspace,
// integration and queue logic can be exercised against real git history.
// Tests skip when no git binary is available.
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// GitFixture is a bare origin repository plus a seeding clone used to
// fabricate history in tests.
type GitFixture struct {
	OriginURL string // file:// URL of the bare repository
	seedDir   string
}

// RequireGit skips the test when git is not installed.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// NewGitFixture creates a bare origin and a seeding clone with one initial
// commit on each of the given branches (all pointing at the same root).
func NewGitFixture(t *testing.T, branches ...string) *GitFixture {
	t.Helper()
	RequireGit(t)

	base := t.TempDir()
	origin := filepath.Join(base, "origin.git")
	seed := filepath.Join(base, "seed")

	f := &GitFixture{OriginURL: "file://" + origin, seedDir: seed}

	f.git(t, base, "init", "--bare", origin)
	f.git(t, base, "clone", origin, seed)
	f.git(t, seed, "config", "user.name", "fixture")
	f.git(t, seed, "config", "user.email", "fixture@example.com")

	if err := os.WriteFile(filepath.Join(seed, "README"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.git(t, seed, "add", "README")
	f.git(t, seed, "commit", "-m", "initial commit")

	for _, b := range branches {
		f.git(t, seed, "branch", "-f", b, "HEAD")
	}
	args := append([]string{"push", "origin"}, branches...)
	f.git(t, seed, args...)

	return f
}

// Commit adds a commit touching the given file on branch and pushes it.
// Returns the new sha.
func (f *GitFixture) Commit(t *testing.T, branch, file, content string) string {
	t.Helper()

	f.git(t, f.seedDir, "fetch", "origin")
	f.git(t, f.seedDir, "checkout", "-B", branch, "origin/"+branch)

	path := filepath.Join(f.seedDir, file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	f.git(t, f.seedDir, "add", file)
	f.git(t, f.seedDir, "commit", "-m", "update "+file)
	f.git(t, f.seedDir, "push", "origin", branch)

	return f.SHA(t, branch)
}

// Branch creates branch at the tip of from and pushes it.
func (f *GitFixture) Branch(t *testing.T, name, from string) {
	t.Helper()
	f.git(t, f.seedDir, "fetch", "origin")
	f.git(t, f.seedDir, "branch", "-f", name, "origin/"+from)
	f.git(t, f.seedDir, "push", "origin", name)
}

// Tag creates a lightweight tag at the tip of branch and pushes it.
func (f *GitFixture) Tag(t *testing.T, name, branch string) {
	t.Helper()
	f.git(t, f.seedDir, "fetch", "origin")
	f.git(t, f.seedDir, "tag", "-f", name, "origin/"+branch)
	f.git(t, f.seedDir, "push", "origin", name)
}

// SHA returns the remote tip of branch.
func (f *GitFixture) SHA(t *testing.T, branch string) string {
	t.Helper()
	out := f.gitOut(t, f.seedDir, "ls-remote", "origin", "refs/heads/"+branch)
	sha, _, _ := strings.Cut(strings.TrimSpace(out), "\t")
	if sha == "" {
		t.Fatalf("branch %s not found on origin", branch)
	}
	return sha
}

// Branches returns the names of all branches on origin.
func (f *GitFixture) Branches(t *testing.T) []string {
	t.Helper()
	out := f.gitOut(t, f.seedDir, "ls-remote", "--heads", "origin")

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if _, ref, ok := strings.Cut(line, "\t"); ok {
			names = append(names, strings.TrimPrefix(ref, "refs/heads/"))
		}
	}
	return names
}

func (f *GitFixture) git(t *testing.T, dir string, args ...string) {
	t.Helper()
	f.gitOut(t, dir, args...)
}

func (f *GitFixture) gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &out

	if err := cmd.Run(); err != nil {
		t.Fatal(fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, out.String()))
	}
	return out.String()
}
