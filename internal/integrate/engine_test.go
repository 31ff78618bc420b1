package integrate

import (
	"context"
	"log/slog"
	"slices"
	"testing"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/gitrepo"
	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/testutil"
)

const src = "bugfix/PROJ-1-fix"

func testSettings() *config.Settings {
	return &config.Settings{
		RepositoryOwner: "acme", RepositorySlug: "widget",
		Robot: "robot", RobotEmail: "robot@example.com",
	}
}

func testCascade(t *testing.T) gwf.Cascade {
	t.Helper()
	d2, _ := gwf.ParseDestination("development/2.0")
	d3, _ := gwf.ParseDestination("development/3.0")
	return gwf.Cascade{Branches: []gwf.Destination{d2, d3}}
}

func testEngine(t *testing.T, f *testutil.GitFixture) (*Engine, *gitrepo.Workspace) {
	t.Helper()
	ctx := context.Background()

	ws, err := gitrepo.Open(ctx, t.TempDir(), f.OriginURL, "robot", "robot@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	return NewEngine(ws, testSettings(), slog.New(slog.DiscardHandler)), ws
}

func TestUpdateCreatesCascadeBranches(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src)
	f.Commit(t, src, "fix.txt", "fixed")

	eng, ws := testEngine(t, f)

	res, err := eng.Update(ctx, src, testCascade(t), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Conflict != nil || res.HistoryMismatch != "" {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if len(res.Branches) != 2 {
		t.Fatalf("expected 2 integration branches, got %d", len(res.Branches))
	}

	names := f.Branches(t)
	for _, want := range []string{"w/2.0/" + src, "w/3.0/" + src} {
		if !slices.Contains(names, want) {
			t.Errorf("branch %s not pushed to origin", want)
		}
	}
	for _, b := range res.Branches {
		if !b.Created {
			t.Errorf("branch %s should be marked created", b.Name)
		}
	}

	// The source commit must be reachable from every integration tip.
	srcSHA := f.SHA(t, src)
	for _, b := range res.Branches {
		ok, err := ws.IsAncestor(ctx, srcSHA, b.Tip)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("source commit not reachable from %s", b.Name)
		}
	}

	// A second run is a no-op update.
	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	res, err = eng.Update(ctx, src, testCascade(t), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, b := range res.Branches {
		if b.Created {
			t.Errorf("branch %s should already exist", b.Name)
		}
	}
}

func TestUpdateConflictOnFeature(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src)
	f.Commit(t, src, "data.txt", "feature change")
	f.Commit(t, "development/2.0", "data.txt", "mainline change")

	eng, _ := testEngine(t, f)

	res, err := eng.Update(ctx, src, testCascade(t), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Conflict == nil {
		t.Fatal("expected a conflict")
	}
	if !res.Conflict.OnFeature {
		t.Error("conflict against the own destination must be fixable on the feature branch")
	}
	if res.Conflict.Integration != "w/2.0/"+src {
		t.Errorf("unexpected conflicting branch %s", res.Conflict.Integration)
	}
}

func TestUpdateConflictDownCascade(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src)
	f.Commit(t, src, "notes.txt", "feature text")
	f.Commit(t, "development/3.0", "notes.txt", "newer text")

	eng, _ := testEngine(t, f)

	res, err := eng.Update(ctx, src, testCascade(t), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Conflict == nil {
		t.Fatal("expected a conflict")
	}
	if res.Conflict.OnFeature {
		t.Error("conflict past the first destination must be fixed on the integration branch")
	}
	if res.Conflict.Integration != "w/3.0/"+src {
		t.Errorf("unexpected conflicting branch %s", res.Conflict.Integration)
	}
	if res.Conflict.Previous != "w/2.0/"+src {
		t.Errorf("unexpected previous branch %s", res.Conflict.Previous)
	}
}

func TestUpdateHistoryMismatch(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src)
	f.Commit(t, src, "fix.txt", "fixed")

	eng, ws := testEngine(t, f)
	if _, err := eng.Update(ctx, src, testCascade(t), false); err != nil {
		t.Fatal(err)
	}

	// A stray commit on the first integration branch belongs to neither the
	// source nor the destination.
	f.Commit(t, "w/2.0/"+src, "stray.txt", "oops")
	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := eng.Update(ctx, src, testCascade(t), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.HistoryMismatch != "w/2.0/"+src {
		t.Errorf("expected history mismatch on the first branch, got %+v", res)
	}
}

func TestPullRequests(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src)
	f.Commit(t, src, "fix.txt", "fixed")

	eng, _ := testEngine(t, f)
	res, err := eng.Update(ctx, src, testCascade(t), false)
	if err != nil {
		t.Fatal(err)
	}

	mock := host.NewMockClient()
	parent := mock.AddPR(1, "alice", src, "development/2.0", f.SHA(t, src))

	ids, created, err := eng.PullRequests(ctx, mock, parent, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || len(ids) != 1 {
		t.Fatalf("expected 1 created child pull request, got %v (created=%v)", ids, created)
	}
	child := mock.PRs[ids[0]]
	if child.Source != "w/3.0/"+src || child.Destination != "development/3.0" {
		t.Errorf("unexpected child pull request: %+v", child)
	}

	// Second call finds the existing one.
	ids2, created, err := eng.PullRequests(ctx, mock, parent, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || len(ids2) != 1 || ids2[0] != ids[0] {
		t.Errorf("expected existing child to be reused, got %v (created=%v)", ids2, created)
	}
}

func TestResetLossy(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src)
	f.Commit(t, src, "fix.txt", "fixed")

	eng, ws := testEngine(t, f)
	if _, err := eng.Update(ctx, src, testCascade(t), false); err != nil {
		t.Fatal(err)
	}

	// A user-authored commit on an integration branch makes a plain reset
	// refuse to proceed.
	f.Commit(t, "w/3.0/"+src, "manual.txt", "conflict resolution")
	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}

	mock := host.NewMockClient()
	if _, err := eng.Reset(ctx, mock, src, testCascade(t), false); err != ErrLossyReset {
		t.Fatalf("expected ErrLossyReset, got %v", err)
	}

	res, err := eng.Reset(ctx, mock, src, testCascade(t), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Deleted) != 2 {
		t.Errorf("expected 2 deleted branches, got %v", res.Deleted)
	}
	for _, name := range f.Branches(t) {
		if _, ok := gwf.ParseIntegration(name); ok {
			t.Errorf("integration branch %s still on origin", name)
		}
	}
}

func TestResetDeclinesChildPullRequests(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src)
	f.Commit(t, src, "fix.txt", "fixed")

	eng, _ := testEngine(t, f)
	res, err := eng.Update(ctx, src, testCascade(t), false)
	if err != nil {
		t.Fatal(err)
	}

	mock := host.NewMockClient()
	parent := mock.AddPR(1, "alice", src, "development/2.0", f.SHA(t, src))
	ids, _, err := eng.PullRequests(ctx, mock, parent, res)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Reset(ctx, mock, src, testCascade(t), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.PRs[ids[0]].State != host.PRDeclined {
		t.Errorf("child pull request not declined: %+v", mock.PRs[ids[0]])
	}
	if mock.PRs[1].State != host.PROpen {
		t.Error("parent pull request must stay open")
	}
}

func TestMergeDirect(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src)
	srcSHA := f.Commit(t, src, "fix.txt", "fixed")

	eng, ws := testEngine(t, f)
	res, err := eng.Update(ctx, src, testCascade(t), false)
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.MergeDirect(ctx, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	for _, dst := range []string{"development/2.0", "development/3.0"} {
		ok, err := ws.IsAncestor(ctx, srcSHA, "origin/"+dst)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("source commit not merged into %s", dst)
		}
	}
	for _, name := range f.Branches(t) {
		if _, ok := gwf.ParseIntegration(name); ok {
			t.Errorf("integration branch %s not pruned", name)
		}
	}
}
