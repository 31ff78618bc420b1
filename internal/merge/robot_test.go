package merge

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/gitrepo"
	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/integrate"
	"github.com/jogman/gwfbot/internal/jobs"
	"github.com/jogman/gwfbot/internal/message"
	"github.com/jogman/gwfbot/internal/mq"
	"github.com/jogman/gwfbot/internal/testutil"
	"github.com/jogman/gwfbot/internal/tracker"
)

const (
	src1 = "bugfix/PROJ-1-first"
	src2 = "bugfix/PROJ-2-second"
	src3 = "feature/PROJ-3-shiny"
)

func testSettings() *config.Settings {
	return &config.Settings{
		RepositoryOwner: "acme", RepositorySlug: "widget",
		Robot: "robot", RobotEmail: "robot@example.com",
		Admins:                              []string{"dan"},
		AlwaysCreateIntegrationBranches:     true,
		AlwaysCreateIntegrationPullRequests: true,
		UseQueue:                            true,
	}
}

func newRobot(t *testing.T, f *testutil.GitFixture) (*Robot, *gitrepo.Workspace, *host.MockClient) {
	t.Helper()
	ctx := context.Background()

	ws, err := gitrepo.Open(ctx, t.TempDir(), f.OriginURL, "robot", "robot@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}

	mock := host.NewMockClient()
	logger := slog.New(slog.DiscardHandler)
	msg := message.NewMessenger(mock, "robot", "test", logger)
	return New(testSettings(), mock, tracker.Noop{}, ws, msg, logger), ws, mock
}

func prJob(pr int) *jobs.Job {
	job := jobs.New("acme/widget", jobs.KindPullRequest)
	job.PR = pr
	return job
}

func handle(t *testing.T, r *Robot, job *jobs.Job) {
	t.Helper()
	if err := r.Handle(context.Background(), job); err != nil {
		t.Fatalf("job %s failed: %v", job, err)
	}
}

// postedCodes returns the status codes of the robot's comments on a pull
// request, in posting order.
func postedCodes(mock *host.MockClient, prID int) []int {
	var out []int
	for _, body := range mock.RobotComments(prID) {
		if code, ok := message.CodeOf(body); ok {
			out = append(out, int(code))
		}
	}
	return out
}

// queuePR admits a pull request into the queues directly, bypassing the
// gating checks, so queue-side behavior can be tested in isolation.
func queuePR(t *testing.T, ws *gitrepo.Workspace, prID int, src string) {
	t.Helper()
	ctx := context.Background()

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	d2, _ := gwf.ParseDestination("development/2.0")
	d3, _ := gwf.ParseDestination("development/3.0")
	cascade := gwf.Cascade{Branches: []gwf.Destination{d2, d3}}

	logger := slog.New(slog.DiscardHandler)
	eng := integrate.NewEngine(ws, testSettings(), logger)
	res, err := eng.Update(ctx, src, cascade, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflict != nil || res.HistoryMismatch != "" {
		t.Fatalf("integration failed: %+v", res)
	}
	if err := mq.NewManager(ws, testSettings(), logger).Add(ctx, prID, src, res.Branches); err != nil {
		t.Fatal(err)
	}
}

func TestGreenPathMergesAfterBuilds(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src1)
	sha := f.Commit(t, src1, "fix.txt", "fixed")

	r, ws, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)

	// First pass: greeting and integration data, then waiting on builds.
	job := prJob(1)
	handle(t, r, job)

	codes := postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodeHello)) {
		t.Errorf("no greeting posted, codes %v", codes)
	}
	if !slices.Contains(codes, int(message.CodeIntegrationData)) {
		t.Errorf("integration data not announced, codes %v", codes)
	}
	if !slices.Contains(f.Branches(t), "w/2.0/"+src1) {
		t.Fatal("integration branch not pushed")
	}
	if !strings.Contains(job.Outcome, "builds") {
		t.Errorf("outcome %q, want a builds wait", job.Outcome)
	}

	// Builds pass on the integration tips: the next pass queues and, since
	// the queue items carry the same tips, merges immediately.
	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"w/2.0/" + src1, "w/3.0/" + src1} {
		tip, err := ws.SHA(ctx, "origin/"+name)
		if err != nil {
			t.Fatal(err)
		}
		mock.Statuses[tip] = host.BuildSuccessful
	}

	job = prJob(1)
	handle(t, r, job)

	codes = postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodeQueued)) {
		t.Errorf("queued message missing, codes %v", codes)
	}
	if !slices.Contains(codes, int(message.CodeMerged)) {
		t.Errorf("merged message missing, codes %v", codes)
	}

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	for _, dst := range []string{"development/2.0", "development/3.0"} {
		ok, err := ws.IsAncestor(ctx, sha, "origin/"+dst)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("changeset not merged into %s", dst)
		}
	}
	for _, name := range f.Branches(t) {
		if strings.HasPrefix(name, "q/w/") || strings.HasPrefix(name, "w/") {
			t.Errorf("work branch %s not pruned after merge", name)
		}
	}
}

func TestConflictOnFeatureReported(t *testing.T) {
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src1)
	sha := f.Commit(t, src1, "shared.txt", "feature version")
	f.Commit(t, "development/2.0", "shared.txt", "mainline version")

	r, _, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)

	handle(t, r, prJob(1))

	codes := postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodeConflict)) {
		t.Fatalf("conflict not reported, codes %v", codes)
	}

	// Re-evaluating does not repost the same conflict.
	before := len(mock.RobotComments(1))
	handle(t, r, prJob(1))
	if got := len(mock.RobotComments(1)); got != before {
		t.Errorf("re-evaluation posted %d new comment(s)", got-before)
	}
}

func TestUnknownTokenReported(t *testing.T) {
	f := testutil.NewGitFixture(t, "development/2.0", src1)
	sha := f.Commit(t, src1, "fix.txt", "fixed")

	r, _, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)
	mock.AddComment(1, "alice", "@robot fly")

	job := prJob(1)
	handle(t, r, job)

	codes := postedCodes(mock, 1)
	if !slices.Equal(codes, []int{int(message.CodeUnknownCommand)}) {
		t.Errorf("codes = %v, want only %d", codes, message.CodeUnknownCommand)
	}
}

func TestPrivilegedTokenRequiresAdmin(t *testing.T) {
	f := testutil.NewGitFixture(t, "development/2.0", src1)
	sha := f.Commit(t, src1, "fix.txt", "fixed")

	r, _, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)
	mock.AddComment(1, "bob", "@robot bypass_build_status")

	handle(t, r, prJob(1))

	codes := postedCodes(mock, 1)
	if !slices.Equal(codes, []int{int(message.CodeNotAuthorized)}) {
		t.Errorf("codes = %v, want only %d", codes, message.CodeNotAuthorized)
	}
}

func TestHelpAndStatusCommands(t *testing.T) {
	f := testutil.NewGitFixture(t, "development/2.0", src1)
	sha := f.Commit(t, src1, "fix.txt", "fixed")

	r, _, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)
	mock.AddComment(1, "alice", "@robot help\n@robot status")

	job := prJob(1)
	handle(t, r, job)

	codes := postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodeHelp)) {
		t.Errorf("help not posted, codes %v", codes)
	}
	if !slices.Contains(codes, int(message.CodeStatus)) {
		t.Errorf("status not posted, codes %v", codes)
	}
	if job.Outcome != "commands handled" {
		t.Errorf("outcome = %q", job.Outcome)
	}
}

func TestResetLossyThenForced(t *testing.T) {
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src1)
	sha := f.Commit(t, src1, "fix.txt", "fixed")

	r, _, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)
	handle(t, r, prJob(1))

	// A manual conflict resolution lands on an integration branch.
	f.Commit(t, "w/2.0/"+src1, "manual.txt", "hand-crafted")

	mock.AddComment(1, "alice", "@robot reset")
	handle(t, r, prJob(1))

	codes := postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodeLossyReset)) {
		t.Fatalf("lossy reset not reported, codes %v", codes)
	}
	if !slices.Contains(f.Branches(t), "w/2.0/"+src1) {
		t.Fatal("refused reset must not delete anything")
	}

	mock.AddComment(1, "alice", "@robot force_reset")
	handle(t, r, prJob(1))

	codes = postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodeResetComplete)) {
		t.Fatalf("reset completion not reported, codes %v", codes)
	}
	for _, name := range f.Branches(t) {
		if strings.HasPrefix(name, "w/") {
			t.Errorf("integration branch %s survived the forced reset", name)
		}
	}
	for _, pr := range mock.PRs {
		if strings.HasPrefix(pr.Source, "w/") && pr.State != host.PRDeclined {
			t.Errorf("integration pull request #%d not declined", pr.ID)
		}
	}
}

func TestQueueFailurePostsBuildFailed(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src1, src2)
	sha1 := f.Commit(t, src1, "one.txt", "one")
	sha2 := f.Commit(t, src2, "two.txt", "two")

	r, ws, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha1)
	mock.AddPR(2, "bob", src2, "development/2.0", sha2)
	queuePR(t, ws, 1, src1)
	queuePR(t, ws, 2, src2)

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	d2, _ := gwf.ParseDestination("development/2.0")
	d3, _ := gwf.ParseDestination("development/3.0")
	coll, err := mq.NewManager(ws, testSettings(), slog.New(slog.DiscardHandler)).
		Build(ctx, []gwf.Destination{d2, d3})
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range coll.Lanes {
		mock.Statuses[l.Items[0].Tip] = host.BuildSuccessful
		mock.Statuses[l.Items[1].Tip] = host.BuildFailed
	}

	// A status landing on a queue tip triggers promotion.
	job := jobs.New("acme/widget", jobs.KindBuildStatus)
	job.Commit = coll.Lanes[0].Items[0].Tip
	handle(t, r, job)

	if codes := postedCodes(mock, 2); !slices.Contains(codes, int(message.CodeBuildFailed)) {
		t.Errorf("build failure not reported on pull request 2, codes %v", codes)
	}
	if codes := postedCodes(mock, 1); !slices.Contains(codes, int(message.CodeMerged)) {
		t.Errorf("green prefix not reported merged, codes %v", codes)
	}

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	ok, err := ws.IsAncestor(ctx, sha1, "origin/development/2.0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("green prefix not merged")
	}
	if !slices.Contains(f.Branches(t), "q/w/2/2.0/"+src2) {
		t.Error("failed pull request must stay queued")
	}
}

func TestPartialMergeWhenSourceMoved(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src1)
	f.Commit(t, src1, "one.txt", "one")

	r, ws, mock := newRobot(t, f)
	queuePR(t, ws, 1, src1)

	// The source moves after queueing; the late commit is not in the queue.
	late := f.Commit(t, src1, "late.txt", "late")
	mock.AddPR(1, "alice", src1, "development/2.0", late)

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	d2, _ := gwf.ParseDestination("development/2.0")
	d3, _ := gwf.ParseDestination("development/3.0")
	coll, err := mq.NewManager(ws, testSettings(), slog.New(slog.DiscardHandler)).
		Build(ctx, []gwf.Destination{d2, d3})
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range coll.Lanes {
		mock.Statuses[l.Tip] = host.BuildSuccessful
	}

	status := jobs.New("acme/widget", jobs.KindBuildStatus)
	status.Commit = coll.Lanes[0].Tip
	handle(t, r, status)

	codes := postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodePartialMerge)) {
		t.Fatalf("partial merge not reported, codes %v", codes)
	}

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	merged, err := ws.IsAncestor(ctx, late, "origin/development/2.0")
	if err != nil {
		t.Fatal(err)
	}
	if merged {
		t.Error("the late commit must not have been merged")
	}
}

func TestOutOfOrderQueueBlocksAndRebuildRecovers(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src1)
	sha := f.Commit(t, src1, "one.txt", "one")

	r, ws, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)
	queuePR(t, ws, 1, src1)

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	tip, err := ws.SHA(ctx, "origin/q/w/1/2.0/"+src1)
	if err != nil {
		t.Fatal(err)
	}

	// Someone pushes directly on a lane.
	f.Commit(t, "q/2.0", "stray.txt", "oops")

	job := jobs.New("acme/widget", jobs.KindBuildStatus)
	job.Commit = tip
	handle(t, r, job)

	codes := postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodeQueueOutOfOrder)) {
		t.Fatalf("out-of-order state not reported, codes %v", codes)
	}
	if !strings.Contains(job.Outcome, "out of order") {
		t.Errorf("outcome = %q", job.Outcome)
	}

	// Rebuilding wipes the lanes and re-admits the queued pull request.
	var requeued []*jobs.Job
	r.SetRequeue(func(_ context.Context, j *jobs.Job) bool {
		requeued = append(requeued, j)
		return true
	})
	rebuild := jobs.New("acme/widget", jobs.KindQueueRebuild)
	handle(t, r, rebuild)

	for _, name := range f.Branches(t) {
		if strings.HasPrefix(name, "q/") {
			t.Errorf("queue branch %s survived the rebuild", name)
		}
	}
	if len(requeued) != 1 || requeued[0].PR != 1 || requeued[0].Kind != jobs.KindPullRequest {
		t.Errorf("unexpected requeued jobs %+v", requeued)
	}
	if !strings.Contains(rebuild.Outcome, "rebuilt") {
		t.Errorf("outcome = %q", rebuild.Outcome)
	}
}

// Wiping the queues removes every lane but re-admits nothing.
func TestDeleteQueuesDoesNotReadmit(t *testing.T) {
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src1)
	sha := f.Commit(t, src1, "one.txt", "one")

	r, ws, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)
	queuePR(t, ws, 1, src1)

	var requeued []*jobs.Job
	r.SetRequeue(func(_ context.Context, j *jobs.Job) bool {
		requeued = append(requeued, j)
		return true
	})
	handle(t, r, jobs.New("acme/widget", jobs.KindDeleteQueues))

	for _, name := range f.Branches(t) {
		if strings.HasPrefix(name, "q/") {
			t.Errorf("queue branch %s survived deletion", name)
		}
	}
	if len(requeued) != 0 {
		t.Errorf("wipe re-enqueued %+v", requeued)
	}
}

// Hotfix and user branches are outside the workflow: their pull requests
// are ignored without a single comment.
func TestHotfixAndUserSourcesIgnored(t *testing.T) {
	f := testutil.NewGitFixture(t, "development/2.0", "hotfix/2.0.1.1-urgent", "user/alice-scratch")
	sha1 := f.Commit(t, "hotfix/2.0.1.1-urgent", "fix.txt", "fixed")
	sha2 := f.Commit(t, "user/alice-scratch", "wip.txt", "wip")

	r, _, mock := newRobot(t, f)
	mock.AddPR(1, "alice", "hotfix/2.0.1.1-urgent", "development/2.0", sha1)
	mock.AddPR(2, "alice", "user/alice-scratch", "development/2.0", sha2)

	for _, id := range []int{1, 2} {
		job := prJob(id)
		handle(t, r, job)
		if job.Outcome != "source branch is not managed" {
			t.Errorf("pr %d outcome = %q", id, job.Outcome)
		}
		if got := mock.RobotComments(id); len(got) != 0 {
			t.Errorf("pr %d got comments %q, want silence", id, got)
		}
	}
}

// A feature aimed at a stabilization branch is refused with the
// incompatible-branch message, and an admin can override the refusal
// with bypass_incompatible_branch.
func TestFeatureOnStabilizationNeedsBypass(t *testing.T) {
	f := testutil.NewGitFixture(t, "stabilization/2.0.0", "development/2.0", "development/3.0", src3)
	sha := f.Commit(t, src3, "shiny.txt", "shiny")

	r, _, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src3, "stabilization/2.0.0", sha)

	handle(t, r, prJob(1))

	codes := postedCodes(mock, 1)
	if !slices.Contains(codes, int(message.CodeIncompatibleBranch)) {
		t.Fatalf("incompatible branch not reported, codes %v", codes)
	}

	mock.AddComment(1, "dan", "@robot bypass_incompatible_branch")
	job := prJob(1)
	handle(t, r, job)

	codes = postedCodes(mock, 1)
	if got := countCode(codes, int(message.CodeIncompatibleBranch)); got != 1 {
		t.Errorf("incompatible branch reported %d times after the bypass", got)
	}
	if !strings.Contains(job.Outcome, "builds") {
		t.Errorf("outcome %q, want a builds wait", job.Outcome)
	}
}

func countCode(codes []int, code int) int {
	n := 0
	for _, c := range codes {
		if c == code {
			n++
		}
	}
	return n
}

func TestCreateAndDeleteDestinationBranch(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewGitFixture(t, "development/2.0")

	r, ws, _ := newRobot(t, f)

	create := jobs.New("acme/widget", jobs.KindCreateBranch)
	create.Branch = "development/3.0"
	handle(t, r, create)

	if !slices.Contains(f.Branches(t), "development/3.0") {
		t.Fatal("destination branch not created")
	}

	del := jobs.New("acme/widget", jobs.KindDeleteBranch)
	del.Branch = "development/3.0"
	handle(t, r, del)

	if slices.Contains(f.Branches(t), "development/3.0") {
		t.Error("destination branch not deleted")
	}
	tags, err := ws.Tags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(tags, "3.0") {
		t.Errorf("retirement tag missing, tags %v", tags)
	}
}

func TestDeclinedPullRequestCleansUp(t *testing.T) {
	f := testutil.NewGitFixture(t, "development/2.0", "development/3.0", src1)
	sha := f.Commit(t, src1, "fix.txt", "fixed")

	r, _, mock := newRobot(t, f)
	mock.AddPR(1, "alice", src1, "development/2.0", sha)
	handle(t, r, prJob(1))

	if !slices.Contains(f.Branches(t), "w/2.0/"+src1) {
		t.Fatal("integration branches should exist before the decline")
	}

	mock.PRs[1].State = host.PRDeclined
	job := prJob(1)
	handle(t, r, job)

	for _, name := range f.Branches(t) {
		if strings.HasPrefix(name, "w/") {
			t.Errorf("integration branch %s survived the decline", name)
		}
	}
}
