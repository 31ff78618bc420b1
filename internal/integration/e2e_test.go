// End-to-end pipeline test: a signed webhook delivery flows through the
// dispatcher into the merge robot, lands the pull request through the
// queue, and leaves a job history trail in postgres.
package integration_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/gitrepo"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/jobs"
	"github.com/jogman/gwfbot/internal/merge"
	"github.com/jogman/gwfbot/internal/message"
	"github.com/jogman/gwfbot/internal/store/pg"
	"github.com/jogman/gwfbot/internal/testutil"
	"github.com/jogman/gwfbot/internal/tracker"
	"github.com/jogman/gwfbot/internal/webhook"
)

func TestMain(m *testing.M) {
	os.Exit(testutil.RunWithPostgres(m))
}

const (
	repoName = "acme/widget"
	secret   = "hunter2"
	src      = "bugfix/PROJ-1-fix"
)

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, h http.Handler, event, body string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delivery of %s returned %d", event, rec.Code)
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func postedCodes(mock *host.MockClient, prID int) []int {
	var out []int
	for _, body := range mock.RobotComments(prID) {
		if code, ok := message.CodeOf(body); ok {
			out = append(out, int(code))
		}
	}
	return out
}

func TestWebhookToMergedPullRequest(t *testing.T) {
	ctx := context.Background()

	f := testutil.NewGitFixture(t, "development/2.0", src)
	sha := f.Commit(t, src, "fix.txt", "fixed")

	ws, err := gitrepo.Open(ctx, t.TempDir(), f.OriginURL, "robot", "robot@example.com")
	if err != nil {
		t.Fatal(err)
	}

	settings := &config.Settings{
		RepositoryOwner: "acme", RepositorySlug: "widget",
		Robot: "robot", RobotEmail: "robot@example.com",
		AlwaysCreateIntegrationBranches:     true,
		AlwaysCreateIntegrationPullRequests: true,
		UseQueue:                            true,
	}

	mock := host.NewMockClient()
	mock.AddPR(1, "alice", src, "development/2.0", sha)

	logger := slog.New(slog.DiscardHandler)
	msg := message.NewMessenger(mock, "robot", "test", logger)
	robot := merge.New(settings, mock, tracker.Noop{}, ws, msg, logger)

	store := pg.NewJobStore(testutil.TestDB(t))
	dispatcher := jobs.NewDispatcher(repoName, robot.Handle, store, logger)
	robot.SetRequeue(dispatcher.Enqueue)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = dispatcher.Run(runCtx) }()

	h := webhook.Handler(secret, webhook.LookupFunc(func(name string) (webhook.Target, bool) {
		if name == repoName {
			return dispatcher, true
		}
		return nil, false
	}), logger)

	// Opening the pull request builds the integration branch and leaves
	// the changeset waiting on its build.
	opened := fmt.Sprintf(`{"action":"opened","repository":{"full_name":%q},"pull_request":{"number":1}}`, repoName)
	deliver(t, h, "pull_request", opened)

	waitFor(t, "integration branch", func() bool {
		return slices.Contains(f.Branches(t), "w/2.0/"+src)
	})
	waitFor(t, "greeting", func() bool {
		return slices.Contains(postedCodes(mock, 1), int(message.CodeHello))
	})

	// A successful build on the integration tip drives the queue to
	// completion.
	tip := f.SHA(t, "w/2.0/"+src)
	mock.Statuses[tip] = host.BuildSuccessful
	status := fmt.Sprintf(`{"sha":%q,"state":"success","repository":{"full_name":%q}}`, tip, repoName)
	deliver(t, h, "status", status)

	waitFor(t, "merge report", func() bool {
		return slices.Contains(postedCodes(mock, 1), int(message.CodeMerged))
	})
	waitFor(t, "branch cleanup", func() bool {
		for _, b := range f.Branches(t) {
			if strings.HasPrefix(b, "q/") || strings.HasPrefix(b, "w/") {
				return false
			}
		}
		return true
	})

	if err := ws.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	ok, err := ws.IsAncestor(ctx, sha, "origin/development/2.0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("fix commit not merged into development/2.0")
	}

	// The history records both jobs as finished.
	waitFor(t, "job history", func() bool {
		list, err := store.List(ctx, repoName, 0)
		if err != nil {
			return false
		}
		done := 0
		for _, j := range list {
			if j.Status == jobs.StatusDone {
				done++
			}
		}
		return done >= 2
	})
}
