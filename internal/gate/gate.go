// Package gate decides whether a pull request may proceed to the merge
// queue. The evaluator is a fixed-order chain of checks over facts rebuilt
// from ground truth on every run; the first failing check short-circuits
// and yields the message to post.
package gate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/message"
	"github.com/jogman/gwfbot/internal/options"
	"github.com/jogman/gwfbot/internal/tracker"
)

// Conflict describes a failed integration merge.
type Conflict struct {
	Integration string // branch carrying the conflict
	OnFeature   bool   // conflict against the original destination
	Previous    string // branch to merge when resolving on the integration branch
}

// Dependency is the state of one after_pull_request target.
type Dependency struct {
	ID    int
	State host.PRState
}

// TipBuild is the build outcome on one integration branch tip.
type TipBuild struct {
	Branch string
	Commit string
	Status host.BuildStatus
	URL    string
}

// Facts is everything the evaluator consumes. It is rebuilt on every
// evaluation and never persisted.
type Facts struct {
	PR     host.PullRequest
	Active *options.Active

	Dst      gwf.Destination
	DstKnown bool
	Src      gwf.Source
	SrcOK    bool
	Cascade  gwf.Cascade

	// Commits on the destination that the source has not seen.
	CommitsBehind int

	TrackerEnabled bool
	Issue          *tracker.Issue // nil when missing or not found

	IntegrationBuilt  bool
	CreationRequested bool
	HistoryMismatch   string // offending integration branch, empty if none
	Conflict          *Conflict

	AuthorApprovalSupported bool
	ApprovedByAuthor        bool
	PeerApprovals           int
	LeaderApprovals         int
	ChangesRequested        []string

	Dependencies []Dependency
	Builds       []TipBuild
}

// Failure is the outcome of a failed check. Silent failures stop the
// evaluation without posting anything (the state is not actionable yet).
type Failure struct {
	Check  string
	Silent bool
	Msg    message.Spec
}

func (f *Failure) Error() string {
	if f.Silent {
		return fmt.Sprintf("check %q: not ready", f.Check)
	}
	return fmt.Sprintf("check %q: status %d", f.Check, f.Msg.Code)
}

func silent(check string) *Failure {
	return &Failure{Check: check, Silent: true}
}

func fail(check string, code message.Code, params map[string]any) *Failure {
	return &Failure{Check: check, Msg: message.Spec{Code: code, Params: params}}
}

type check func(*Facts, *config.Settings) *Failure

var chain = []check{
	checkOpen,
	checkDestination,
	checkSourcePrefix,
	checkCompatibility,
	checkDivergence,
	checkIssueKey,
	checkIssueExists,
	checkIssueProject,
	checkIssueNotSubtask,
	checkIssueType,
	checkFixVersions,
	checkIntegrationBuilt,
	checkHistory,
	checkConflict,
	checkAuthorApproval,
	checkPeerApprovals,
	checkLeaderApprovals,
	checkDependencies,
	checkBuilds,
	checkWait,
}

// Evaluate runs the check chain and returns the first failure, or nil when
// the pull request is clear to queue.
func Evaluate(f *Facts, s *config.Settings) *Failure {
	for _, c := range chain {
		if failure := c(f, s); failure != nil {
			return failure
		}
	}
	return nil
}

func checkOpen(f *Facts, _ *config.Settings) *Failure {
	if f.PR.State != host.PROpen {
		return silent("open")
	}
	return nil
}

func checkDestination(f *Facts, _ *config.Settings) *Failure {
	if !f.DstKnown {
		return silent("destination")
	}
	return nil
}

func checkSourcePrefix(f *Facts, s *config.Settings) *Failure {
	if f.SrcOK {
		return nil
	}
	prefixes := append(slices.Clone(gwf.DefaultPrefixes), s.BypassPrefixes...)
	return fail("source_prefix", message.CodeIncorrectPrefix, map[string]any{
		"Source":   f.PR.Source,
		"Prefixes": prefixes,
	})
}

// bypassed source prefixes skip every workflow check below the prefix gate.
func exempt(f *Facts, s *config.Settings) bool {
	return slices.Contains(s.BypassPrefixes, f.Src.Prefix)
}

func checkCompatibility(f *Facts, s *config.Settings) *Failure {
	if exempt(f, s) || f.Active.Set("bypass_incompatible_branch") {
		return nil
	}
	if f.Dst.Kind == gwf.KindDevelopment {
		return nil
	}
	// Only bugfixes may target stabilization branches.
	if f.Src.Prefix == "bugfix" {
		return nil
	}
	return fail("compatibility", message.CodeIncompatibleBranch, map[string]any{
		"Prefix":      f.Src.Prefix,
		"Destination": f.Dst.Name,
	})
}

func checkDivergence(f *Facts, s *config.Settings) *Failure {
	if s.MaxCommitDiff <= 0 || f.CommitsBehind <= s.MaxCommitDiff {
		return nil
	}
	return fail("divergence", message.CodeDivergedTooMuch, map[string]any{
		"Commits":     f.CommitsBehind,
		"Destination": f.Dst.Name,
		"Limit":       s.MaxCommitDiff,
	})
}

func issueChecksApply(f *Facts, s *config.Settings) bool {
	if !f.TrackerEnabled || exempt(f, s) {
		return false
	}
	return !f.Active.Set("bypass_jira_check")
}

func checkIssueKey(f *Facts, s *config.Settings) *Failure {
	if !issueChecksApply(f, s) || f.Src.IssueKey != "" {
		return nil
	}
	return fail("issue_key", message.CodeMissingIssue, map[string]any{
		"Prefix": f.Src.Prefix,
	})
}

func checkIssueExists(f *Facts, s *config.Settings) *Failure {
	if !issueChecksApply(f, s) || f.Issue != nil {
		return nil
	}
	return fail("issue_exists", message.CodeIssueNotFound, map[string]any{
		"Issue": f.Src.IssueKey,
	})
}

func checkIssueProject(f *Facts, s *config.Settings) *Failure {
	if !issueChecksApply(f, s) || len(s.JiraKeys) == 0 {
		return nil
	}
	if slices.Contains(s.JiraKeys, f.Issue.Project) {
		return nil
	}
	return fail("issue_project", message.CodeWrongProject, map[string]any{
		"Issue":    f.Issue.Key,
		"Expected": s.JiraKeys,
	})
}

func checkIssueNotSubtask(f *Facts, s *config.Settings) *Failure {
	if !issueChecksApply(f, s) || !f.Issue.IsSubtask {
		return nil
	}
	return fail("issue_subtask", message.CodeSubtask, map[string]any{
		"Issue": f.Issue.Key,
	})
}

func checkIssueType(f *Facts, s *config.Settings) *Failure {
	if !issueChecksApply(f, s) {
		return nil
	}
	expected, known := s.Prefixes[strings.ToLower(f.Issue.Type)]
	if !known || expected == f.Src.Prefix {
		return nil
	}
	return fail("issue_type", message.CodeTypeMismatch, map[string]any{
		"Issue":     f.Issue.Key,
		"IssueType": f.Issue.Type,
		"Prefix":    f.Src.Prefix,
	})
}

func checkFixVersions(f *Facts, s *config.Settings) *Failure {
	if !issueChecksApply(f, s) || s.DisableVersionChecks {
		return nil
	}
	var missing []string
	for _, v := range f.Cascade.ExpectedVersions {
		if !slices.Contains(f.Issue.FixVersions, v) {
			missing = append(missing, v)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fail("fix_versions", message.CodeFixVersionMismatch, map[string]any{
		"Issue":    f.Issue.Key,
		"Expected": f.Cascade.ExpectedVersions,
		"Found":    f.Issue.FixVersions,
	})
}

func checkIntegrationBuilt(f *Facts, _ *config.Settings) *Failure {
	if f.IntegrationBuilt || f.CreationRequested {
		return nil
	}
	return silent("integration_built")
}

func checkHistory(f *Facts, _ *config.Settings) *Failure {
	if f.HistoryMismatch == "" {
		return nil
	}
	return fail("history", message.CodeHistoryMismatch, map[string]any{
		"Integration": f.HistoryMismatch,
	})
}

func checkConflict(f *Facts, _ *config.Settings) *Failure {
	if f.Conflict == nil {
		return nil
	}
	return fail("conflict", message.CodeConflict, map[string]any{
		"Integration": f.Conflict.Integration,
		"OnFeature":   f.Conflict.OnFeature,
		"Source":      f.PR.Source,
		"Destination": f.Dst.Name,
		"Previous":    f.Conflict.Previous,
	})
}

func checkAuthorApproval(f *Facts, s *config.Settings) *Failure {
	if !s.NeedAuthorApproval || !f.AuthorApprovalSupported {
		return nil
	}
	if f.ApprovedByAuthor || f.Active.Set("bypass_author_approval") {
		return nil
	}
	return fail("author_approval", message.CodeMissingApprovals, map[string]any{
		"NeedAuthor": true,
	})
}

func checkPeerApprovals(f *Facts, s *config.Settings) *Failure {
	if f.Active.Set("bypass_peer_approval") {
		return nil
	}
	missing := s.RequiredPeerApprovals - f.PeerApprovals
	if missing <= 0 && len(f.ChangesRequested) == 0 {
		return nil
	}
	params := map[string]any{}
	if missing > 0 {
		params["NeedPeers"] = missing
	}
	if len(f.ChangesRequested) > 0 {
		params["ChangesRequested"] = f.ChangesRequested
	}
	return fail("peer_approvals", message.CodeMissingApprovals, params)
}

func checkLeaderApprovals(f *Facts, s *config.Settings) *Failure {
	if f.Active.Set("bypass_leader_approval") {
		return nil
	}
	missing := s.RequiredLeaderApprovals - f.LeaderApprovals
	if missing <= 0 {
		return nil
	}
	return fail("leader_approvals", message.CodeMissingApprovals, map[string]any{
		"NeedLeaders": missing,
	})
}

func checkDependencies(f *Facts, _ *config.Settings) *Failure {
	var pending []int
	for _, dep := range f.Dependencies {
		if dep.State != host.PRMerged {
			pending = append(pending, dep.ID)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return fail("dependencies", message.CodeAfterPullRequest, map[string]any{
		"PullRequests": pending,
	})
}

func checkBuilds(f *Facts, _ *config.Settings) *Failure {
	if f.Active.Set("bypass_build_status") {
		return nil
	}
	waiting := false
	for _, b := range f.Builds {
		switch b.Status {
		case host.BuildSuccessful:
		case host.BuildFailed:
			return fail("builds", message.CodeBuildFailed, map[string]any{
				"Commit": b.Commit,
				"Branch": b.Branch,
				"Status": string(b.Status),
				"URL":    b.URL,
			})
		default:
			waiting = true
		}
	}
	if waiting {
		return silent("builds")
	}
	return nil
}

func checkWait(f *Facts, _ *config.Settings) *Failure {
	if f.Active.Set("wait") {
		return silent("wait")
	}
	return nil
}
