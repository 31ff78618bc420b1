// Package message renders and posts the robot's pull request comments.
//
// The evaluator emits a Spec (status code plus parameters); this package
// owns the wording. Posting is at-most-once per distinct (code, params)
// tuple: every comment carries a hidden marker derived from that tuple, and
// the messenger scans the robot's existing comments before posting.
package message

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"text/template"
)

// Code is a stable public status code.
type Code int

const (
	CodeHello              Code = 100
	CodeHelp               Code = 101
	CodeMerged             Code = 102
	CodeNotImplemented     Code = 103
	CodeStatus             Code = 104
	CodeIncorrectPrefix    Code = 105
	CodeIncompatibleBranch Code = 106
	CodeMissingIssue       Code = 107
	CodeIssueNotFound      Code = 108
	CodeSubtask            Code = 109
	CodeWrongProject       Code = 110
	CodeTypeMismatch       Code = 111
	CodeFixVersionMismatch Code = 112
	CodeHistoryMismatch    Code = 113
	CodeConflict           Code = 114
	CodeMissingApprovals   Code = 115
	CodeBuildFailed        Code = 118
	CodeAfterPullRequest   Code = 120
	CodeIntegrationData    Code = 121
	CodeUnknownCommand     Code = 122
	CodeNotAuthorized      Code = 123
	CodeQueueConflict      Code = 124
	CodeQueued             Code = 125
	CodePartialMerge       Code = 126
	CodeQueueOutOfOrder    Code = 127
	CodeResetComplete      Code = 128
	CodeLossyReset         Code = 129
	CodeDivergedTooMuch    Code = 134
	CodeNotAuthor          Code = 134 // shares 134 with the divergence limit
)

// Spec is a renderable message: a status code plus its parameters. Params
// values must be strings, ints, bools or string slices so the idempotency
// hash stays stable. Name selects the template when several messages share
// a code (134 covers both the divergence limit and authorship failures);
// when empty the code's default template is used.
type Spec struct {
	Code   Code
	Name   string
	Params map[string]any
}

// Key returns the idempotency key for the spec, embedded in the posted
// comment and scanned for before reposting.
func (s Spec) Key() string {
	h := fnv.New64a()
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, s.Params[k])
	}
	return fmt.Sprintf("%d/%x", s.Code, h.Sum64())
}

// repeatable codes are posted every time they occur, even if an identical
// message exists in the history.
func (c Code) repeatable() bool {
	switch c {
	case CodeHelp, CodeStatus, CodeNotImplemented, CodePartialMerge:
		return true
	}
	return false
}

const markerPrefix = "<!-- gwfbot-status: "

// marker returns the hidden HTML comment carrying the idempotency key.
func marker(key string) string {
	return markerPrefix + key + " -->"
}

// KeyOf extracts the idempotency key from a posted comment body, if any.
func KeyOf(body string) (string, bool) {
	i := strings.Index(body, markerPrefix)
	if i < 0 {
		return "", false
	}
	rest := body[i+len(markerPrefix):]
	j := strings.Index(rest, " -->")
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}

// CodeOf extracts the status code from a posted comment body, if any.
func CodeOf(body string) (Code, bool) {
	key, ok := KeyOf(body)
	if !ok {
		return 0, false
	}
	codeStr, _, _ := strings.Cut(key, "/")
	var c int
	if _, err := fmt.Sscanf(codeStr, "%d", &c); err != nil {
		return 0, false
	}
	return Code(c), true
}

// Renderer formats message specs into markdown comment bodies.
type Renderer struct {
	Robot   string // robot username, for remediation instructions
	Version string // printed in the footer
}

// Render produces the full comment body for a spec, footer and idempotency
// marker included. activeOptions is printed in the footer.
func (r *Renderer) Render(s Spec, activeOptions []string) (string, error) {
	name := s.Name
	if name == "" {
		name = defaultName[s.Code]
	}
	tmpl, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("no template for status code %d (%q)", s.Code, s.Name)
	}

	data := map[string]any{"Robot": r.Robot}
	for k, v := range s.Params {
		data[k] = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render status %d: %w", s.Code, err)
	}

	opts := "None"
	if len(activeOptions) > 0 {
		opts = strings.Join(activeOptions, ", ")
	}
	fmt.Fprintf(&buf, "\n\n---\n*Status: %d | active options: %s | %s v%s*\n%s\n",
		s.Code, opts, r.Robot, r.Version, marker(s.Key()))

	return buf.String(), nil
}

func mustTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Parse(text))
}

// defaultName maps each status code to its usual template.
var defaultName = map[Code]string{
	CodeHello:              "hello",
	CodeHelp:               "help",
	CodeMerged:             "merged",
	CodeNotImplemented:     "not_implemented",
	CodeStatus:             "status",
	CodeIncorrectPrefix:    "incorrect_prefix",
	CodeIncompatibleBranch: "incompatible_branch",
	CodeMissingIssue:       "missing_issue",
	CodeIssueNotFound:      "issue_not_found",
	CodeSubtask:            "subtask",
	CodeWrongProject:       "wrong_project",
	CodeTypeMismatch:       "type_mismatch",
	CodeFixVersionMismatch: "fix_version_mismatch",
	CodeHistoryMismatch:    "history_mismatch",
	CodeConflict:           "conflict",
	CodeMissingApprovals:   "missing_approvals",
	CodeBuildFailed:        "build_failed",
	CodeAfterPullRequest:   "after_pull_request",
	CodeIntegrationData:    "integration_data",
	CodeUnknownCommand:     "unknown_command",
	CodeNotAuthorized:      "not_authorized",
	CodeQueueConflict:      "queue_conflict",
	CodeQueued:             "queued",
	CodePartialMerge:       "partial_merge",
	CodeQueueOutOfOrder:    "queue_out_of_order",
	CodeResetComplete:      "reset_complete",
	CodeLossyReset:         "lossy_reset",
	CodeDivergedTooMuch:    "diverged",
}

var templates = map[string]*template.Template{
	"hello": mustTemplate("hello", `Hello {{.Author}},

My role is to assist you with the merge of this pull request. Please type ` + "`@{{.Robot}} help`" + ` to get information on this process.
{{- if .Tasks}}

Please take the time to review the following checklist:
{{range .Tasks}}
- [ ] {{.}}{{end}}
{{- end}}`),

	"help": mustTemplate("help", `Here is what I can do for you:

**Options** (in effect for as long as the comment exists):
{{range .Options}}
- ` + "`{{.Name}}`" + `: {{.Help}}{{if .Privileged}} *(admins only)*{{end}}{{if .Authored}} *(author only)*{{end}}{{end}}

**Commands** (one-shot):
{{range .Commands}}
- ` + "`{{.Name}}`" + `: {{.Help}}{{if .Privileged}} *(admins only)*{{end}}{{end}}

Address me with ` + "`@{{.Robot}} <token>`" + ` or ` + "`/<token>`" + ` on its own line.`),

	"merged": mustTemplate("merged", `I have successfully merged the changeset of this pull request into targetted development branches:
{{range .Branches}}
- ` + "`{{.}}`" + `{{end}}
{{- if .Ignored}}

The following branches have NOT changed:
{{range .Ignored}}
- ` + "`{{.}}`" + `{{end}}
{{- end}}

Goodbye {{.Author}}.`),

	"not_implemented": mustTemplate("not_implemented", `Command not implemented yet, sorry.`),

	"status": mustTemplate("status", `Here is my current status on this pull request:

{{if .Queued}}The changeset is queued for merge into: {{range .Branches}}` + "`{{.}}`" + ` {{end}}{{else}}The changeset targets: {{range .Branches}}` + "`{{.}}`" + ` {{end}}{{end}}`),

	"incorrect_prefix": mustTemplate("incorrect_prefix", `The name of the source branch ` + "`{{.Source}}`" + ` is not recognized.

Please use a branch prefixed with one of: {{range .Prefixes}}` + "`{{.}}/`" + ` {{end}}`),

	"incompatible_branch": mustTemplate("incompatible_branch", `The source branch prefix ` + "`{{.Prefix}}`" + ` is not compatible with the destination branch ` + "`{{.Destination}}`" + `.

Please check the workflow rules for this repository, or recreate the pull request against a valid destination.`),

	"missing_issue": mustTemplate("missing_issue", `The name of the source branch must contain the id of the issue it fixes (e.g. ` + "`{{.Prefix}}/PROJ-123-description`" + `).`),

	"issue_not_found": mustTemplate("issue_not_found", `The issue ` + "`{{.Issue}}`" + ` does not exist in the issue tracker.`),

	"subtask": mustTemplate("subtask", `The issue ` + "`{{.Issue}}`" + ` is a subtask. Please create the pull request against its parent issue.`),

	"wrong_project": mustTemplate("wrong_project", `The issue ` + "`{{.Issue}}`" + ` does not belong to an accepted project for this repository ({{range .Expected}}` + "`{{.}}`" + ` {{end}}).`),

	"type_mismatch": mustTemplate("type_mismatch", `The issue type ` + "`{{.IssueType}}`" + ` does not match the source branch prefix ` + "`{{.Prefix}}`" + `.

Please amend the branch name or the issue type so they agree.`),

	"fix_version_mismatch": mustTemplate("fix_version_mismatch", `The ` + "`Fix Version/s`" + ` field of issue ` + "`{{.Issue}}`" + ` does not cover the versions this pull request will be merged into.

Expected versions: {{range .Expected}}` + "`{{.}}`" + ` {{end}}
Found: {{range .Found}}` + "`{{.}}`" + ` {{end}}`),

	"history_mismatch": mustTemplate("history_mismatch", `The integration branch ` + "`{{.Integration}}`" + ` contains commits that belong to neither the source branch nor the destination branch.

Please reset the integration data with ` + "`@{{.Robot}} reset`" + ` and let me start over.`),

	"conflict": mustTemplate("conflict", `A conflict needs to be resolved on the integration branch ` + "`{{.Integration}}`" + `.
{{if .OnFeature}}
The conflict is against the destination branch. Please resolve it on your feature branch:

    git fetch
    git checkout {{.Source}}
    git merge origin/{{.Destination}}
    # resolve conflicts
    git commit
    git push origin HEAD:{{.Source}}
{{else}}
Please resolve it directly on the integration branch:

    git fetch
    git checkout -B {{.Integration}} origin/{{.Integration}}
    git merge origin/{{.Previous}}
    # resolve conflicts
    git commit
    git push -u origin {{.Integration}}
{{end}}`),

	"missing_approvals": mustTemplate("missing_approvals", `The changeset is missing approvals before I can proceed:
{{if .NeedAuthor}}
- the author{{end}}{{if .NeedPeers}}
- {{.NeedPeers}} peer reviewer(s){{end}}{{if .NeedLeaders}}
- {{.NeedLeaders}} project leader(s){{end}}{{if .ChangesRequested}}

The following reviewers have requested changes: {{range .ChangesRequested}}@{{.}} {{end}}{{end}}`),

	"build_failed": mustTemplate("build_failed", `The build on commit ` + "`{{.Commit}}`" + ` of branch ` + "`{{.Branch}}`" + ` did not succeed ({{.Status}}).

I will not merge this pull request until the build is fixed.{{if .URL}} Check the build result at {{.URL}}.{{end}}`),

	"after_pull_request": mustTemplate("after_pull_request", `This pull request waits on the following pull request(s) to be merged first:
{{range .PullRequests}}
- #{{.}}{{end}}`),

	"integration_data": mustTemplate("integration_data", `I have created the integration data for the additional destination branches:
{{range .Branches}}
- ` + "`{{.}}`" + `{{end}}
{{- if .PullRequests}}

Follow integration pull requests if you would like to be notified of build statuses by email:
{{range .PullRequests}}
- #{{.}}{{end}}
{{- end}}

*Do not edit these branches directly; they are managed automatically.*`),

	"unknown_command": mustTemplate("unknown_command", `I did not understand the token ` + "`{{.Token}}`" + ` in this comment:

> {{.Comment}}

Type ` + "`@{{.Robot}} help`" + ` for the list of accepted tokens.`),

	"not_authorized": mustTemplate("not_authorized", `@{{.Author}}, you do not have the credentials to use ` + "`{{.Token}}`" + `.{{if .SelfPR}}

Admins cannot use privileged tokens on their own pull requests; please ask another admin.{{end}}`),

	"queue_conflict": mustTemplate("queue_conflict", `The changeset conflicts with a pull request currently in the merge queue. I cannot add it to the queue right now.

I will retry once the queue has been flushed.`),

	"queued": mustTemplate("queued", `The changeset has received all authorizations and has been added to the relevant queue(s). The queue(s) will be merged in the target development branch(es) as soon as builds have passed.

The changeset will be merged in:
{{range .Branches}}
- ` + "`{{.}}`" + `{{end}}
{{- if .Ignored}}

The following branches will NOT be impacted:
{{range .Ignored}}
- ` + "`{{.}}`" + `{{end}}
{{- end}}

There is no action required on your side.`),

	"partial_merge": mustTemplate("partial_merge", `The source branch moved after the changeset was queued. I have merged only the commits that were in the queue; the following commits were NOT merged:
{{range .Commits}}
- ` + "`{{.}}`" + `{{end}}

They stay in this pull request and will be queued again once it requalifies.`),

	"queue_out_of_order": mustTemplate("queue_out_of_order", `The merge queue is out of order. Someone has pushed directly on a queue branch.

I will not merge anything until the queue is rebuilt or deleted by an administrator.`),

	"reset_complete": mustTemplate("reset_complete", `The integration data of this pull request has been removed. The merge process will restart from scratch.
{{- if .CouldntDecline}}

I could not decline the following integration pull requests, please close them manually:
{{range .CouldntDecline}}
- #{{.}}{{end}}
{{- end}}`),

	"lossy_reset": mustTemplate("lossy_reset", `An integration branch contains commits that were not authored by me, probably manual conflict resolutions. A reset would lose them.

Type ` + "`@{{.Robot}} force_reset`" + ` to discard them anyway.`),

	"diverged": mustTemplate("diverged", `The source branch is {{.Commits}} commits behind ` + "`{{.Destination}}`" + `, which exceeds the limit of {{.Limit}}.

Please update your branch before I can proceed.`),

	"not_author": mustTemplate("not_author", `@{{.Author}}, only the author of the pull request can use ` + "`{{.Token}}`" + `.`),
}
