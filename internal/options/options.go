// Package options interprets pull request comments addressed to the robot.
//
// Options are sticky: they stay in effect for as long as the comment that
// sets them exists, so they are re-parsed from scratch on every evaluation.
// Commands are one-shot: only comments posted after the robot's last message
// are considered.
package options

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/jogman/gwfbot/internal/host"
)

// Kind distinguishes sticky options from one-shot commands.
type Kind int

const (
	KindOption Kind = iota
	KindCommand
)

// Spec describes one recognized token.
type Spec struct {
	Name       string
	Kind       Kind
	Privileged bool // author must be an admin and not the PR author
	Authored   bool // author must be the PR author
	TakesValue bool
	Help       string
}

var registry = []Spec{
	{Name: "after_pull_request", Kind: KindOption, TakesValue: true,
		Help: "Wait for the given pull request id to be merged before continuing with the current one"},
	{Name: "approve", Kind: KindOption, Authored: true,
		Help: "Approve the pull request as its author"},
	{Name: "bypass_author_approval", Kind: KindOption, Privileged: true,
		Help: "Bypass the pull request author's approval"},
	{Name: "bypass_build_status", Kind: KindOption, Privileged: true,
		Help: "Bypass the build and test status"},
	{Name: "bypass_incompatible_branch", Kind: KindOption, Privileged: true,
		Help: "Bypass the check on the source branch prefix"},
	{Name: "bypass_jira_check", Kind: KindOption, Privileged: true,
		Help: "Bypass the issue tracker checks"},
	{Name: "bypass_leader_approval", Kind: KindOption, Privileged: true,
		Help: "Bypass the project leaders' approval"},
	{Name: "bypass_peer_approval", Kind: KindOption, Privileged: true,
		Help: "Bypass the pull request peers' approval"},
	{Name: "create_integration_branches", Kind: KindOption,
		Help: "Request the creation of integration branches"},
	{Name: "create_pull_requests", Kind: KindOption,
		Help: "Request the creation of integration pull requests"},
	{Name: "no_octopus", Kind: KindOption,
		Help: "Prefer two consecutive merges over an octopus merge on integration branches"},
	{Name: "wait", Kind: KindOption,
		Help: "Instruct the robot not to run until further notice"},

	{Name: "help", Kind: KindCommand,
		Help: "Print the robot's manual in the pull request"},
	{Name: "status", Kind: KindCommand,
		Help: "Print the robot's current status in the pull request"},
	{Name: "reset", Kind: KindCommand,
		Help: "Remove integration branches unless they carry commits that do not appear on the source branch"},
	{Name: "force_reset", Kind: KindCommand,
		Help: "Delete integration branches and pull requests, and restart the merge process from the beginning"},
	{Name: "build", Kind: KindCommand, Help: "Re-start a fresh build (not implemented)"},
	{Name: "retry", Kind: KindCommand, Help: "Re-start a fresh build (not implemented)"},
	{Name: "clear", Kind: KindCommand, Help: "Remove the robot's comments from the history (not implemented)"},
}

// Registry returns all recognized tokens, for help rendering.
func Registry() []Spec {
	return slices.Clone(registry)
}

func lookup(name string) (Spec, bool) {
	for _, s := range registry {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// UnknownTokenError reports a token the robot does not recognize.
type UnknownTokenError struct {
	Token   string
	Author  string
	Comment string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token %q from %s", e.Token, e.Author)
}

// NotPrivilegedError reports a privileged token used without admin rights.
// SelfPR is set when the author is an admin but used the token on their own
// pull request.
type NotPrivilegedError struct {
	Token  string
	Author string
	SelfPR bool
}

func (e *NotPrivilegedError) Error() string {
	return fmt.Sprintf("token %q requires privileges %s does not hold", e.Token, e.Author)
}

// NotAuthoredError reports an authored-only token used by someone other than
// the pull request author.
type NotAuthoredError struct {
	Token  string
	Author string
}

func (e *NotAuthoredError) Error() string {
	return fmt.Sprintf("token %q is reserved to the pull request author, not %s", e.Token, e.Author)
}

// Command is a one-shot command found after the robot's last message.
type Command struct {
	Name   string
	Args   []string
	Author string
}

// Active is the effective result of parsing a pull request's comments.
type Active struct {
	// Options in effect, by name. Value-less options map to "true".
	Options map[string]bool

	// AfterPullRequests lists the ids given to after_pull_request, in
	// comment order, deduplicated.
	AfterPullRequests []int

	// Commands found after the robot's last comment, newest first.
	Commands []Command
}

// Set reports whether the named option is in effect.
func (a *Active) Set(name string) bool { return a.Options[name] }

// Names returns the active option names in sorted order, for message
// footers.
func (a *Active) Names() []string {
	out := make([]string, 0, len(a.Options))
	for name, on := range a.Options {
		if on {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	for _, id := range a.AfterPullRequests {
		out = append(out, fmt.Sprintf("after_pull_request=%d", id))
	}
	return out
}

// optionSeps is the set of punctuation accepted between option tokens.
var optionSeps = regexp.MustCompile(`[,.:;|+-]`)

var commandRe = regexp.MustCompile(`^([A-Za-z_]+)(\s.*)?$`)

// Parse folds over the pull request's comments and returns the effective
// options and pending commands. robot is the robot's username, prAuthor the
// pull request author; admins and implicit come from the repository
// settings (implicit options are granted to the author by configuration and
// treated as privileged).
//
// Comments must be in creation order. The first offending token aborts the
// parse with a typed error.
func Parse(comments []host.Comment, robot, prAuthor string, admins []string, implicit []string) (*Active, error) {
	active := &Active{Options: map[string]bool{}}

	for _, name := range implicit {
		if _, ok := lookup(name); ok {
			active.Options[name] = true
		}
	}

	prefix := "@" + robot
	for _, cm := range comments {
		if cm.Author == robot {
			continue
		}
		privileged := slices.Contains(admins, cm.Author) && cm.Author != prAuthor
		authored := cm.Author == prAuthor
		for _, line := range strings.Split(cm.Body, "\n") {
			if err := active.applyOptionLine(line, prefix, cm, privileged, authored); err != nil {
				return nil, err
			}
		}
	}

	// Commands count only when posted after the robot's last message.
	for i := len(comments) - 1; i >= 0; i-- {
		cm := comments[i]
		if cm.Author == robot {
			break
		}
		privileged := slices.Contains(admins, cm.Author) && cm.Author != prAuthor
		for _, line := range strings.Split(cm.Body, "\n") {
			if err := active.applyCommandLine(line, prefix, cm, privileged); err != nil {
				return nil, err
			}
		}
	}

	return active, nil
}

func stripPrefix(line, prefix string) (string, bool) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, prefix); ok {
		return strings.TrimLeft(rest, " \t:"), true
	}
	if rest, ok := strings.CutPrefix(line, "/"); ok {
		return rest, true
	}
	return "", false
}

func (a *Active) applyOptionLine(line, prefix string, cm host.Comment, privileged, authored bool) error {
	rest, ok := stripPrefix(line, prefix)
	if !ok {
		return nil
	}

	cleaned := optionSeps.ReplaceAllString(rest, " ")
	fields := strings.Fields(cleaned)
	if len(fields) == 0 {
		return nil
	}

	for i, field := range fields {
		name, value, _ := strings.Cut(field, "=")
		spec, known := lookup(name)
		if !known {
			return &UnknownTokenError{Token: name, Author: cm.Author, Comment: line}
		}
		if spec.Kind == KindCommand {
			if i == 0 {
				return nil // a command call, not an option declaration
			}
			return &UnknownTokenError{Token: name, Author: cm.Author, Comment: line}
		}
		if spec.Privileged && !privileged {
			return &NotPrivilegedError{Token: name, Author: cm.Author, SelfPR: authored}
		}
		if spec.Authored && !authored {
			return &NotAuthoredError{Token: name, Author: cm.Author}
		}

		if spec.Name == "after_pull_request" {
			id, err := strconv.Atoi(value)
			if err != nil {
				continue // malformed ids are ignored, as with any other typo
			}
			if !slices.Contains(a.AfterPullRequests, id) {
				a.AfterPullRequests = append(a.AfterPullRequests, id)
			}
			continue
		}
		a.Options[name] = true
	}
	return nil
}

func (a *Active) applyCommandLine(line, prefix string, cm host.Comment, privileged bool) error {
	rest, ok := stripPrefix(line, prefix)
	if !ok {
		return nil
	}

	m := commandRe.FindStringSubmatch(strings.TrimSpace(rest))
	if m == nil {
		return nil
	}
	name := m[1]

	spec, known := lookup(name)
	if !known {
		// Option declarations with values fail the command regex; a bare
		// unknown word is still worth reporting.
		return &UnknownTokenError{Token: name, Author: cm.Author, Comment: line}
	}
	if spec.Kind == KindOption {
		return nil // an option declaration, not a command call
	}
	if spec.Privileged && !privileged {
		return &NotPrivilegedError{Token: name, Author: cm.Author}
	}

	a.Commands = append(a.Commands, Command{
		Name:   name,
		Args:   strings.Fields(strings.TrimSpace(m[2])),
		Author: cm.Author,
	})
	return nil
}
