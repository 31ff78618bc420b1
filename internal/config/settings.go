package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Settings is the per-repository configuration, loaded from one TOML file
// per repository in the settings directory.
type Settings struct {
	RepositoryOwner string `toml:"repository_owner"`
	RepositorySlug  string `toml:"repository_slug"`

	Robot      string `toml:"robot"`       // robot username on the host
	RobotEmail string `toml:"robot_email"` // committer identity for merges

	BuildKey string `toml:"build_key"` // commit-status context; empty means check suites

	RequiredPeerApprovals   int  `toml:"required_peer_approvals"`
	RequiredLeaderApprovals int  `toml:"required_leader_approvals"`
	NeedAuthorApproval      bool `toml:"need_author_approval"`

	Admins         []string `toml:"admins"`
	ProjectLeaders []string `toml:"project_leaders"`

	// Tasks per branch prefix, checked off in the pull request description.
	Tasks map[string][]string `toml:"tasks"`

	// Expected source-branch prefix per issue type, lowercased
	// (e.g. bug = "bugfix", story = "feature").
	Prefixes map[string]string `toml:"prefixes"`

	// Per-author implicit options, granted without a comment.
	PRAuthorOptions map[string][]string `toml:"pr_author_options"`

	JiraAccountURL string   `toml:"jira_account_url"`
	JiraEmail      string   `toml:"jira_email"`
	JiraKeys       []string `toml:"jira_keys"` // accepted project keys
	BypassPrefixes []string `toml:"bypass_prefixes"`

	DisableVersionChecks bool `toml:"disable_version_checks"`
	MaxCommitDiff        int  `toml:"max_commit_diff"` // 0 disables the divergence limit

	AlwaysCreateIntegrationPullRequests bool `toml:"always_create_integration_pull_requests"`
	AlwaysCreateIntegrationBranches     bool `toml:"always_create_integration_branches"`

	// UseQueue merges through the q/* lanes; disabling it merges passing
	// pull requests straight into their destinations.
	UseQueue bool `toml:"use_queue"`
}

// FullName returns "owner/slug".
func (s *Settings) FullName() string {
	return s.RepositoryOwner + "/" + s.RepositorySlug
}

// IsAdmin reports whether user holds admin privilege.
func (s *Settings) IsAdmin(user string) bool {
	return slices.Contains(s.Admins, user)
}

// IsLeader reports whether user is a project leader.
func (s *Settings) IsLeader(user string) bool {
	return slices.Contains(s.ProjectLeaders, user)
}

// ImplicitOptions returns the options granted to author by configuration.
func (s *Settings) ImplicitOptions(author string) []string {
	return s.PRAuthorOptions[author]
}

// LoadSettings reads and validates one repository settings file.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{
		RequiredPeerApprovals:               2,
		NeedAuthorApproval:                  true,
		AlwaysCreateIntegrationPullRequests: true,
		AlwaysCreateIntegrationBranches:     true,
		UseQueue:                            true,
	}
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parse %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// LoadSettingsDir loads every *.toml file in dir, keyed by "owner/slug".
func LoadSettingsDir(dir string) (map[string]*Settings, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read settings dir: %w", err)
	}

	out := map[string]*Settings{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		s, err := LoadSettings(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := out[s.FullName()]; dup {
			return nil, fmt.Errorf("duplicate settings for %s", s.FullName())
		}
		out[s.FullName()] = s
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no settings files in %s", dir)
	}
	return out, nil
}

func (s *Settings) validate() error {
	if s.RepositoryOwner == "" || s.RepositorySlug == "" {
		return fmt.Errorf("repository_owner and repository_slug are required")
	}
	if s.Robot == "" {
		return fmt.Errorf("robot is required")
	}
	if s.RobotEmail == "" {
		return fmt.Errorf("robot_email is required")
	}
	if s.RequiredPeerApprovals < 0 || s.RequiredLeaderApprovals < 0 {
		return fmt.Errorf("approval counts must not be negative")
	}
	if s.RequiredLeaderApprovals > s.RequiredPeerApprovals {
		return fmt.Errorf("required_leader_approvals (%d) exceeds required_peer_approvals (%d)",
			s.RequiredLeaderApprovals, s.RequiredPeerApprovals)
	}
	if s.RequiredLeaderApprovals > len(s.ProjectLeaders) {
		return fmt.Errorf("required_leader_approvals (%d) exceeds the number of project_leaders (%d)",
			s.RequiredLeaderApprovals, len(s.ProjectLeaders))
	}
	for _, prefix := range s.Prefixes {
		if prefix == "w" || prefix == "q" {
			return fmt.Errorf("prefixes: %q is reserved", prefix)
		}
	}
	if s.MaxCommitDiff < 0 {
		return fmt.Errorf("max_commit_diff must not be negative")
	}
	return nil
}
