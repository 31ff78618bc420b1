package config

import (
	"os"
	"path/filepath"
	"testing"
)

// setEnv sets the minimum required env vars for config loading, then applies overrides.
func setEnv(t *testing.T, overrides map[string]string) {
	t.Helper()

	defaults := map[string]string{
		"GWF_WEBHOOK_SECRET": "secret",
		"GWF_DATABASE_URL":   "postgres:///test",
		"GWF_SETTINGS_DIR":   "/etc/gwfbot",
		"GWF_GITHUB_TOKEN":   "test-token",
		"GWF_GITHUB_APP_ID":  "",
		"GWF_POLL_INTERVAL":  "",
		"GWF_CALL_TIMEOUT":   "",
		"GWF_LOG_LEVEL":      "",
	}

	for k, v := range overrides {
		defaults[k] = v
	}

	for k, v := range defaults {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setEnv(t, nil)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.ListenAddr)
	}
	if cfg.PollInterval.Minutes() != 5 {
		t.Errorf("expected 5m poll interval, got %v", cfg.PollInterval)
	}
	if cfg.CallTimeout.Seconds() != 60 {
		t.Errorf("expected 60s call timeout, got %v", cfg.CallTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info log level, got %q", cfg.LogLevel)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setEnv(t, map[string]string{"GWF_WEBHOOK_SECRET": ""})

	if _, err := Load(); err == nil {
		t.Fatal("expected error when webhook secret is missing")
	}
}

func TestLoadNoAuth(t *testing.T) {
	setEnv(t, map[string]string{"GWF_GITHUB_TOKEN": ""})

	if _, err := Load(); err == nil {
		t.Fatal("expected error when neither token nor app auth is set")
	}
}

func TestLoadAppAuth(t *testing.T) {
	setEnv(t, map[string]string{
		"GWF_GITHUB_TOKEN":           "",
		"GWF_GITHUB_APP_ID":          "1234",
		"GWF_GITHUB_INSTALLATION_ID": "5678",
		"GWF_GITHUB_APP_KEY":         "/etc/gwfbot/app.pem",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GithubAppID != 1234 || cfg.GithubInstallID != 5678 {
		t.Errorf("unexpected app auth: %d/%d", cfg.GithubAppID, cfg.GithubInstallID)
	}
}

func TestLoadAppAuthIncomplete(t *testing.T) {
	setEnv(t, map[string]string{
		"GWF_GITHUB_TOKEN":  "",
		"GWF_GITHUB_APP_ID": "1234",
	})

	if _, err := Load(); err == nil {
		t.Fatal("expected error when app key and installation id are missing")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	setEnv(t, map[string]string{"GWF_LOG_LEVEL": "verbose"})

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func writeSettings(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalSettings = `
repository_owner = "acme"
repository_slug = "widget"
robot = "gwfbot"
robot_email = "gwfbot@acme.example"
`

func TestLoadSettingsDefaults(t *testing.T) {
	path := writeSettings(t, t.TempDir(), "widget.toml", minimalSettings)

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.FullName() != "acme/widget" {
		t.Errorf("expected acme/widget, got %q", s.FullName())
	}
	if s.RequiredPeerApprovals != 2 {
		t.Errorf("expected 2 peer approvals by default, got %d", s.RequiredPeerApprovals)
	}
	if !s.NeedAuthorApproval {
		t.Error("expected author approval required by default")
	}
	if !s.AlwaysCreateIntegrationPullRequests {
		t.Error("expected integration pull requests enabled by default")
	}
	if !s.UseQueue {
		t.Error("expected the merge queue enabled by default")
	}
}

func TestLoadSettingsFull(t *testing.T) {
	path := writeSettings(t, t.TempDir(), "widget.toml", minimalSettings+`
build_key = "pre-merge"
required_peer_approvals = 3
required_leader_approvals = 1
admins = ["alice"]
project_leaders = ["alice", "bob"]
jira_keys = ["WIDGET"]
max_commit_diff = 100

[prefixes]
bug = "bugfix"
story = "feature"

[pr_author_options]
release-bot = ["bypass_jira_check", "bypass_author_approval"]
`)

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.IsAdmin("alice") || s.IsAdmin("bob") {
		t.Error("admin membership wrong")
	}
	if !s.IsLeader("bob") {
		t.Error("expected bob to be a leader")
	}
	if got := s.ImplicitOptions("release-bot"); len(got) != 2 {
		t.Errorf("expected 2 implicit options, got %v", got)
	}
	if s.Prefixes["bug"] != "bugfix" {
		t.Errorf("unexpected prefixes: %v", s.Prefixes)
	}
}

func TestLoadSettingsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing robot":       `repository_owner = "a"` + "\n" + `repository_slug = "b"`,
		"leaders exceed peers": minimalSettings + "required_peer_approvals = 1\nrequired_leader_approvals = 2\nproject_leaders = [\"a\", \"b\"]\n",
		"too few leaders":      minimalSettings + "required_leader_approvals = 1\n",
		"reserved prefix":      minimalSettings + "[prefixes]\nbug = \"w\"\n",
		"unknown key":          minimalSettings + "no_such_key = true\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeSettings(t, t.TempDir(), "bad.toml", content)
			if _, err := LoadSettings(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSettingsDir(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "widget.toml", minimalSettings)
	writeSettings(t, dir, "gadget.toml", `
repository_owner = "acme"
repository_slug = "gadget"
robot = "gwfbot"
robot_email = "gwfbot@acme.example"
`)
	writeSettings(t, dir, "README.md", "not a settings file")

	all, err := LoadSettingsDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(all))
	}
	if _, ok := all["acme/gadget"]; !ok {
		t.Error("acme/gadget not loaded")
	}
}
