// Package registry owns the per-repository runtime state: host client,
// issue tracker, git workspace, robot and job dispatcher. It provides
// thread-safe lookup for the webhook handler and the REST API, and runs
// every repository's dispatcher until shutdown.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jogman/gwfbot/internal/config"
	"github.com/jogman/gwfbot/internal/gitrepo"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/jobs"
	"github.com/jogman/gwfbot/internal/merge"
	"github.com/jogman/gwfbot/internal/message"
	"github.com/jogman/gwfbot/internal/tracker"
)

// ManagedRepo bundles one repository's long-lived components.
type ManagedRepo struct {
	Settings   *config.Settings
	Client     host.Client
	Tracker    tracker.Client
	Workspace  *gitrepo.Workspace
	Robot      *merge.Robot
	Dispatcher *jobs.Dispatcher
}

// Enqueue hands a job to the repository's dispatcher.
func (m *ManagedRepo) Enqueue(ctx context.Context, job *jobs.Job) bool {
	return m.Dispatcher.Enqueue(ctx, job)
}

// Registry is the set of managed repositories, keyed by "owner/slug".
type Registry struct {
	mu     sync.RWMutex
	repos  map[string]*ManagedRepo
	logger *slog.Logger
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		repos:  map[string]*ManagedRepo{},
		logger: logger,
	}
}

// Build constructs a registry from the loaded settings files. Every
// repository gets its own host client, workspace clone and dispatcher.
// history may be nil.
func Build(ctx context.Context, cfg *config.Config, settings map[string]*config.Settings, history jobs.History, version string, logger *slog.Logger) (*Registry, error) {
	r := New(logger)
	for name, s := range settings {
		if err := r.Add(ctx, cfg, s, history, version); err != nil {
			return nil, fmt.Errorf("repository %s: %w", name, err)
		}
	}
	return r, nil
}

// Add creates and registers the runtime state for one repository. Adding
// an already managed repository is a no-op.
func (r *Registry) Add(ctx context.Context, cfg *config.Config, s *config.Settings, history jobs.History, version string) error {
	key := s.FullName()

	r.mu.RLock()
	_, exists := r.repos[key]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	client, err := newHostClient(cfg, s)
	if err != nil {
		return err
	}

	trk, err := newTracker(cfg, s)
	if err != nil {
		return err
	}

	cloneURL, err := client.CloneURL(ctx)
	if err != nil {
		return fmt.Errorf("clone url: %w", err)
	}
	cacheDir := filepath.Join(cfg.CacheDir, s.RepositoryOwner, s.RepositorySlug)
	ws, err := gitrepo.Open(ctx, cacheDir, cloneURL, s.Robot, s.RobotEmail)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	msg := message.NewMessenger(client, s.Robot, version, r.logger)
	robot := merge.New(s, client, trk, ws, msg, r.logger)
	dispatcher := jobs.NewDispatcher(key, robot.Handle, history, r.logger)
	robot.SetRequeue(dispatcher.Enqueue)

	managed := &ManagedRepo{
		Settings:   s,
		Client:     client,
		Tracker:    trk,
		Workspace:  ws,
		Robot:      robot,
		Dispatcher: dispatcher,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.repos[key]; exists {
		return nil
	}
	r.repos[key] = managed
	r.logger.Info("managing repository", "repo", key)
	return nil
}

// Lookup returns the managed repository for an "owner/slug" key.
func (r *Registry) Lookup(fullName string) (*ManagedRepo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.repos[fullName]
	return m, ok
}

// Names returns the managed repository keys, for the REST API.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.repos))
	for k := range r.repos {
		out = append(out, k)
	}
	return out
}

// Run starts every repository's dispatcher and blocks until the context
// is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.RLock()
	dispatchers := make([]*jobs.Dispatcher, 0, len(r.repos))
	for _, m := range r.repos {
		dispatchers = append(dispatchers, m.Dispatcher)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range dispatchers {
		g.Go(func() error { return d.Run(ctx) })
	}
	return g.Wait()
}

func newHostClient(cfg *config.Config, s *config.Settings) (host.Client, error) {
	if cfg.GithubAppID != 0 {
		return host.NewGitHubAppClient(s.RepositoryOwner, s.RepositorySlug,
			cfg.GithubAppID, cfg.GithubInstallID, cfg.GithubAppKeyPath, s.BuildKey)
	}
	return host.NewGitHubTokenClient(s.RepositoryOwner, s.RepositorySlug,
		cfg.GithubToken, s.BuildKey), nil
}

func newTracker(cfg *config.Config, s *config.Settings) (tracker.Client, error) {
	if s.JiraAccountURL == "" {
		return tracker.Noop{}, nil
	}
	return tracker.NewJiraClient(s.JiraAccountURL, s.JiraEmail, cfg.JiraToken)
}
