// Package poller periodically re-enqueues work for every managed
// repository. Webhook deliveries can be lost or arrive while the robot is
// down; the sweep guarantees every open pull request is revisited within
// one interval, which also retries any queue promotion a lost build
// status event left behind.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/jobs"
)

// Target accepts jobs for one repository. Duplicate pending jobs are
// expected to be dropped by the implementation.
type Target interface {
	Enqueue(ctx context.Context, job *jobs.Job) bool
}

// Repo is one repository the poller sweeps.
type Repo struct {
	Name   string
	Client host.Client
	Target Target
}

// Poller schedules periodic sweeps over a fixed set of repositories.
type Poller struct {
	repos    []Repo
	interval time.Duration
	logger   *slog.Logger
}

func New(repos []Repo, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{repos: repos, interval: interval, logger: logger}
}

// Run sweeps immediately and then on every tick until the context is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "repositories", len(p.repos), "interval", p.interval)

	p.Sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all repositories.
func (p *Poller) Sweep(ctx context.Context) {
	for _, repo := range p.repos {
		p.sweepRepo(ctx, repo)
	}
}

func (p *Poller) sweepRepo(ctx context.Context, repo Repo) {
	prs, err := repo.Client.ListOpenPullRequests(ctx)
	if err != nil {
		p.logger.Warn("sweep skipped, host unavailable", "repo", repo.Name, "error", err)
		return
	}

	enqueued := 0
	for _, pr := range prs {
		job := jobs.New(repo.Name, jobs.KindPullRequest)
		job.PR = pr.ID
		if repo.Target.Enqueue(ctx, job) {
			enqueued++
		}
	}

	p.logger.Debug("sweep finished", "repo", repo.Name, "open", len(prs), "enqueued", enqueued)
}
