package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/jobs"
	"github.com/jogman/gwfbot/internal/message"
	"github.com/jogman/gwfbot/internal/mq"
)

// promoteQueues rebuilds the queue collection from the remote refs,
// validates it, and fast-forwards the destinations to everything whose
// builds passed. With force set, build statuses are ignored.
func (r *Robot) promoteQueues(ctx context.Context, job *jobs.Job, force bool) error {
	dests, err := r.liveDestinations(ctx)
	if err != nil {
		return err
	}

	coll, err := r.manager.Build(ctx, dests)
	if err != nil {
		return err
	}
	if coll.Empty() {
		job.Outcome = "queues empty"
		return nil
	}

	if err := r.manager.Validate(ctx, coll); err != nil {
		var ooo *mq.OutOfOrderError
		if !errors.As(err, &ooo) {
			return err
		}
		r.logger.Error("queues out of order", "problems", ooo.Problems)
		spec := message.Spec{Code: message.CodeQueueOutOfOrder, Params: map[string]any{}}
		for _, prID := range coll.PRs() {
			if _, err := r.msg.Post(ctx, prID, spec, nil); err != nil {
				return err
			}
		}
		job.Outcome = ooo.Error()
		return nil
	}

	mergeable, failures, err := r.manager.Mergeable(ctx, r.client, coll, force)
	if err != nil {
		return err
	}
	for _, f := range failures {
		spec := message.Spec{Code: message.CodeBuildFailed, Params: map[string]any{
			"Commit": f.Commit,
			"Branch": f.Branch,
			"Status": string(host.BuildFailed),
		}}
		if _, err := r.msg.Post(ctx, f.PR, spec, nil); err != nil {
			return err
		}
	}
	if len(mergeable) == 0 {
		job.Outcome = "no mergeable queue content"
		return nil
	}

	promoted, err := r.manager.Promote(ctx, coll, mergeable)
	if err != nil {
		return err
	}
	if err := r.ws.Fetch(ctx); err != nil {
		return err
	}

	for _, p := range promoted {
		if err := r.reportPromoted(ctx, p); err != nil {
			return err
		}
	}
	job.Outcome = fmt.Sprintf("merged %d pull request(s)", len(promoted))
	return nil
}

// reportPromoted posts the final message on a merged pull request and
// prunes its integration branches. When the source branch moved after
// queueing, only the queued commits were merged and the pull request is
// told so.
func (r *Robot) reportPromoted(ctx context.Context, p mq.Promoted) error {
	pr, err := r.client.GetPullRequest(ctx, p.PR)
	if err != nil {
		return err
	}

	first := "origin/" + p.Branches[0]
	complete, err := r.ws.IsAncestor(ctx, pr.SourceSHA, first)
	if err != nil {
		return err
	}

	var spec message.Spec
	if complete {
		spec = message.Spec{Code: message.CodeMerged, Params: map[string]any{
			"Branches": p.Branches,
			"Author":   pr.Author,
		}}
	} else {
		commits, err := r.ws.CommitsIn(ctx, "origin/"+pr.Source, first)
		if err != nil {
			return err
		}
		var shas []string
		for _, c := range commits {
			shas = append(shas, c.SHA)
		}
		spec = message.Spec{Code: message.CodePartialMerge, Params: map[string]any{
			"Commits": shas,
		}}
	}
	if _, err := r.msg.Post(ctx, p.PR, spec, nil); err != nil {
		return err
	}

	var wnames []string
	for _, name := range p.Branches {
		if d, ok := gwf.ParseDestination(name); ok {
			wnames = append(wnames, gwf.IntegrationName(d, pr.Source))
		}
	}
	if err := r.ws.PushDelete(ctx, wnames...); err != nil {
		r.logger.Warn("could not prune integration branches", "pr", p.PR, "error", err)
	}
	return nil
}

// rebuildQueues tears every queue branch down and re-enqueues an
// evaluation job for each pull request that was queued, so each one
// requalifies and is re-admitted in turn.
func (r *Robot) rebuildQueues(ctx context.Context, job *jobs.Job) error {
	prs, err := r.manager.Delete(ctx)
	if err != nil {
		return err
	}
	if len(prs) == 0 {
		job.Outcome = "no queues to rebuild"
		return nil
	}

	if r.requeue != nil {
		for _, id := range prs {
			j := jobs.New(job.Repo, jobs.KindPullRequest)
			j.PR = id
			r.requeue(ctx, j)
		}
	}
	job.Outcome = fmt.Sprintf("rebuilt queues, re-enqueued %d pull request(s)", len(prs))
	return nil
}

// deleteQueues removes every queue branch without re-admitting anything.
func (r *Robot) deleteQueues(ctx context.Context, job *jobs.Job) error {
	prs, err := r.manager.Delete(ctx)
	if err != nil {
		return err
	}
	if len(prs) == 0 {
		job.Outcome = "no queues to delete"
		return nil
	}
	job.Outcome = fmt.Sprintf("deleted queues holding %d pull request(s)", len(prs))
	return nil
}
