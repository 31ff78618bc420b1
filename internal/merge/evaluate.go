package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogman/gwfbot/internal/gate"
	"github.com/jogman/gwfbot/internal/gwf"
	"github.com/jogman/gwfbot/internal/host"
	"github.com/jogman/gwfbot/internal/integrate"
	"github.com/jogman/gwfbot/internal/jobs"
	"github.com/jogman/gwfbot/internal/message"
	"github.com/jogman/gwfbot/internal/mq"
	"github.com/jogman/gwfbot/internal/options"
	"github.com/jogman/gwfbot/internal/tracker"
)

// evaluate runs one pull request through the whole workflow: comment
// parsing, commands, integration branch maintenance, the gating checks,
// and finally queueing or merging.
func (r *Robot) evaluate(ctx context.Context, job *jobs.Job, pr *host.PullRequest) error {
	log := r.logger.With("pr", pr.ID)

	switch pr.State {
	case host.PRMerged:
		job.Outcome = "pull request already merged"
		return nil
	case host.PRDeclined:
		return r.cleanupDeclined(ctx, job, pr)
	}

	// hotfix/* and user/* branches are outside the workflow; the robot
	// stays silent on their pull requests.
	if gwf.IsHotfix(pr.Source) || gwf.IsUser(pr.Source) {
		log.Debug("ignoring unmanaged source branch", "source", pr.Source)
		job.Outcome = "source branch is not managed"
		return nil
	}

	comments, err := r.client.ListComments(ctx, pr.ID)
	if err != nil {
		return err
	}
	active, err := options.Parse(comments, r.settings.Robot, pr.Author,
		r.settings.Admins, r.settings.ImplicitOptions(pr.Author))
	if err != nil {
		return r.reportParseError(ctx, job, pr, err)
	}

	dst, dstKnown := gwf.ParseDestination(pr.Destination)
	src, srcOK := gwf.ParseSource(pr.Source, r.settings.BypassPrefixes)

	var cascade gwf.Cascade
	if dstKnown {
		dests, err := r.liveDestinations(ctx)
		if err != nil {
			return err
		}
		cascade, err = gwf.BuildCascade(dests, dst, src.Prefix)
		if err != nil {
			// The destination disappeared between the event and now.
			job.Outcome = err.Error()
			return nil
		}
		tags, err := r.ws.Tags(ctx)
		if err != nil {
			return err
		}
		cascade.ComputeExpectedVersions(tags)
	}

	greeted, err := r.msg.Greeted(ctx, pr.ID)
	if err != nil {
		return err
	}
	if !greeted {
		spec := message.Spec{Code: message.CodeHello, Params: map[string]any{
			"Author": pr.Author,
			"Tasks":  r.settings.Tasks[src.Prefix],
		}}
		if _, err := r.msg.Post(ctx, pr.ID, spec, nil); err != nil {
			return err
		}
	}

	if len(active.Commands) > 0 {
		return r.runCommands(ctx, job, pr, src, cascade, active)
	}

	queued, err := r.manager.InQueue(ctx, pr.ID)
	if err != nil {
		return err
	}
	if queued {
		// The builds on the queue tips may have finished while no status
		// event reached us. Promoting here keeps the queue moving on any
		// event touching a queued pull request.
		job.Outcome = "pull request already queued"
		return r.promoteQueues(ctx, job, false)
	}

	facts := gate.Facts{
		PR:       *pr,
		Active:   active,
		Dst:      dst,
		DstKnown: dstKnown,
		Src:      src,
		SrcOK:    srcOK,
		Cascade:  cascade,

		TrackerEnabled:          r.tracker.Enabled(),
		AuthorApprovalSupported: r.client.SupportsAuthorApproval(),
	}

	if dstKnown {
		behind, err := r.ws.CountCommits(ctx, "origin/"+dst.Name, "origin/"+pr.Source)
		if err != nil {
			return err
		}
		facts.CommitsBehind = behind
	}

	if facts.TrackerEnabled && src.IssueKey != "" {
		issue, err := r.tracker.GetIssue(ctx, src.IssueKey)
		switch {
		case errors.Is(err, tracker.ErrNotFound):
		case err != nil:
			return err
		default:
			facts.Issue = issue
		}
	}

	var integration *integrationState
	if dstKnown && srcOK {
		integration, err = r.maintainIntegration(ctx, pr, src, cascade, active, &facts)
		if err != nil {
			return err
		}
	}

	if err := r.collectApprovals(ctx, pr, active, &facts); err != nil {
		return err
	}
	if err := r.collectDependencies(ctx, pr, active, &facts); err != nil {
		return err
	}

	if failure := gate.Evaluate(&facts, r.settings); failure != nil {
		job.Outcome = failure.Error()
		if failure.Silent {
			log.Debug("evaluation stopped", "check", failure.Check)
			return nil
		}
		if _, err := r.msg.Post(ctx, pr.ID, failure.Msg, active.Names()); err != nil {
			return err
		}
		return nil
	}

	return r.land(ctx, job, pr, src, cascade, active, integration)
}

// integrationState carries the Update result into the landing step.
type integrationState struct {
	result *integrate.Result
}

// land merges or queues a pull request that passed every check.
func (r *Robot) land(ctx context.Context, job *jobs.Job, pr *host.PullRequest, src gwf.Source, cascade gwf.Cascade, active *options.Active, integration *integrationState) error {
	branches := make([]string, 0, len(cascade.Branches))
	for _, d := range cascade.Branches {
		branches = append(branches, d.Name)
	}

	if !r.settings.UseQueue {
		if err := r.engine.MergeDirect(ctx, integration.result); err != nil {
			return err
		}
		spec := message.Spec{Code: message.CodeMerged, Params: map[string]any{
			"Branches": branches,
			"Ignored":  cascade.Ignored,
			"Author":   pr.Author,
		}}
		if _, err := r.msg.Post(ctx, pr.ID, spec, active.Names()); err != nil {
			return err
		}
		job.Outcome = "merged"
		return nil
	}

	err := r.manager.Add(ctx, pr.ID, src.Name, integration.result.Branches)
	var conflict *mq.ConflictError
	if errors.As(err, &conflict) {
		spec := message.Spec{Code: message.CodeQueueConflict, Params: map[string]any{}}
		if _, err := r.msg.Post(ctx, pr.ID, spec, active.Names()); err != nil {
			return err
		}
		job.Outcome = conflict.Error()
		return nil
	}
	if err != nil {
		return err
	}

	spec := message.Spec{Code: message.CodeQueued, Params: map[string]any{
		"Branches": branches,
		"Ignored":  cascade.Ignored,
	}}
	if _, err := r.msg.Post(ctx, pr.ID, spec, active.Names()); err != nil {
		return err
	}
	job.Outcome = "queued"

	// The queue may already be green: the item tips equal the integration
	// tips whose builds just passed. Try promoting right away rather than
	// waiting for the next build event.
	return r.promoteQueues(ctx, job, false)
}

// maintainIntegration creates or refreshes the integration branches when
// they exist or their creation was requested, and posts the integration
// data message for newly created ones.
func (r *Robot) maintainIntegration(ctx context.Context, pr *host.PullRequest, src gwf.Source, cascade gwf.Cascade, active *options.Active, facts *gate.Facts) (*integrationState, error) {
	built := true
	for _, d := range cascade.Branches {
		exists, err := r.ws.RemoteBranchExists(ctx, gwf.IntegrationName(d, src.Name))
		if err != nil {
			return nil, err
		}
		if !exists {
			built = false
			break
		}
	}

	facts.CreationRequested = r.settings.AlwaysCreateIntegrationBranches ||
		active.Set("create_integration_branches")
	if !built && !facts.CreationRequested {
		return &integrationState{}, nil
	}

	res, err := r.engine.Update(ctx, src.Name, cascade, active.Set("no_octopus"))
	if err != nil {
		return nil, err
	}
	if res.HistoryMismatch != "" {
		facts.HistoryMismatch = res.HistoryMismatch
		return &integrationState{result: res}, nil
	}
	if res.Conflict != nil {
		facts.Conflict = &gate.Conflict{
			Integration: res.Conflict.Integration,
			OnFeature:   res.Conflict.OnFeature,
			Previous:    res.Conflict.Previous,
		}
		return &integrationState{result: res}, nil
	}
	facts.IntegrationBuilt = true

	anyCreated := false
	for _, b := range res.Branches {
		if b.Created {
			anyCreated = true
		}
	}

	var childPRs []int
	prCreated := false
	if r.settings.AlwaysCreateIntegrationPullRequests || active.Set("create_pull_requests") {
		childPRs, prCreated, err = r.engine.PullRequests(ctx, r.client, pr, res)
		if err != nil {
			return nil, err
		}
	}

	if (anyCreated || prCreated) && len(res.Branches) > 1 {
		names := make([]string, 0, len(res.Branches)-1)
		for _, b := range res.Branches[1:] {
			names = append(names, b.Name)
		}
		spec := message.Spec{Code: message.CodeIntegrationData, Params: map[string]any{
			"Branches":     names,
			"PullRequests": childPRs,
		}}
		if _, err := r.msg.Post(ctx, pr.ID, spec, active.Names()); err != nil {
			return nil, err
		}
	}

	for _, b := range res.Branches {
		status, err := r.client.GetBuildStatus(ctx, b.Tip)
		if err != nil {
			return nil, err
		}
		facts.Builds = append(facts.Builds, gate.TipBuild{
			Branch: b.Name,
			Commit: b.Tip,
			Status: status,
		})
	}

	return &integrationState{result: res}, nil
}

// collectApprovals fills the approval facts from the latest review per
// reviewer. Project leaders count as peers too; the author's approval is
// tracked separately and never counts as a peer review.
func (r *Robot) collectApprovals(ctx context.Context, pr *host.PullRequest, active *options.Active, facts *gate.Facts) error {
	reviews, err := r.client.ListReviews(ctx, pr.ID)
	if err != nil {
		return err
	}

	facts.ApprovedByAuthor = active.Set("approve")
	for _, rv := range reviews {
		switch rv.State {
		case host.ReviewApproved:
			if rv.Author == pr.Author {
				facts.ApprovedByAuthor = true
				continue
			}
			facts.PeerApprovals++
			if r.settings.IsLeader(rv.Author) {
				facts.LeaderApprovals++
			}
		case host.ReviewChangesRequested:
			facts.ChangesRequested = append(facts.ChangesRequested, rv.Author)
		}
	}
	return nil
}

// collectDependencies resolves the after_pull_request targets. A pull
// request depending on itself stays blocked forever, which is reported
// rather than looped on.
func (r *Robot) collectDependencies(ctx context.Context, pr *host.PullRequest, active *options.Active, facts *gate.Facts) error {
	for _, id := range active.AfterPullRequests {
		if id == pr.ID {
			facts.Dependencies = append(facts.Dependencies, gate.Dependency{ID: id, State: host.PROpen})
			continue
		}
		dep, err := r.client.GetPullRequest(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve dependency #%d: %w", id, err)
		}
		facts.Dependencies = append(facts.Dependencies, gate.Dependency{ID: id, State: dep.State})
	}
	return nil
}

// cleanupDeclined removes the integration data of a pull request closed
// without merging.
func (r *Robot) cleanupDeclined(ctx context.Context, job *jobs.Job, pr *host.PullRequest) error {
	dst, dstKnown := gwf.ParseDestination(pr.Destination)
	src, srcOK := gwf.ParseSource(pr.Source, r.settings.BypassPrefixes)
	if !dstKnown || !srcOK {
		job.Outcome = "declined, nothing to clean up"
		return nil
	}

	dests, err := r.liveDestinations(ctx)
	if err != nil {
		return err
	}
	cascade, err := gwf.BuildCascade(dests, dst, src.Prefix)
	if err != nil {
		r.logger.Warn("cannot clean up declined pull request", "pr", pr.ID, "error", err)
		job.Outcome = "declined, destination gone"
		return nil
	}

	if err := r.engine.CleanupDeclined(ctx, r.client, src.Name, cascade); err != nil {
		return err
	}
	job.Outcome = "declined pull request cleaned up"
	return nil
}

// reportParseError posts the message matching a comment parse failure.
// Parse failures are user errors, not job failures.
func (r *Robot) reportParseError(ctx context.Context, job *jobs.Job, pr *host.PullRequest, err error) error {
	var spec message.Spec

	var unknown *options.UnknownTokenError
	var notPrivileged *options.NotPrivilegedError
	var notAuthored *options.NotAuthoredError
	switch {
	case errors.As(err, &unknown):
		spec = message.Spec{Code: message.CodeUnknownCommand, Params: map[string]any{
			"Token":   unknown.Token,
			"Comment": unknown.Comment,
		}}
	case errors.As(err, &notPrivileged):
		spec = message.Spec{Code: message.CodeNotAuthorized, Params: map[string]any{
			"Author": notPrivileged.Author,
			"Token":  notPrivileged.Token,
			"SelfPR": notPrivileged.SelfPR,
		}}
	case errors.As(err, &notAuthored):
		spec = message.Spec{Code: message.CodeNotAuthor, Name: "not_author", Params: map[string]any{
			"Author": notAuthored.Author,
			"Token":  notAuthored.Token,
		}}
	default:
		return err
	}

	if _, err := r.msg.Post(ctx, pr.ID, spec, nil); err != nil {
		return err
	}
	job.Outcome = err.Error()
	return nil
}

// runCommands executes the one-shot commands found after the robot's last
// message, newest first. Evaluation resumes on the next event.
func (r *Robot) runCommands(ctx context.Context, job *jobs.Job, pr *host.PullRequest, src gwf.Source, cascade gwf.Cascade, active *options.Active) error {
	for _, cmd := range active.Commands {
		switch cmd.Name {
		case "help":
			if err := r.postHelp(ctx, pr, active); err != nil {
				return err
			}
		case "status":
			if err := r.postStatus(ctx, pr, cascade, active); err != nil {
				return err
			}
		case "reset", "force_reset":
			return r.reset(ctx, job, pr, src, cascade, active, cmd.Name == "force_reset")
		default:
			spec := message.Spec{Code: message.CodeNotImplemented, Params: map[string]any{}}
			if _, err := r.msg.Post(ctx, pr.ID, spec, active.Names()); err != nil {
				return err
			}
		}
	}
	job.Outcome = "commands handled"
	return nil
}

func (r *Robot) postHelp(ctx context.Context, pr *host.PullRequest, active *options.Active) error {
	var opts, cmds []options.Spec
	for _, s := range options.Registry() {
		if s.Kind == options.KindCommand {
			cmds = append(cmds, s)
		} else {
			opts = append(opts, s)
		}
	}
	spec := message.Spec{Code: message.CodeHelp, Params: map[string]any{
		"Options":  opts,
		"Commands": cmds,
	}}
	_, err := r.msg.Post(ctx, pr.ID, spec, active.Names())
	return err
}

func (r *Robot) postStatus(ctx context.Context, pr *host.PullRequest, cascade gwf.Cascade, active *options.Active) error {
	queued, err := r.manager.InQueue(ctx, pr.ID)
	if err != nil {
		return err
	}
	branches := make([]string, 0, len(cascade.Branches))
	for _, d := range cascade.Branches {
		branches = append(branches, d.Name)
	}
	spec := message.Spec{Code: message.CodeStatus, Params: map[string]any{
		"Queued":   queued,
		"Branches": branches,
	}}
	_, err = r.msg.Post(ctx, pr.ID, spec, active.Names())
	return err
}

func (r *Robot) reset(ctx context.Context, job *jobs.Job, pr *host.PullRequest, src gwf.Source, cascade gwf.Cascade, active *options.Active, force bool) error {
	queued, err := r.manager.InQueue(ctx, pr.ID)
	if err != nil {
		return err
	}
	if queued {
		job.Outcome = "cannot reset a queued pull request"
		return nil
	}

	res, err := r.engine.Reset(ctx, r.client, src.Name, cascade, force)
	if errors.Is(err, integrate.ErrLossyReset) {
		spec := message.Spec{Code: message.CodeLossyReset, Params: map[string]any{}}
		if _, err := r.msg.Post(ctx, pr.ID, spec, active.Names()); err != nil {
			return err
		}
		job.Outcome = "reset refused, integration branches carry user commits"
		return nil
	}
	if err != nil {
		return err
	}

	spec := message.Spec{Code: message.CodeResetComplete, Params: map[string]any{
		"CouldntDecline": res.CouldntDecline,
	}}
	if _, err := r.msg.Post(ctx, pr.ID, spec, active.Names()); err != nil {
		return err
	}
	job.Outcome = "integration data reset"
	return nil
}
