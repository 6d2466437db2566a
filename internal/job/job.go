// Package job implements the merge job driver (component F): the state
// machine that takes a single MR from "assigned to bot" through
// Preflight, Rebase, Rewrite, Push, WaitApprovals, WaitCI and Accept to
// Done, or to Aborting on any terminal failure.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/redhat-data-and-ai/naysayer/internal/approval"
	"github.com/redhat-data-and-ai/naysayer/internal/ci"
	"github.com/redhat-data-and-ai/naysayer/internal/clock"
	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/gitrepo"
	"github.com/redhat-data-and-ai/naysayer/internal/mr"
)

// Options mirrors the merge-job-relevant fields of config.MergeJobConfig
// (kept separate so this package has no dependency on internal/config).
type Options struct {
	AddReviewers         bool
	AddTested            bool
	ImpersonateApprovers bool
	BotName              string
	CITimeout            time.Duration
	ApprovalTimeout      time.Duration
	CIPollInterval       time.Duration
	ApprovalPollInterval time.Duration
	MaxRebaseIterations  int
}

// Job orchestrates components A-E through the state machine. Construct one
// per run via New; Job holds no state across Execute calls.
type Job struct {
	Forge     ForgeClient
	Repo      Repo
	Clock     clock.Clock
	Logger    Logger
	Opts      Options
	BotUserID int
}

// New constructs a Job with the given capabilities, per the
// dependency-injection approach of spec §9.
func New(forge ForgeClient, repo Repo, clk clock.Clock, logger Logger, opts Options, botUserID int) *Job {
	return &Job{Forge: forge, Repo: repo, Clock: clk, Logger: logger, Opts: opts, BotUserID: botUserID}
}

// jobContext carries per-run mutable state through the state machine
// functions; it is not exported and not reused across runs.
type jobContext struct {
	ctx       context.Context
	runID     string
	forge     ForgeClient
	repo      Repo
	clock     clock.Clock
	logger    Logger
	opts      Options
	botUserID int

	mr      mr.Projection
	project *gitlab.ProjectInfo

	postedJumpQueueNote bool
}

// Execute runs the state machine to completion for one MR and returns
// whether it succeeded plus a human-readable reason (spec §6: "the core
// returns a boolean success/failure and a reason string").
func (j *Job) Execute(ctx context.Context, projectID, iid int) (ok bool, reason string) {
	runID := uuid.NewString()
	jc := &jobContext{
		ctx:       ctx,
		runID:     runID,
		forge:     j.Forge,
		repo:      j.Repo,
		clock:     j.Clock,
		logger:    j.Logger,
		opts:      j.Opts,
		botUserID: j.BotUserID,
	}

	defer func() {
		if r := recover(); r != nil {
			jc.logger.Error("merge job panicked: %v", r)
			j.postBestEffort(jc, BrokenComment)
			ok, reason = false, fmt.Sprintf("panic: %v", r)
		}
	}()

	jc.logger.Info("Starting merge job run_id=%s project_id=%d mr_iid=%d", runID, projectID, iid)

	var raw *gitlab.MergeRequest
	err := withRetry(ctx, j.Clock, func() error {
		var e error
		raw, e = jc.forge.GetMR(projectID, iid)
		return e
	})
	if err != nil {
		return j.handleUnexpected(jc, err)
	}
	jc.mr = mr.FromMergeRequest(raw)

	var project *gitlab.ProjectInfo
	err = withRetry(ctx, j.Clock, func() error {
		var e error
		project, e = jc.forge.GetProject(jc.mr.TargetProjectID)
		return e
	})
	if err != nil {
		return j.handleUnexpected(jc, err)
	}
	jc.project = project

	skip, perr := jc.runPreflight()
	if skip {
		jc.logger.Info("Not assigned to me any more, skipping")
		return true, ""
	}
	if perr != nil {
		return j.abort(jc, perr)
	}

	return j.runRebaseLoop(jc)
}

// runRebaseLoop implements Rebase -> Rewrite -> Push -> WaitApprovals ->
// WaitCI -> Accept, looping back to Rebase on a 406 (target moved), bounded
// by MaxRebaseIterations (§4.6).
func (j *Job) runRebaseLoop(jc *jobContext) (bool, string) {
	maxIter := jc.opts.MaxRebaseIterations
	if maxIter <= 0 {
		maxIter = 5
	}
	lastTargetHead := ""

	for iteration := 0; iteration < maxIter; iteration++ {
		var targetHead *gitlab.BranchHead
		err := withRetry(jc.ctx, jc.clock, func() error {
			var e error
			targetHead, e = jc.forge.GetBranchHead(jc.mr.TargetProjectID, jc.mr.TargetBranch)
			return e
		})
		if err != nil {
			return j.handleUnexpected(jc, err)
		}
		if iteration > 0 && targetHead.SHA == lastTargetHead {
			return j.abort(jc, unmergeable(MsgTargetMovingFaster))
		}
		lastTargetHead = targetHead.SHA

		err = withRetry(jc.ctx, jc.clock, func() error {
			return jc.repo.Fetch(jc.ctx, jc.mr.SourceBranch, jc.mr.TargetBranch)
		})
		if err != nil {
			return j.handleUnexpected(jc, err)
		}

		var rebasedSHA string
		err = withRetry(jc.ctx, jc.clock, func() error {
			var e error
			rebasedSHA, e = jc.repo.Rebase(jc.ctx, jc.mr.SourceBranch, jc.mr.TargetBranch)
			return e
		})
		if err != nil {
			var conflict *gitrepo.ConflictError
			if errors.As(err, &conflict) {
				return j.abort(jc, unmergeable("conflict"))
			}
			return j.handleUnexpected(jc, err)
		}

		if failure := checkRebaseProduced(rebasedSHA, targetHead.SHA, jc.mr); failure != nil {
			return j.abort(jc, failure)
		}

		pushedSHA, done, result := j.rewriteAndPush(jc, rebasedSHA)
		if done {
			return result.ok, result.reason
		}

		ciOutcome, err := j.waitForCI(jc, pushedSHA)
		if err != nil {
			return j.handleUnexpected(jc, err)
		}
		switch ciOutcome {
		case ci.Failed:
			return j.abort(jc, unmergeable(MsgCIFailed))
		case ci.Canceled:
			return j.abort(jc, unmergeable(MsgCICanceled))
		}

		// Ordering guarantee (§5): re-check the source branch head hasn't
		// moved again since we pushed, before accepting.
		var head *gitlab.BranchHead
		err = withRetry(jc.ctx, jc.clock, func() error {
			var e error
			head, e = jc.forge.GetBranchHead(jc.mr.SourceProjectID, jc.mr.SourceBranch)
			return e
		})
		if err != nil {
			return j.handleUnexpected(jc, err)
		}
		if head.SHA != pushedSHA {
			return j.abort(jc, unmergeable(MsgPushedDuringMerge))
		}

		acceptResult, reenter := j.accept(jc, pushedSHA)
		if reenter {
			continue
		}
		return acceptResult.ok, acceptResult.reason
	}

	return j.abort(jc, unmergeable(MsgTargetMovingFaster))
}

type execResult struct {
	ok     bool
	reason string
}

// rewriteAndPush performs Rewrite, Push and WaitApprovals. done=true means
// the caller should return result immediately (a terminal abort happened);
// done=false means pushedSHA is valid and the loop should proceed to WaitCI.
func (j *Job) rewriteAndPush(jc *jobContext, rebasedSHA string) (pushedSHA string, done bool, result execResult) {
	var priorApprovers []int
	if jc.opts.AddReviewers || jc.opts.ImpersonateApprovers {
		var state *gitlab.ApprovalState
		err := withRetry(jc.ctx, jc.clock, func() error {
			var e error
			state, e = jc.forge.GetApprovals(jc.mr.TargetProjectID, jc.mr.IID)
			return e
		})
		if err != nil {
			ok, reason := j.handleUnexpected(jc, err)
			return "", true, execResult{ok, reason}
		}
		priorApprovers = state.Approvers
	}

	// Reviewed-by carries the approver's forge username; no display name or
	// email address is looked up.
	var trailers, tipTrailers []gitrepo.Trailer
	if jc.opts.AddReviewers {
		for _, approverID := range priorApprovers {
			username, err := jc.forge.UsernameForUser(approverID)
			if err == nil {
				trailers = append(trailers, gitrepo.Trailer{Key: "Reviewed-by", Value: username})
			}
		}
	}
	if jc.opts.AddTested {
		tipTrailers = append(tipTrailers, gitrepo.Trailer{
			Key:   "Tested",
			Value: fmt.Sprintf("%s %s", jc.opts.BotName, jc.mr.WebURL),
		})
	}

	var newSHA string
	err := withRetry(jc.ctx, jc.clock, func() error {
		var e error
		newSHA, e = jc.repo.RewriteTrailers(jc.ctx, "origin/"+jc.mr.TargetBranch, trailers, tipTrailers)
		return e
	})
	if err != nil {
		ok, reason := j.handleUnexpected(jc, err)
		return "", true, execResult{ok, reason}
	}

	pushErr := withRetry(jc.ctx, jc.clock, func() error {
		return jc.repo.Push(jc.ctx, jc.mr.SourceBranch, jc.mr.SHA)
	})
	if pushErr != nil {
		err := pushErr
		var rejected *gitrepo.PushRejectedError
		if errors.As(err, &rejected) {
			if rejected.Protected {
				ok, reason := j.abort(jc, unmergeable(MsgProtectedBranch))
				return "", true, execResult{ok, reason}
			}
			ok, reason := j.abort(jc, unmergeable(MsgPushedDuringMerge))
			return "", true, execResult{ok, reason}
		}
		ok, reason := j.handleUnexpected(jc, err)
		return "", true, execResult{ok, reason}
	}
	jc.mr.SHA = newSHA

	if err := j.approvalTracker(jc).WaitForReset(jc.ctx, jc.mr.TargetProjectID, jc.mr.IID, priorApprovers); err != nil {
		if err.Error() == MsgApprovalsNotReset {
			ok, reason := j.abort(jc, unmergeable(MsgApprovalsNotReset))
			return "", true, execResult{ok, reason}
		}
		ok, reason := j.handleUnexpected(jc, err)
		return "", true, execResult{ok, reason}
	}

	return newSHA, false, execResult{}
}

func (j *Job) approvalTracker(jc *jobContext) *approval.Tracker {
	return approval.NewTracker(
		jc.forge, jc.clock, jc.logger,
		jc.opts.ImpersonateApprovers,
		jc.opts.ApprovalPollInterval, jc.opts.ApprovalTimeout,
		jc.forge.UsernameForUser,
	)
}

func (j *Job) waitForCI(jc *jobContext, sha string) (ci.Outcome, error) {
	waiter := ci.NewWaiter(jc.forge, jc.clock, jc.opts.CIPollInterval, jc.opts.CITimeout)
	return waiter.Wait(jc.ctx, jc.mr.SourceProjectID, jc.mr.SourceBranch, sha)
}

// accept implements the Accept state's transition table (§4.6). reenter
// signals the caller to loop back to Rebase (406 case).
func (j *Job) accept(jc *jobContext, pushedSHA string) (result execResult, reenter bool) {
	err := jc.forge.AcceptMR(jc.mr.TargetProjectID, jc.mr.IID, gitlab.AcceptMROptions{
		SHA:                       pushedSHA,
		RemoveSourceBranch:        true,
		MergeWhenPipelineSucceeds: true,
	})
	if err == nil {
		jc.logger.Info("Merged!")
		return execResult{true, ""}, false
	}

	var refused *gitlab.MergeRefusedError
	if !errors.As(err, &refused) {
		ok, reason := j.handleUnexpected(jc, err)
		return execResult{ok, reason}, false
	}

	switch refused.StatusCode {
	case 404:
		var raw *gitlab.MergeRequest
		getErr := withRetry(jc.ctx, jc.clock, func() error {
			var e error
			raw, e = jc.forge.GetMR(jc.mr.TargetProjectID, jc.mr.IID)
			return e
		})
		if getErr == nil && raw.State == "merged" {
			return execResult{true, ""}, false
		}
		ok, reason := j.handleUnexpected(jc, err)
		return execResult{ok, reason}, false
	case 406:
		if !jc.postedJumpQueueNote {
			j.postBestEffort(jc, JumpQueueComment)
			jc.postedJumpQueueNote = true
		}
		return execResult{}, true
	case 405:
		var raw *gitlab.MergeRequest
		getErr := withRetry(jc.ctx, jc.clock, func() error {
			var e error
			raw, e = jc.forge.GetMR(jc.mr.TargetProjectID, jc.mr.IID)
			return e
		})
		if getErr != nil {
			ok, reason := j.handleUnexpected(jc, getErr)
			return execResult{ok, reason}, false
		}
		switch {
		case raw.WorkInProgress:
			ok, reason := j.abort(jc, unmergeable(MsgBecameWIP))
			return execResult{ok, reason}, false
		case raw.State == "closed":
			ok, reason := j.abort(jc, unmergeable(MsgClosedDuringMerge))
			return execResult{ok, reason}, false
		case jc.project.OnlyAllowMergeIfAllDiscussionsResolved:
			ok, reason := j.abort(jc, unmergeable(MsgRefusedDiscussions))
			return execResult{ok, reason}, false
		case raw.State == "reopened":
			ok, reason := j.abort(jc, unmergeable(MsgRefusedGitHook))
			return execResult{ok, reason}, false
		default:
			ok, reason := j.abort(jc, unmergeable(MsgRefusedUnknown))
			return execResult{ok, reason}, false
		}
	default:
		ok, reason := j.handleUnexpected(jc, err)
		return execResult{ok, reason}, false
	}
}

// handleUnexpected classifies an error that didn't already come labeled as
// a *Error (typically from the forge or git layers) and routes it through
// Aborting as a TransientForge/TransientGit failure that exceeded its
// retry budget. Retry-with-backoff is withRetry (retry.go), which wraps most
// of the driver's forge and repo calls; an error from a wrapped call has
// already exhausted its retries by the time it reaches here.
func (j *Job) handleUnexpected(jc *jobContext, err error) (bool, string) {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		if jobErr.Kind == FatalConfiguration {
			panic(jobErr)
		}
		return j.abort(jc, jobErr)
	}
	return j.abort(jc, unmergeable(err.Error()))
}
