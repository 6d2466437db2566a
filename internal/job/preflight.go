package job

import (
	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/mr"
)

// preflightCheck validates one merge-policy precondition from §4.5. A nil
// return means the check passed.
type preflightCheck func(jc *jobContext) *Error

// errSkipSilently signals check 4 ("bot is assignee, else exit silently"):
// not an Unmergeable outcome, just a quiet no-op.
var errSkipSilently = &Error{Kind: BranchMoved} // reused as an internal sentinel, never surfaced

func (jc *jobContext) runPreflight() (skip bool, err *Error) {
	for _, check := range preflightChecks {
		if failure := check(jc); failure != nil {
			if failure == errSkipSilently {
				return true, nil
			}
			return false, failure
		}
	}
	return false, nil
}

var preflightChecks = []preflightCheck{
	checkState,
	checkWorkInProgress,
	checkSquashCompatibility,
	checkAssignee,
	checkSourceBranchNotProtected,
	// checkRebaseProduced runs after Rebase, not here; see job.go.
}

func checkState(jc *jobContext) *Error {
	if !jc.mr.IsOpen() {
		return unmergeable("closed/merged")
	}
	return nil
}

func checkWorkInProgress(jc *jobContext) *Error {
	if jc.mr.WorkInProgress {
		return unmergeable(MsgWorkInProgress)
	}
	return nil
}

func checkSquashCompatibility(jc *jobContext) *Error {
	rewritingTrailers := jc.opts.AddReviewers || jc.opts.AddTested
	if jc.mr.Squash && rewritingTrailers {
		return unmergeable(MsgSquashIncompatible)
	}
	return nil
}

func checkAssignee(jc *jobContext) *Error {
	if jc.mr.AssigneeID != jc.botUserID {
		return errSkipSilently
	}
	return nil
}

func checkSourceBranchNotProtected(jc *jobContext) *Error {
	var head *gitlab.BranchHead
	err := withRetry(jc.ctx, jc.clock, func() error {
		var e error
		head, e = jc.forge.GetBranchHead(jc.mr.SourceProjectID, jc.mr.SourceBranch)
		return e
	})
	if err != nil {
		return &Error{Kind: TransientForge, Wrapped: err}
	}
	if head.Protected {
		return unmergeable(MsgProtectedBranch)
	}
	return nil
}

// checkRebaseProduced implements §4.5 check 6: if the rebased tip equals
// the target head, there are no new changes. Run after Rebase completes.
func checkRebaseProduced(rebasedSHA string, targetHead string, m mr.Projection) *Error {
	if rebasedSHA == targetHead {
		return unmergeable(AlreadyExistsMessage(m.TargetBranch))
	}
	return nil
}
