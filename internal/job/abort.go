package job

import "fmt"

// abort implements the Aborting state (§4.7): post an error comment,
// reassign to the author, nothing else — both best-effort. Returns the
// (false, reason) pair Execute should return.
func (j *Job) abort(jc *jobContext, failure *Error) (bool, string) {
	reason := failure.Error()
	jc.logger.Warn("Aborting merge job: %s", reason)

	j.postBestEffort(jc, fmt.Sprintf(AbortCommentFormat, reason))
	j.reassignBestEffort(jc)

	return false, reason
}

// postBestEffort posts a comment on the MR, logging (not propagating)
// any failure, per §4.7: "forge errors here are logged, not retried at the
// job layer".
func (j *Job) postBestEffort(jc *jobContext, text string) {
	if err := jc.forge.CommentMR(jc.mr.TargetProjectID, jc.mr.IID, text); err != nil {
		jc.logger.Warn("Failed to post comment: %v", err)
	}
}

func (j *Job) reassignBestEffort(jc *jobContext) {
	if jc.mr.AuthorID == 0 {
		return
	}
	if err := jc.forge.AssignMR(jc.mr.TargetProjectID, jc.mr.IID, jc.mr.AuthorID); err != nil {
		jc.logger.Warn("Failed to reassign to author: %v", err)
	}
}
