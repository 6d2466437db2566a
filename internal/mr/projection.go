// Package mr holds the merge job's read-only projection of a merge
// request's salient fields (component C of the spec): SHAs, WIP flag,
// squash flag, assignee, author, state. Approvals are not part of the
// projection; they are read through the forge client.
package mr

import "github.com/redhat-data-and-ai/naysayer/internal/gitlab"

// Projection is the subset of a MergeRequest the job state machine reads to
// make decisions. The job builds it once per run from the MergeRequest
// fetched at start; later re-reads of the MR (in Accept) inspect the raw
// gitlab.MergeRequest directly.
type Projection struct {
	ProjectID       int
	SourceProjectID int
	TargetProjectID int
	IID             int
	SourceBranch    string
	TargetBranch    string
	SHA             string
	State           string
	WorkInProgress  bool
	Squash          bool
	AssigneeID      int
	AuthorID        int
	WebURL          string
}

// FromMergeRequest builds a Projection from the forge client's raw type.
func FromMergeRequest(raw *gitlab.MergeRequest) Projection {
	return Projection{
		ProjectID:       raw.ProjectID,
		SourceProjectID: raw.SourceProjectID,
		TargetProjectID: raw.TargetProjectID,
		IID:             raw.IID,
		SourceBranch:    raw.SourceBranch,
		TargetBranch:    raw.TargetBranch,
		SHA:             raw.SHA,
		State:           raw.State,
		WorkInProgress:  raw.WorkInProgress,
		Squash:          raw.Squash,
		AssigneeID:      raw.AssigneeID,
		AuthorID:        raw.AuthorID,
		WebURL:          raw.WebURL,
	}
}

// IsOpen reports whether the MR is still in an actionable state.
func (p Projection) IsOpen() bool {
	return p.State == "opened" || p.State == "reopened"
}

// IsMerged reports whether the forge has already merged this MR.
func (p Projection) IsMerged() bool {
	return p.State == "merged"
}

// IsClosed reports whether the MR was closed without merging.
func (p Projection) IsClosed() bool {
	return p.State == "closed"
}

// Fork reports whether the source branch lives in a different project than
// the target (a fork-based contribution).
func (p Projection) Fork() bool {
	return p.SourceProjectID != 0 && p.SourceProjectID != p.TargetProjectID
}
