package job

import (
	"context"

	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/gitrepo"
)

// ForgeClient is the subset of forge operations (component A) the job
// driver needs, expressed as a capability interface per spec §9 so tests
// can substitute a Fake.
type ForgeClient interface {
	GetMR(projectID, iid int) (*gitlab.MergeRequest, error)
	GetProject(projectID int) (*gitlab.ProjectInfo, error)
	AcceptMR(projectID, iid int, opts gitlab.AcceptMROptions) error
	AssignMR(projectID, iid, userID int) error
	CommentMR(projectID, iid int, text string) error
	GetBranchHead(projectID int, branch string) (*gitlab.BranchHead, error)
	GetApprovals(projectID, iid int) (*gitlab.ApprovalState, error)
	Approve(projectID, iid int, asUser string) error
	ListPipelines(projectID int, ref string) ([]gitlab.Pipeline, error)
	UsernameForUser(userID int) (string, error)
}

// Repo is the git worktree capability (component B) the job driver needs.
type Repo interface {
	Fetch(ctx context.Context, branches ...string) error
	Rebase(ctx context.Context, sourceBranch, onto string) (string, error)
	RewriteTrailers(ctx context.Context, base string, trailers, tipTrailers []gitrepo.Trailer) (string, error)
	Push(ctx context.Context, branch, expectedRemoteSHA string) error
	GetCommitHash(ctx context.Context, ref string) (string, error)
}

// Logger is the job's injected logging capability (spec §9): passed as a
// constructor argument, never a process-wide singleton, so tests can assert
// on specific log lines.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}
