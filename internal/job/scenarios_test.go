package job

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/gitrepo"
)

const (
	botID    = 1
	authorID = 2
	testProj = 100
)

func branchKey(projectID int, branch string) string {
	return fmt.Sprintf("%d/%s", projectID, branch)
}

func baseMR() *gitlab.MergeRequest {
	return &gitlab.MergeRequest{
		ProjectID:       testProj,
		SourceProjectID: testProj,
		TargetProjectID: testProj,
		IID:             7,
		SourceBranch:    "feature",
		TargetBranch:    "main",
		SHA:             "deadbeef",
		State:           "opened",
		AssigneeID:      botID,
		AuthorID:        authorID,
		WebURL:          "https://forge.example/group/proj/-/merge_requests/7",
	}
}

func baseProject() *gitlab.ProjectInfo {
	return &gitlab.ProjectInfo{
		ID:                                     testProj,
		PathWithNamespace:                      "group/proj",
		OnlyAllowMergeIfPipelineSucceeds:        true,
		OnlyAllowMergeIfAllDiscussionsResolved:  false,
	}
}

func newHarness() (*fakeForge, *fakeRepo, *callLog, *Job) {
	log := &callLog{}
	forge := newFakeForge(log)
	forge.mr = baseMR()
	forge.project = baseProject()
	forge.branches[branchKey(testProj, "main")] = &gitlab.BranchHead{SHA: "c0ffee"}
	forge.branches[branchKey(testProj, "feature")] = &gitlab.BranchHead{SHA: "deadbeef"}

	repo := &fakeRepo{log: log}
	opts := Options{MaxRebaseIterations: 5, BotName: "naysayer"}
	j := New(forge, repo, newFakeClock(), fakeLogger{}, opts, botID)
	return forge, repo, log, j
}

// S1: first-try success.
func TestScenario_S1_FirstTrySuccess(t *testing.T) {
	forge, repo, _, j := newHarness()
	repo.rebaseResult = "af7a-rebased"
	repo.rewriteResult = "af7a"
	forge.pipelines = []gitlab.Pipeline{{SHA: "af7a", Ref: "feature", Status: "success"}}
	forge.branches[branchKey(testProj, "feature")] = &gitlab.BranchHead{SHA: "af7a"}

	ok, reason := j.Execute(context.Background(), testProj, 7)

	require.True(t, ok, "reason=%s", reason)
	assert.Equal(t, "merged", forge.mr.State)
	assert.Empty(t, forge.comments)
}

// S2: CI fails.
func TestScenario_S2_CIFails(t *testing.T) {
	forge, repo, _, j := newHarness()
	repo.rebaseResult = "af7a-rebased"
	repo.rewriteResult = "af7a"
	forge.pipelines = []gitlab.Pipeline{{SHA: "af7a", Ref: "feature", Status: "failed"}}
	forge.branches[branchKey(testProj, "feature")] = &gitlab.BranchHead{SHA: "af7a"}

	ok, reason := j.Execute(context.Background(), testProj, 7)

	assert.False(t, ok)
	assert.Equal(t, MsgCIFailed, reason)
	require.Len(t, forge.comments, 1)
	assert.Equal(t, "I couldn't merge this branch: CI failed!", forge.comments[0])
	assert.Equal(t, authorID, forge.assignedTo)
}

// S3: target moved, one 406 re-entry, then success.
func TestScenario_S3_TargetMoved(t *testing.T) {
	forge, repo, _, j := newHarness()
	repo.rebaseResult = "af7a-rebased"
	repo.rewriteResult = "af7a"
	forge.pipelines = []gitlab.Pipeline{{SHA: "af7a", Ref: "feature", Status: "success"}}
	forge.branches[branchKey(testProj, "feature")] = &gitlab.BranchHead{SHA: "af7a"}

	forge.onAccept = func(call int) error {
		if call == 1 {
			forge.branches[branchKey(testProj, "main")] = &gitlab.BranchHead{SHA: "fafafa"}
			repo.rebaseResult = "af7a2-rebased"
			repo.rewriteResult = "af7a2"
			forge.branches[branchKey(testProj, "feature")] = &gitlab.BranchHead{SHA: "af7a2"}
			forge.pipelines = []gitlab.Pipeline{{SHA: "af7a2", Ref: "feature", Status: "success"}}
			return &gitlab.MergeRefusedError{StatusCode: 406}
		}
		return nil
	}

	ok, reason := j.Execute(context.Background(), testProj, 7)

	require.True(t, ok, "reason=%s", reason)
	require.Len(t, forge.comments, 1)
	assert.Equal(t, JumpQueueComment, forge.comments[0])
	assert.Equal(t, "merged", forge.mr.State)
}

// S4: someone else merged it already (404, mr state merged).
func TestScenario_S4_SomeoneElseMerged(t *testing.T) {
	forge, repo, _, j := newHarness()
	repo.rebaseResult = "af7a-rebased"
	repo.rewriteResult = "af7a"
	forge.pipelines = []gitlab.Pipeline{{SHA: "af7a", Ref: "feature", Status: "success"}}
	forge.branches[branchKey(testProj, "feature")] = &gitlab.BranchHead{SHA: "af7a"}
	forge.onAccept = func(call int) error {
		forge.mr.State = "merged"
		return &gitlab.MergeRefusedError{StatusCode: 404}
	}

	ok, reason := j.Execute(context.Background(), testProj, 7)

	require.True(t, ok, "reason=%s", reason)
	assert.Empty(t, forge.comments)
}

// S5: became WIP (405, wip true).
func TestScenario_S5_BecameWIP(t *testing.T) {
	forge, repo, _, j := newHarness()
	repo.rebaseResult = "af7a-rebased"
	repo.rewriteResult = "af7a"
	forge.pipelines = []gitlab.Pipeline{{SHA: "af7a", Ref: "feature", Status: "success"}}
	forge.branches[branchKey(testProj, "feature")] = &gitlab.BranchHead{SHA: "af7a"}
	forge.onAccept = func(call int) error {
		forge.mr.WorkInProgress = true
		return &gitlab.MergeRefusedError{StatusCode: 405}
	}

	ok, reason := j.Execute(context.Background(), testProj, 7)

	assert.False(t, ok)
	assert.Equal(t, MsgBecameWIP, reason)
	require.Len(t, forge.comments, 1)
	assert.Equal(t, "I couldn't merge this branch: "+MsgBecameWIP, forge.comments[0])
	assert.Equal(t, authorID, forge.assignedTo)
}

// S6: protected source branch on push, no accept_mr ever issued.
func TestScenario_S6_ProtectedSourceBranch(t *testing.T) {
	forge, repo, log, j := newHarness()
	repo.rebaseResult = "af7a-rebased"
	repo.pushErr = &gitrepo.PushRejectedError{Branch: "feature", Protected: true, Output: "protected branch"}

	ok, reason := j.Execute(context.Background(), testProj, 7)

	assert.False(t, ok)
	assert.Equal(t, MsgProtectedBranch, reason)
	_ = forge
	for _, call := range log.snapshot() {
		assert.NotContains(t, call, "AcceptMR")
	}
}

// S7: no-op rebase (rebased tip equals target head already).
func TestScenario_S7_NoOpRebase(t *testing.T) {
	_, repo, log, j := newHarness()
	repo.rebaseResult = "c0ffee" // equals target head already

	ok, reason := j.Execute(context.Background(), testProj, 7)

	assert.False(t, ok)
	assert.Equal(t, "these changes already exist in branch `main`", reason)
	for _, call := range log.snapshot() {
		assert.NotContains(t, call, "Push(")
	}
}

// Abort idempotence: exactly one abort comment and one reassignment per
// Unmergeable outcome (§8 property 2).
func TestProperty_AbortIsIdempotent(t *testing.T) {
	forge, repo, _, j := newHarness()
	repo.rebaseErr = &gitrepo.ConflictError{Output: "CONFLICT in file.go"}

	ok, _ := j.Execute(context.Background(), testProj, 7)

	assert.False(t, ok)
	assert.Len(t, forge.comments, 1)
	assert.Equal(t, authorID, forge.assignedTo)
}
