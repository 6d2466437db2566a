package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/gitrepo"
)

// fakeClock is an injectable clock.Clock that advances instantly on Sleep
// instead of actually waiting, so table-driven tests against configured
// poll intervals/timeouts run synchronously.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the fake clock by d instead of actually waiting.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// callLog records every forge/repo call a fake makes, in order, so tests
// can assert on exact call sequences (e.g. "exactly one abort comment").
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

// diffCallLog renders a unified diff between the expected and actual call
// sequences, used to produce readable assertion failures instead of a bare
// slice mismatch.
func diffCallLog(t interface{ Fatalf(string, ...interface{}) }, want, got []string) {
	if strings.Join(want, "\n") == strings.Join(got, "\n") {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(strings.Join(want, "\n")),
		B:        difflib.SplitLines(strings.Join(got, "\n")),
		FromFile: "want",
		ToFile:   "got",
		Context:  2,
	})
	if err != nil {
		t.Fatalf("call log mismatch (diff failed: %v)\nwant: %v\ngot:  %v", err, want, got)
		return
	}
	t.Fatalf("call log mismatch:\n%s", diff)
}

// fakeForge is an in-memory ForgeClient recording every call into log and
// serving scripted responses, grounded on the teacher's hand-rolled
// fixture-client style (record calls, serve scripted responses).
type fakeForge struct {
	mu  sync.Mutex
	log *callLog

	mr       *gitlab.MergeRequest
	project  *gitlab.ProjectInfo
	branches map[string]*gitlab.BranchHead // "projectID/branch" -> head
	approvals *gitlab.ApprovalState
	pipelines []gitlab.Pipeline
	usernames map[int]string

	acceptErr    error
	comments     []string
	assignedTo   int
	approvedAs   []string
	acceptCalls  int
	onAccept     func(call int) error // optional override per call, for 406/405 sequences
}

func newFakeForge(log *callLog) *fakeForge {
	return &fakeForge{log: log, branches: map[string]*gitlab.BranchHead{}, usernames: map[int]string{}}
}

func (f *fakeForge) GetMR(projectID, iid int) (*gitlab.MergeRequest, error) {
	f.log.record("GetMR(%d,%d)", projectID, iid)
	cp := *f.mr
	return &cp, nil
}

func (f *fakeForge) GetProject(projectID int) (*gitlab.ProjectInfo, error) {
	f.log.record("GetProject(%d)", projectID)
	cp := *f.project
	return &cp, nil
}

func (f *fakeForge) AcceptMR(projectID, iid int, opts gitlab.AcceptMROptions) error {
	f.mu.Lock()
	f.acceptCalls++
	call := f.acceptCalls
	f.mu.Unlock()
	f.log.record("AcceptMR(%d,%d,sha=%s)", projectID, iid, opts.SHA)
	if f.onAccept != nil {
		if err := f.onAccept(call); err != nil {
			return err
		}
	}
	f.mr.State = "merged"
	return f.acceptErr
}

func (f *fakeForge) AssignMR(projectID, iid, userID int) error {
	f.log.record("AssignMR(%d,%d,%d)", projectID, iid, userID)
	f.assignedTo = userID
	return nil
}

func (f *fakeForge) CommentMR(projectID, iid int, text string) error {
	f.log.record("CommentMR(%d,%d,%q)", projectID, iid, text)
	f.comments = append(f.comments, text)
	return nil
}

func (f *fakeForge) GetBranchHead(projectID int, branch string) (*gitlab.BranchHead, error) {
	f.log.record("GetBranchHead(%d,%s)", projectID, branch)
	key := fmt.Sprintf("%d/%s", projectID, branch)
	head, ok := f.branches[key]
	if !ok {
		return &gitlab.BranchHead{SHA: "unknown"}, nil
	}
	cp := *head
	return &cp, nil
}

func (f *fakeForge) GetApprovals(projectID, iid int) (*gitlab.ApprovalState, error) {
	f.log.record("GetApprovals(%d,%d)", projectID, iid)
	if f.approvals == nil {
		return &gitlab.ApprovalState{}, nil
	}
	cp := *f.approvals
	return &cp, nil
}

func (f *fakeForge) Approve(projectID, iid int, asUser string) error {
	f.log.record("Approve(%d,%d,as=%s)", projectID, iid, asUser)
	f.approvedAs = append(f.approvedAs, asUser)
	return nil
}

func (f *fakeForge) ListPipelines(projectID int, ref string) ([]gitlab.Pipeline, error) {
	f.log.record("ListPipelines(%d,%s)", projectID, ref)
	return f.pipelines, nil
}

func (f *fakeForge) UsernameForUser(userID int) (string, error) {
	f.log.record("UsernameForUser(%d)", userID)
	if name, ok := f.usernames[userID]; ok {
		return name, nil
	}
	return fmt.Sprintf("user%d", userID), nil
}

// fakeRepo is an in-memory Repo (component B) simulating rebase/rewrite/push
// without touching the filesystem, grounded on gitrepo.Repo's semantics.
type fakeRepo struct {
	log *callLog

	rebaseResult    string
	rebaseErr       error
	rewriteResult   string
	pushErr         error
	headAfterPush   string
}

func (r *fakeRepo) Fetch(ctx context.Context, branches ...string) error {
	r.log.record("Fetch(%v)", branches)
	return nil
}

func (r *fakeRepo) Rebase(ctx context.Context, sourceBranch, onto string) (string, error) {
	r.log.record("Rebase(%s,%s)", sourceBranch, onto)
	if r.rebaseErr != nil {
		return "", r.rebaseErr
	}
	return r.rebaseResult, nil
}

func (r *fakeRepo) RewriteTrailers(ctx context.Context, base string, trailers, tipTrailers []gitrepo.Trailer) (string, error) {
	r.log.record("RewriteTrailers(%s,trailers=%d,tip=%d)", base, len(trailers), len(tipTrailers))
	return r.rewriteResult, nil
}

func (r *fakeRepo) Push(ctx context.Context, branch, expectedRemoteSHA string) error {
	r.log.record("Push(%s,expected=%s)", branch, expectedRemoteSHA)
	return r.pushErr
}

func (r *fakeRepo) GetCommitHash(ctx context.Context, ref string) (string, error) {
	r.log.record("GetCommitHash(%s)", ref)
	return ref, nil
}

// fakeLogger discards everything; tests that need to assert on specific
// log lines use recordingLogger instead.
type fakeLogger struct{}

func (fakeLogger) Debug(string, ...interface{}) {}
func (fakeLogger) Info(string, ...interface{})  {}
func (fakeLogger) Warn(string, ...interface{})  {}
func (fakeLogger) Error(string, ...interface{}) {}

// recordingLogger captures formatted log lines by level, so tests can
// assert on the exact approval-reset polling messages (§9).
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) add(level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+fmt.Sprintf(msg, args...))
}

func (l *recordingLogger) Debug(msg string, args ...interface{}) { l.add("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...interface{})  { l.add("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...interface{})  { l.add("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...interface{}) { l.add("error", msg, args) }
