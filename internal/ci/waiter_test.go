package ci

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

// fakeLister serves a scripted sequence of ListPipelines responses, one
// entry consumed per call; the last entry repeats once exhausted.
type fakeLister struct {
	sequence [][]gitlab.Pipeline
	calls    int
}

func (f *fakeLister) ListPipelines(projectID int, ref string) ([]gitlab.Pipeline, error) {
	idx := f.calls
	if idx >= len(f.sequence) {
		idx = len(f.sequence) - 1
	}
	f.calls++
	return f.sequence[idx], nil
}

func TestWaiter_SuccessOnFirstPoll(t *testing.T) {
	lister := &fakeLister{sequence: [][]gitlab.Pipeline{
		{{SHA: "abc", Ref: "feature", Status: "success"}},
	}}
	w := NewWaiter(lister, newFakeClock(), time.Second, time.Minute)

	outcome, err := w.Wait(context.Background(), 1, "feature", "abc")
	require.NoError(t, err)
	assert.Equal(t, Success, outcome)
}

func TestWaiter_SkippedCountsAsSuccess(t *testing.T) {
	lister := &fakeLister{sequence: [][]gitlab.Pipeline{
		{{SHA: "abc", Ref: "feature", Status: "skipped"}},
	}}
	w := NewWaiter(lister, newFakeClock(), time.Second, time.Minute)

	outcome, err := w.Wait(context.Background(), 1, "feature", "abc")
	require.NoError(t, err)
	assert.Equal(t, Success, outcome)
}

func TestWaiter_Failed(t *testing.T) {
	lister := &fakeLister{sequence: [][]gitlab.Pipeline{
		{{SHA: "abc", Ref: "feature", Status: "failed"}},
	}}
	w := NewWaiter(lister, newFakeClock(), time.Second, time.Minute)

	outcome, err := w.Wait(context.Background(), 1, "feature", "abc")
	require.NoError(t, err)
	assert.Equal(t, Failed, outcome)
}

func TestWaiter_Canceled(t *testing.T) {
	lister := &fakeLister{sequence: [][]gitlab.Pipeline{
		{{SHA: "abc", Ref: "feature", Status: "canceled"}},
	}}
	w := NewWaiter(lister, newFakeClock(), time.Second, time.Minute)

	outcome, err := w.Wait(context.Background(), 1, "feature", "abc")
	require.NoError(t, err)
	assert.Equal(t, Canceled, outcome)
}

func TestWaiter_PollsThroughRunningToSuccess(t *testing.T) {
	lister := &fakeLister{sequence: [][]gitlab.Pipeline{
		{{SHA: "abc", Ref: "feature", Status: "running"}},
		{{SHA: "abc", Ref: "feature", Status: "running"}},
		{{SHA: "abc", Ref: "feature", Status: "success"}},
	}}
	w := NewWaiter(lister, newFakeClock(), time.Second, time.Hour)

	outcome, err := w.Wait(context.Background(), 1, "feature", "abc")
	require.NoError(t, err)
	assert.Equal(t, Success, outcome)
	assert.Equal(t, 3, lister.calls)
}

func TestWaiter_IgnoresPipelineForDifferentSHA(t *testing.T) {
	lister := &fakeLister{sequence: [][]gitlab.Pipeline{
		{{SHA: "other", Ref: "feature", Status: "success"}},
		{{SHA: "abc", Ref: "feature", Status: "success"}},
	}}
	w := NewWaiter(lister, newFakeClock(), time.Millisecond, time.Hour)

	outcome, err := w.Wait(context.Background(), 1, "feature", "abc")
	require.NoError(t, err)
	assert.Equal(t, Success, outcome)
	assert.Equal(t, 2, lister.calls)
}

func TestWaiter_TimesOutWhenNoPipelineAppears(t *testing.T) {
	lister := &fakeLister{sequence: [][]gitlab.Pipeline{{}}}
	w := NewWaiter(lister, newFakeClock(), time.Second, time.Second)

	_, err := w.Wait(context.Background(), 1, "feature", "abc")
	require.Error(t, err)
}

func TestWaiter_RespectsContextCancellation(t *testing.T) {
	lister := &fakeLister{sequence: [][]gitlab.Pipeline{
		{{SHA: "abc", Ref: "feature", Status: "running"}},
	}}
	w := NewWaiter(lister, newFakeClock(), time.Second, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Wait(ctx, 1, "feature", "abc")
	require.Error(t, err)
}
