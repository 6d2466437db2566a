// Package approval implements the approval tracker (component D of the
// spec): snapshots approvers before a rewrite and, when impersonating,
// waits for the forge to invalidate them and then re-applies them.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/redhat-data-and-ai/naysayer/internal/clock"
	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
)

// Client is the subset of the forge client the tracker needs.
type Client interface {
	GetApprovals(projectID, iid int) (*gitlab.ApprovalState, error)
	Approve(projectID, iid int, asUser string) error
}

// Logger is the minimal logging capability the tracker needs to make its
// polling observable in tests (spec §9: log lines, not a singleton).
type Logger interface {
	Debug(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}

// Tracker snapshots and restores an MR's approvals across a commit
// rewrite. When Impersonate is false it is a no-op per §4.4.
type Tracker struct {
	Forge       Client
	Clock       clock.Clock
	Logger      Logger
	Impersonate bool
	PollInterval time.Duration
	Timeout      time.Duration

	// usernameByID resolves an approver's forge user id to the username
	// used in the Sudo header. Supplied by the job driver, which already
	// has this mapping from the project's member list.
	usernameByID func(userID int) (string, error)
}

// NewTracker constructs a Tracker. usernameByID may be nil when Impersonate
// is false. logger may be nil; a no-op logger is used in that case.
func NewTracker(forge Client, clk clock.Clock, logger Logger, impersonate bool, pollInterval, timeout time.Duration, usernameByID func(int) (string, error)) *Tracker {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Tracker{
		Forge:        forge,
		Clock:        clk,
		Logger:       logger,
		Impersonate:  impersonate,
		PollInterval: pollInterval,
		Timeout:      timeout,
		usernameByID: usernameByID,
	}
}

// Snapshot records the current approvers of an MR. Returns nil, nil when
// not impersonating.
func (t *Tracker) Snapshot(projectID, iid int) ([]int, error) {
	if !t.Impersonate {
		return nil, nil
	}
	state, err := t.Forge.GetApprovals(projectID, iid)
	if err != nil {
		return nil, err
	}
	return state.Approvers, nil
}

// WaitForReset polls until the approver set is empty (the forge invalidated
// approvals after the rewrite), then re-approves as each prior approver.
// A no-op when not impersonating.
func (t *Tracker) WaitForReset(ctx context.Context, projectID, iid int, priorApprovers []int) error {
	if !t.Impersonate {
		return nil
	}

	deadline := t.Clock.Now().Add(t.Timeout)
	for {
		t.Logger.Debug("Checking if approvals have reset")
		state, err := t.Forge.GetApprovals(projectID, iid)
		if err != nil {
			return err
		}
		if len(state.Approvers) == 0 {
			break
		}

		if t.Clock.Now().After(deadline) {
			return fmt.Errorf("approvals did not reset")
		}

		t.Logger.Debug("Approvals haven't reset yet, sleeping for %s secs", t.PollInterval.String())
		if err := t.Clock.Sleep(ctx, t.PollInterval); err != nil {
			return err
		}
	}

	for _, userID := range priorApprovers {
		username, err := t.usernameByID(userID)
		if err != nil {
			return err
		}
		if err := t.Forge.Approve(projectID, iid, username); err != nil {
			return err
		}
	}
	return nil
}
