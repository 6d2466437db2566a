// Package ci implements the pipeline waiter (component E of the spec):
// polls forge pipeline status for a given (project, branch, sha) until a
// terminal state is reached.
package ci

import (
	"context"
	"fmt"
	"time"

	"github.com/redhat-data-and-ai/naysayer/internal/clock"
	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
)

// Outcome is the terminal result of waiting for a pipeline.
type Outcome int

const (
	// Unknown is the zero value; never returned on a nil error.
	Unknown Outcome = iota
	// Success means the matched pipeline succeeded or was skipped.
	Success
	// Failed means the matched pipeline failed.
	Failed
	// Canceled means the matched pipeline was canceled.
	Canceled
)

// PipelineLister is the subset of the forge client the waiter needs.
type PipelineLister interface {
	ListPipelines(projectID int, ref string) ([]gitlab.Pipeline, error)
}

// Waiter polls for a pipeline matching (ref, sha) until it reaches a
// terminal status or ci_timeout elapses.
type Waiter struct {
	Forge        PipelineLister
	Clock        clock.Clock
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewWaiter constructs a Waiter with the given polling parameters.
func NewWaiter(forge PipelineLister, clk clock.Clock, pollInterval, timeout time.Duration) *Waiter {
	return &Waiter{Forge: forge, Clock: clk, PollInterval: pollInterval, Timeout: timeout}
}

// Wait blocks until a pipeline matching (branch, sha) reaches success,
// skipped, failed, or canceled, or returns an error if ci_timeout elapses
// first or ctx is canceled.
func (w *Waiter) Wait(ctx context.Context, projectID int, branch, sha string) (Outcome, error) {
	deadline := w.Clock.Now().Add(w.Timeout)
	var lastTerminal Outcome

	for {
		pipelines, err := w.Forge.ListPipelines(projectID, branch)
		if err != nil {
			return Unknown, err
		}

		if p := matchPipeline(pipelines, branch, sha); p != nil {
			switch p.Status {
			case "success", "skipped":
				return Success, nil
			case "failed":
				lastTerminal = Failed
			case "canceled":
				lastTerminal = Canceled
			default:
				// Non-terminal: running, pending, created, etc. A pipeline
				// that goes back to non-terminal after being terminal is a
				// forge quirk (§5); the latest observation is authoritative,
				// so don't return lastTerminal here, re-sample instead.
				lastTerminal = Unknown
			}
			if lastTerminal != Unknown {
				return lastTerminal, nil
			}
		}

		if w.Clock.Now().After(deadline) {
			return Unknown, fmt.Errorf("CI did not appear")
		}

		if err := w.Clock.Sleep(ctx, w.PollInterval); err != nil {
			return Unknown, err
		}
	}
}

// matchPipeline finds the newest pipeline matching (ref == branch) AND
// (sha == sha), per §4.3. ListPipelines returns newest-first.
func matchPipeline(pipelines []gitlab.Pipeline, branch, sha string) *gitlab.Pipeline {
	for i := range pipelines {
		if pipelines[i].Ref == branch && pipelines[i].SHA == sha {
			return &pipelines[i]
		}
	}
	return nil
}
