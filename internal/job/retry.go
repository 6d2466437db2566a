package job

import (
	"context"
	"errors"
	"time"

	"github.com/redhat-data-and-ai/naysayer/internal/clock"
	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/gitrepo"
)

const (
	maxTransientRetries = 5
	retryBaseDelay      = 500 * time.Millisecond
	retryMaxDelay       = 30 * time.Second
)

// isTransient reports whether err is TransientForge (from the forge client)
// or TransientGit (from the git worktree), the two retryable kinds of §7.
func isTransient(err error) bool {
	var forgeErr *gitlab.TransientError
	var gitErr *gitrepo.GitError
	return errors.As(err, &forgeErr) || errors.As(err, &gitErr)
}

// withRetry runs op, retrying with exponential backoff (capped) while it
// keeps returning a transient error. Once the cap is exceeded the last
// error is returned unchanged so the caller surfaces it as Unmergeable
// (§7: "surfaced as Unmergeable only if the cap is exceeded").
func withRetry(ctx context.Context, clk clock.Clock, op func() error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < maxTransientRetries; attempt++ {
		lastErr = op()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		if err := clk.Sleep(ctx, delay); err != nil {
			return lastErr
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return lastErr
}
