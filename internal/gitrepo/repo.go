// Package gitrepo implements the merge job's local git worktree (component
// B of the spec): fetch, rebase, commit-trailer rewriting and
// force-with-lease push, all as subprocess invocations against the system
// git binary.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/redhat-data-and-ai/naysayer/internal/logging"
)

var validRefRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

func isValidRef(ref string) bool {
	if ref == "" || len(ref) > 255 || strings.Contains(ref, "..") {
		return false
	}
	return validRefRegex.MatchString(ref)
}

// Trailer is a single commit-trailer line to append, e.g.
// Reviewed-by: Jane Doe <jane@example.com>.
type Trailer struct {
	Key   string
	Value string
}

func (t Trailer) String() string { return t.Key + ": " + t.Value }

// Repo is a local working copy of one project's git repository, keyed by
// project id, held by the job for the duration of one run.
type Repo struct {
	projectID int
	dir       string
	remoteURL string

	mu sync.Mutex // serializes subprocess invocations against this worktree
}

// Manager creates and reuses one Repo per project id under a root
// directory, mirroring the scoped-acquisition lifecycle described in §4.2.
type Manager struct {
	rootDir string

	mu    sync.Mutex
	repos map[int]*Repo
}

// NewManager creates a Manager rooted at rootDir, which must already exist.
func NewManager(rootDir string) *Manager {
	return &Manager{rootDir: rootDir, repos: make(map[int]*Repo)}
}

// RepoFor returns the Repo for projectID, cloning remoteURL into a fresh
// worktree on first use.
func (m *Manager) RepoFor(ctx context.Context, projectID int, remoteURL string) (*Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.repos[projectID]; ok {
		return r, nil
	}

	dir := filepath.Join(m.rootDir, fmt.Sprintf("project-%d", projectID))
	r := &Repo{projectID: projectID, dir: dir, remoteURL: remoteURL}
	if err := r.ensureCloned(ctx); err != nil {
		return nil, err
	}
	m.repos[projectID] = r
	return r, nil
}

// Release drops the Manager's handle on the project's worktree. The
// directory is left on disk for reuse by the next job on the same project;
// nothing is force-deleted, since the forge (not the worktree) is the
// source of truth (§4.2).
func (m *Manager) Release(projectID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.repos, projectID)
}

func (r *Repo) ensureCloned(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.dir), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	_, err := r.run(ctx, "clone", r.remoteURL, r.dir)
	return err
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := exec.CommandContext(ctx, "git", args...)
	if _, statErr := os.Stat(r.dir); statErr == nil {
		cmd.Dir = r.dir
	}
	cmd.Env = filterGitEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debug("running git command", zap.Int("project_id", r.projectID), zap.Strings("args", args))

	err := cmd.Run()
	output := strings.TrimSpace(stdout.String())
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += strings.TrimSpace(stderr.String())
	}
	if err != nil {
		return output, &GitError{Op: args[0], Output: output, Err: err}
	}
	return output, nil
}

func filterGitEnv(env []string) []string {
	result := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "GIT_DIR=") || strings.HasPrefix(e, "GIT_WORK_TREE=") {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Fetch fetches the given branches (and prunes stale remote-tracking refs)
// from origin.
func (r *Repo) Fetch(ctx context.Context, branches ...string) error {
	for _, b := range branches {
		if !isValidRef(b) {
			return fmt.Errorf("refusing to fetch invalid ref %q", b)
		}
	}
	args := append([]string{"fetch", "--prune", "origin"}, branches...)
	_, err := r.run(ctx, args...)
	return err
}

// Rebase replays sourceBranch onto the tip of onto, producing a linear
// history. Returns the new tip SHA, or a *ConflictError if it cannot
// complete cleanly.
func (r *Repo) Rebase(ctx context.Context, sourceBranch, onto string) (string, error) {
	if !isValidRef(sourceBranch) || !isValidRef(onto) {
		return "", fmt.Errorf("refusing to rebase with invalid ref")
	}
	if _, err := r.run(ctx, "checkout", "-B", sourceBranch, "origin/"+sourceBranch); err != nil {
		return "", err
	}
	_, err := r.run(ctx, "rebase", "origin/"+onto)
	if err != nil {
		if isRebaseConflict(err) {
			_, _ = r.run(ctx, "rebase", "--abort")
			return "", &ConflictError{Output: err.Error()}
		}
		return "", err
	}
	return r.GetCommitHash(ctx, "HEAD")
}

func isRebaseConflict(err error) bool {
	var gitErr *GitError
	if ge, ok := err.(*GitError); ok {
		gitErr = ge
	}
	if gitErr == nil {
		return false
	}
	return strings.Contains(gitErr.Output, "CONFLICT") || strings.Contains(gitErr.Output, "could not apply")
}

// RewriteTrailers applies trailers to every commit from base (exclusive) to
// HEAD (inclusive); tipTrailers are applied only to the tip commit (the
// Tested: trailer). Author identity and timestamps are preserved; the
// committer becomes whoever the worktree is configured as (the bot).
// Returns the new tip SHA.
func (r *Repo) RewriteTrailers(ctx context.Context, base string, trailers []Trailer, tipTrailers []Trailer) (string, error) {
	commits, err := r.commitsSince(ctx, base)
	if err != nil {
		return "", err
	}

	for i, sha := range commits {
		args := []string{"commit", "--amend", "--no-edit", "--allow-empty"}
		for _, t := range trailers {
			args = append(args, "--trailer", t.String())
		}
		if i == len(commits)-1 {
			for _, t := range tipTrailers {
				args = append(args, "--trailer", t.String())
			}
		}
		if _, err := r.run(ctx, "checkout", sha); err != nil {
			return "", err
		}
		if _, err := r.run(ctx, args...); err != nil {
			return "", err
		}
		newSHA, err := r.GetCommitHash(ctx, "HEAD")
		if err != nil {
			return "", err
		}
		if i < len(commits)-1 {
			commits[i+1], err = r.rebaseChildOnto(ctx, commits[i+1], newSHA)
			if err != nil {
				return "", err
			}
		} else {
			return newSHA, nil
		}
	}
	return r.GetCommitHash(ctx, "HEAD")
}

func (r *Repo) rebaseChildOnto(ctx context.Context, child, newParent string) (string, error) {
	if _, err := r.run(ctx, "checkout", child); err != nil {
		return "", err
	}
	if _, err := r.run(ctx, "rebase", "--onto", newParent, child+"~1"); err != nil {
		return "", &ConflictError{Output: err.Error()}
	}
	return r.GetCommitHash(ctx, "HEAD")
}

func (r *Repo) commitsSince(ctx context.Context, base string) ([]string, error) {
	out, err := r.run(ctx, "rev-list", "--reverse", base+"..HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Push force-with-lease pushes branch, atomically requiring the remote tip
// to equal expectedRemoteSHA. Returns *PushRejectedError when the lease
// fails (protected branch or concurrent push).
func (r *Repo) Push(ctx context.Context, branch, expectedRemoteSHA string) error {
	if !isValidRef(branch) {
		return fmt.Errorf("refusing to push invalid ref %q", branch)
	}
	lease := fmt.Sprintf("--force-with-lease=%s:%s", branch, expectedRemoteSHA)
	_, err := r.run(ctx, "push", lease, "origin", "HEAD:"+branch)
	if err == nil {
		return nil
	}
	out := err.Error()
	protected := strings.Contains(out, "protected") || strings.Contains(out, "pre-receive hook declined")
	if protected || strings.Contains(out, "stale info") || strings.Contains(out, "rejected") {
		return &PushRejectedError{Branch: branch, Protected: protected, Output: out}
	}
	return err
}

// GetCommitHash resolves ref to its full SHA.
func (r *Repo) GetCommitHash(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return out, nil
}
