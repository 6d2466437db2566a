package main

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/redhat-data-and-ai/naysayer/internal/clock"
	"github.com/redhat-data-and-ai/naysayer/internal/config"
	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/gitrepo"
	"github.com/redhat-data-and-ai/naysayer/internal/job"
	"github.com/redhat-data-and-ai/naysayer/internal/logging"
)

// reporterAccessLevel is GitLab's numeric "Reporter" access level; projects
// below it aren't browsable for merge requests (marge/bot.py: AccessLevel.reporter).
const reporterAccessLevel = 20

const pollInterval = 60 * time.Second

// poller implements the fallback polling loop of SPEC_FULL.md §5 and §9,
// grounded on marge/bot.py's Bot._run: list my projects, filter by the
// configured regexp and access level, and run the oldest merge request
// assigned to me in each, once per sweep.
type poller struct {
	forge     *gitlab.Client
	repos     *gitrepo.Manager
	opts      job.Options
	botUserID int
	projectRe *regexp.Regexp
	embargo   []config.EmbargoInterval
	clk       clock.Clock
	baseHost  string
}

func newPoller(cfg *config.Config, forge *gitlab.Client, repos *gitrepo.Manager, opts job.Options, botUserID int) (*poller, error) {
	re, err := regexp.Compile(cfg.MergeJob.ProjectRegexp)
	if err != nil {
		return nil, err
	}
	embargo, err := config.LoadEmbargoIntervals(cfg.MergeJob.EmbargoFile)
	if err != nil {
		return nil, err
	}
	host := cfg.GitLab.BaseURL
	if u, err := url.Parse(cfg.GitLab.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &poller{
		forge: forge, repos: repos, opts: opts, botUserID: botUserID,
		projectRe: re, embargo: embargo, clk: &clock.Real{}, baseHost: host,
	}, nil
}

// sshRemoteURL builds the git-over-SSH clone URL for a project, matching
// the transport the original bot uses for its local worktree (spec §6:
// "Git-over-SSH").
func (p *poller) sshRemoteURL(pathWithNamespace string) string {
	return fmt.Sprintf("git@%s:%s.git", p.baseHost, strings.TrimSuffix(pathWithNamespace, "/"))
}

// run loops forever, sweeping once, then sleeping pollInterval, until ctx
// is cancelled.
func (p *poller) run(ctx context.Context) {
	for {
		p.sweep(ctx)
		if err := p.clk.Sleep(ctx, pollInterval); err != nil {
			return
		}
	}
}

func (p *poller) sweep(ctx context.Context) {
	if p.duringEmbargo() {
		logging.Info("Merge embargo in effect, skipping this sweep")
		return
	}

	logging.Info("Finding out my current projects...")
	projects, err := p.forge.ListMyProjects()
	if err != nil {
		logging.Warn("Failed to list projects: %v", err)
		return
	}

	for _, project := range projects {
		if !p.projectRe.MatchString(project.PathWithNamespace) {
			continue
		}
		if project.AccessLevel < reporterAccessLevel {
			logging.Warn("Don't have enough permissions to browse merge requests in %s!", project.PathWithNamespace)
			continue
		}

		mrs, err := p.forge.ListAssignedOpenMRs(project.ID, p.botUserID)
		if err != nil {
			logging.Warn("Failed to list assigned MRs in %s: %v", project.PathWithNamespace, err)
			continue
		}
		if len(mrs) == 0 {
			continue
		}

		oldest := mrs[0]
		logging.Info("Got merge requests to merge; will try the oldest",
			zap.String("project", project.PathWithNamespace), zap.Int("count", len(mrs)))
		p.runJob(ctx, project, oldest)
	}
}

func (p *poller) runJob(ctx context.Context, project gitlab.ProjectInfo, mr gitlab.MergeRequest) {
	repo, err := p.repos.RepoFor(ctx, project.ID, p.sshRemoteURL(project.PathWithNamespace))
	if err != nil {
		logging.Warn("Couldn't initialize repository for project %s: %v", project.PathWithNamespace, err)
		return
	}
	jobLogger := logging.NewJobLogger(nil)
	j := job.New(p.forge, repo, p.clk, jobLogger, p.opts, p.botUserID)
	ok, reason := j.Execute(ctx, project.ID, mr.IID)
	if !ok {
		logging.Warn("Merge job finished unsuccessfully: %s", reason)
	}
}

func (p *poller) duringEmbargo() bool {
	if len(p.embargo) == 0 {
		return false
	}
	now := p.clk.Now().UTC()
	for _, interval := range p.embargo {
		if interval.Covers(now) {
			return true
		}
	}
	return false
}
