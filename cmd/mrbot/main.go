// Command mrbot runs the merge-request integrator bot: a webhook server
// that starts a merge job as soon as it is assigned an MR, plus a polling
// loop that picks up anything the webhook missed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/redhat-data-and-ai/naysayer/internal/config"
	"github.com/redhat-data-and-ai/naysayer/internal/gitlab"
	"github.com/redhat-data-and-ai/naysayer/internal/gitrepo"
	"github.com/redhat-data-and-ai/naysayer/internal/job"
	"github.com/redhat-data-and-ai/naysayer/internal/logging"
	"github.com/redhat-data-and-ai/naysayer/internal/webhook"
)

var (
	logLevel      string
	jsonLogging   bool
	disablePoller bool
)

func main() {
	root := &cobra.Command{
		Use:   "mrbot",
		Short: "Automated merge request integrator",
		RunE:  run,
	}
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&jsonLogging, "json-logs", false, "emit JSON-encoded logs instead of console format")
	root.Flags().BoolVar(&disablePoller, "no-poll", false, "disable the fallback polling loop (webhook-only mode)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	logging.Init(logging.Config{Level: logLevel, Production: jsonLogging})
	defer func() { _ = logging.Sync() }()

	cfg := config.Load()
	if !cfg.HasGitLabToken() {
		return fmt.Errorf("GITLAB_TOKEN is required")
	}

	forge := gitlab.NewClient(cfg.GitLab)
	botUser, err := forge.GetCurrentUser()
	if err != nil {
		return fmt.Errorf("failed to resolve bot identity: %w", err)
	}
	if err := cfg.Validate(botUser.IsAdmin); err != nil {
		return err
	}
	logging.Info("Authenticated to GitLab", zap.String("username", botUser.Username), zap.Bool("is_admin", botUser.IsAdmin))

	opts := job.Options{
		AddReviewers:         cfg.MergeJob.AddReviewers,
		AddTested:            cfg.MergeJob.AddTested,
		ImpersonateApprovers: cfg.MergeJob.ImpersonateApprovers,
		BotName:              botUser.Username,
		CITimeout:            cfg.MergeJob.CITimeout,
		ApprovalTimeout:      cfg.MergeJob.ApprovalTimeout,
		CIPollInterval:       cfg.MergeJob.CIPollInterval,
		ApprovalPollInterval: cfg.MergeJob.ApprovalPollInterval,
		MaxRebaseIterations:  cfg.MergeJob.MaxRebaseIterations,
	}

	repoRoot := os.Getenv("MERGE_JOB_REPO_ROOT")
	if repoRoot == "" {
		repoRoot = "/var/lib/naysayer/repos"
	}
	if err := os.MkdirAll(repoRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create repo root %s: %w", repoRoot, err)
	}
	repos := gitrepo.NewManager(repoRoot)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !disablePoller {
		p, err := newPoller(cfg, forge, repos, opts, botUser.ID)
		if err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
		go p.run(ctx)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/webhook", webhook.NewMergeJobHandler(cfg, botUser.ID).HandleWebhook)
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Listening", zap.String("port", cfg.Server.Port))
		errCh <- app.Listen(":" + cfg.Server.Port)
	}()

	select {
	case <-ctx.Done():
		logging.Info("Shutting down")
		return app.ShutdownWithTimeout(30 * time.Second)
	case err := <-errCh:
		return err
	}
}
